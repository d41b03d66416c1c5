// Package queue defines message payloads exchanged over the message broker
// and the RabbitMQ publisher and consumers that move them.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// Queue names.  Every booking event type is published to the queue of the
// same name on the default exchange.
const (
	BookingConfirmed      = "booking.confirmed"
	BookingFailed         = "booking.failed"
	BookingExpired        = "booking.expired"
	BookingRefundRequired = "booking.refund_required"

	PaymentOutcomeQueue = "payment.outcome"
)

// BookingEventTypes lists every queue a BookingEvent can be published to.
var BookingEventTypes = []string{BookingConfirmed, BookingFailed, BookingExpired, BookingRefundRequired}

// BookingEvent is published after a booking reaches a terminal state, or when
// money arrived for a booking that can no longer be honoured.  It contains
// enough information for downstream consumers to notify, refund or trigger
// analytics without querying the primary database.
type BookingEvent struct {
	Type             string              `json:"type"`
	BookingID        uint64              `json:"booking_id"`
	UserID           uint64              `json:"user_id"`
	ScreeningID      uint64              `json:"screening_id"`
	Status           model.BookingStatus `json:"status"`
	SeatLabels       []string            `json:"seats"`
	TotalAmountCents uint32              `json:"total_amount_cents"`
	PaymentRef       string              `json:"payment_ref,omitempty"`
	OccurredAt       string              `json:"occurred_at"`
}

// NewBookingEvent snapshots b for the given event type.
func NewBookingEvent(typ string, b *model.Booking, at time.Time) BookingEvent {
	ev := BookingEvent{
		Type:             typ,
		BookingID:        b.ID,
		UserID:           b.UserID,
		ScreeningID:      b.ScreeningID,
		Status:           b.Status,
		TotalAmountCents: b.TotalAmountCents,
		OccurredAt:       at.UTC().Format(time.RFC3339),
		SeatLabels:       make([]string, 0, len(b.Seats)),
	}
	if b.PaymentRef != nil {
		ev.PaymentRef = *b.PaymentRef
	}
	for _, s := range b.Seats {
		ev.SeatLabels = append(ev.SeatLabels, fmt.Sprintf("%s%d", s.RowLabel, s.SeatNumber))
	}
	return ev
}

// LogLine renders the event as a single human-friendly line.
func (ev BookingEvent) LogLine() string {
	seats := "[]"
	if len(ev.SeatLabels) > 0 {
		seats = fmt.Sprintf("[%s]", strings.Join(ev.SeatLabels, ","))
	}
	return fmt.Sprintf("[%s] %s | booking_id=%d | user_id=%d | screening_id=%d | status=%s | total=%d cents | payment_ref=%q | seats=%s\n",
		ev.OccurredAt, ev.Type, ev.BookingID, ev.UserID, ev.ScreeningID, ev.Status, ev.TotalAmountCents, ev.PaymentRef, seats)
}

// PaymentOutcomeMessage is the payload pushed by the payment provider bridge
// onto the payment.outcome queue.
type PaymentOutcomeMessage struct {
	GatewayReference string `json:"gateway_reference"`
	Outcome          string `json:"outcome"`
}

// DecodePaymentOutcome parses and validates a payment.outcome body.
func DecodePaymentOutcome(body []byte) (string, model.Outcome, error) {
	var msg PaymentOutcomeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", "", fmt.Errorf("unmarshal: %w", err)
	}
	if msg.GatewayReference == "" {
		return "", "", fmt.Errorf("%w: missing gateway_reference", model.ErrInvalidRequest)
	}
	outcome, ok := model.ParseOutcome(msg.Outcome)
	if !ok {
		return "", "", fmt.Errorf("%w: unknown outcome %q", model.ErrInvalidRequest, msg.Outcome)
	}
	return msg.GatewayReference, outcome, nil
}
