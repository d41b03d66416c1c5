package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/clock"
	"github.com/iliyamo/cinema-seat-booking/internal/gateway"
	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
)

// PaymentConfig configures the payment adapter.
type PaymentConfig struct {
	Currency string
	// GatewayTimeout bounds one CreateSession call.  The call runs while the
	// booking row is locked, so it must stay short.
	GatewayTimeout time.Duration
}

const defaultGatewayTimeout = 10 * time.Second

// PaymentAdapter sits between the booking core and the payment gateway.  It
// opens sessions on behalf of the orchestrator and is the single ingress for
// payment outcomes, whichever transport delivered them.
type PaymentAdapter struct {
	store    repository.Store
	gateway  gateway.Gateway
	clock    clock.Clock
	currency string
	timeout  time.Duration
	log      *zap.Logger

	bookings *BookingOrchestrator
}

// NewPaymentAdapter builds an adapter.  It is usable for outcomes only once
// NewBookingOrchestrator has been called with it.
func NewPaymentAdapter(store repository.Store, gw gateway.Gateway, clk clock.Clock, cfg PaymentConfig, log *zap.Logger) *PaymentAdapter {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	return &PaymentAdapter{
		store:    store,
		gateway:  gw,
		clock:    clk,
		currency: cfg.Currency,
		timeout:  cfg.GatewayTimeout,
		log:      log.Named("payments"),
	}
}

func (p *PaymentAdapter) attach(o *BookingOrchestrator) { p.bookings = o }

// IdempotencyKey is the key sent to the gateway for a booking.  Retried
// session requests for one booking reuse it.
func IdempotencyKey(bookingID uint64) string {
	return "booking-" + strconv.FormatUint(bookingID, 10)
}

// StartSession asks the gateway for a payment session covering b.  Any
// gateway failure, including a call that outlives GatewayTimeout, is
// reported as model.ErrGatewayUnavailable.
func (p *PaymentAdapter) StartSession(ctx context.Context, b *model.Booking) (*model.PaymentSession, error) {
	req := &gateway.SessionRequest{
		BookingID:      b.ID,
		UserID:         b.UserID,
		AmountCents:    b.TotalAmountCents,
		Currency:       p.currency,
		Description:    fmt.Sprintf("Booking #%d, %d seat(s)", b.ID, len(b.Seats)),
		IdempotencyKey: IdempotencyKey(b.ID),
		Metadata: map[string]string{
			"screening_id": strconv.FormatUint(b.ScreeningID, 10),
		},
	}
	gctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	s, err := p.gateway.CreateSession(gctx, req)
	if err != nil {
		p.log.Warn("gateway session failed",
			zap.String("gateway", p.gateway.Name()),
			zap.Uint64("booking_id", b.ID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", model.ErrGatewayUnavailable, err)
	}
	return &model.PaymentSession{
		BookingID:        b.ID,
		Gateway:          p.gateway.Name(),
		GatewayReference: s.Reference,
		ClientSecret:     s.ClientSecret,
		AmountCents:      b.TotalAmountCents,
		Currency:         p.currency,
	}, nil
}

// sessionFromAttempt rebuilds the session handed out when a was created.
func (p *PaymentAdapter) sessionFromAttempt(a *model.PaymentAttempt) *model.PaymentSession {
	return &model.PaymentSession{
		BookingID:        a.BookingID,
		Gateway:          a.Gateway,
		GatewayReference: a.GatewayReference,
		ClientSecret:     a.ClientSecret,
		AmountCents:      a.AmountCents,
		Currency:         p.currency,
	}
}

// OnOutcome applies a gateway-reported outcome.  The attempt is moved out of
// PENDING and the booking finalized in one transaction; a repeated delivery
// finds the attempt already settled and does nothing.
//
// A success that arrives after the booking expired is recorded on the
// attempt, the booking stays EXPIRED, and a booking.refund_required event is
// published.
func (p *PaymentAdapter) OnOutcome(ctx context.Context, gatewayReference string, outcome model.Outcome) error {
	if gatewayReference == "" {
		return fmt.Errorf("%w: gateway reference is required", model.ErrInvalidRequest)
	}
	if outcome != model.PaymentSucceeded && outcome != model.PaymentFailed {
		return fmt.Errorf("%w: unknown outcome %q", model.ErrInvalidRequest, outcome)
	}
	if p.bookings == nil {
		return errors.New("payment adapter is not attached to a booking orchestrator")
	}

	var (
		events    []queue.BookingEvent
		duplicate bool
	)
	err := p.store.WithTx(ctx, func(tx repository.Tx) error {
		events, duplicate = nil, false

		a, err := tx.LockAttemptByReference(ctx, gatewayReference)
		if err != nil {
			return err
		}
		if a.Status != model.PaymentPending {
			duplicate = true
			return nil
		}
		now := p.clock.Now()
		ok, err := tx.TransitionAttempt(ctx, gatewayReference, model.PaymentPending, outcome, now)
		if err != nil {
			return err
		}
		if !ok {
			duplicate = true
			return nil
		}

		b, err := tx.LockBooking(ctx, a.BookingID)
		if err != nil {
			return err
		}
		if outcome == model.PaymentSucceeded && (b.Status == model.BookingExpired || b.Status == model.BookingFailed) {
			ev := queue.NewBookingEvent(queue.BookingRefundRequired, b, now)
			ev.PaymentRef = gatewayReference
			events = append(events, ev)
			return nil
		}

		ev, err := p.bookings.finalizeTx(ctx, tx, b, outcome)
		if err != nil {
			return err
		}
		if ev != nil {
			events = append(events, *ev)
		}
		return nil
	})
	if err != nil {
		return err
	}

	fields := []zap.Field{zap.String("gateway_reference", gatewayReference), zap.String("outcome", string(outcome))}
	if duplicate {
		p.log.Debug("duplicate payment outcome ignored", fields...)
		return nil
	}
	for _, ev := range events {
		if ev.Type == queue.BookingRefundRequired {
			p.log.Warn("payment succeeded for a closed booking, refund required",
				append(fields, zap.Uint64("booking_id", ev.BookingID), zap.String("status", string(ev.Status)))...)
		}
		p.bookings.publish(ctx, ev)
	}
	p.log.Info("payment outcome applied", fields...)
	return nil
}

// Lookup resolves a gateway reference to its booking.  It never changes
// state; the payment return page uses it to show progress.
func (p *PaymentAdapter) Lookup(ctx context.Context, gatewayReference string) (*model.Booking, error) {
	if gatewayReference == "" {
		return nil, fmt.Errorf("%w: gateway reference is required", model.ErrInvalidRequest)
	}
	return p.store.BookingByReference(ctx, gatewayReference)
}
