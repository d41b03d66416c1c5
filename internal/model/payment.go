package model

import "time"

// PaymentStatus mirrors the state of a payment attempt at the gateway.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Outcome is a gateway-reported result for a payment attempt.  Only
// SUCCEEDED and FAILED are valid outcomes.
type Outcome = PaymentStatus

// ParseOutcome accepts the outcome spellings used by the webhook and queue
// payloads.
func ParseOutcome(s string) (Outcome, bool) {
	switch s {
	case "SUCCEEDED", "succeeded", "success":
		return PaymentSucceeded, true
	case "FAILED", "failed", "failure":
		return PaymentFailed, true
	}
	return "", false
}

// PaymentAttempt is one outstanding request to the gateway for a booking.
type PaymentAttempt struct {
	ID               uint64        `json:"id"`
	BookingID        uint64        `json:"booking_id"`
	Gateway          string        `json:"gateway"`
	GatewayReference string        `json:"gateway_reference"`
	ClientSecret     string        `json:"-"`
	AmountCents      uint32        `json:"amount_cents"`
	Status           PaymentStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// PaymentSession is what a client needs to complete payment.  Repeated
// BeginPayment calls for the same booking return the same session.
type PaymentSession struct {
	BookingID        uint64 `json:"booking_id"`
	Gateway          string `json:"gateway"`
	GatewayReference string `json:"gateway_reference"`
	ClientSecret     string `json:"client_secret,omitempty"`
	AmountCents      uint32 `json:"amount_cents"`
	Currency         string `json:"currency"`
}
