// Package gateway contains the payment provider integrations used to open
// payment sessions, plus verification of provider webhooks.
package gateway

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by constructors when required credentials are
// missing.
var ErrNotConfigured = errors.New("payment gateway not configured")

// SessionRequest describes the payment a session is opened for.
type SessionRequest struct {
	BookingID   uint64
	UserID      uint64
	AmountCents uint32
	Currency    string
	Description string
	// IdempotencyKey makes retries of the same request return the same
	// session at the provider.
	IdempotencyKey string
	Metadata       map[string]string
}

// Session is the provider's handle for an open payment.
type Session struct {
	// Reference is the provider-side identifier (e.g. a PaymentIntent id).
	// Outcomes are reported against it.
	Reference    string
	ClientSecret string
}

// Gateway opens payment sessions at a provider.  Errors are transport or
// provider failures; callers treat them as "gateway unavailable".
type Gateway interface {
	Name() string
	CreateSession(ctx context.Context, req *SessionRequest) (*Session, error)
}
