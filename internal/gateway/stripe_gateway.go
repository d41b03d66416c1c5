package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// StripeGateway implements Gateway using Stripe PaymentIntents.
type StripeGateway struct {
	config *StripeGatewayConfig
}

// StripeGatewayConfig holds configuration for Stripe gateway
type StripeGatewayConfig struct {
	SecretKey     string
	WebhookSecret string
}

// NewStripeGateway creates a new Stripe gateway
func NewStripeGateway(config *StripeGatewayConfig) (*StripeGateway, error) {
	if config == nil || config.SecretKey == "" {
		return nil, fmt.Errorf("%w: stripe secret key is required", ErrNotConfigured)
	}

	// Set Stripe API key globally
	stripe.Key = config.SecretKey

	return &StripeGateway{config: config}, nil
}

// Name returns the gateway name
func (g *StripeGateway) Name() string { return "stripe" }

// CreateSession creates a PaymentIntent and returns its id and client_secret.
// The idempotency key makes Stripe return the original intent when the same
// booking is retried.
func (g *StripeGateway) CreateSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	if req == nil {
		return nil, fmt.Errorf("session request is required")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(req.AmountCents)),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: map[string]string{
			"booking_id": strconv.FormatUint(req.BookingID, 10),
			"user_id":    strconv.FormatUint(req.UserID, 10),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return &Session{Reference: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// StripeOutcome is the result of verifying a Stripe webhook.
type StripeOutcome struct {
	EventID   string
	EventType string
	// Reference is the PaymentIntent id the event refers to.
	Reference string
	Outcome   model.Outcome
	// Handled is false for event types that carry no payment outcome.
	Handled bool
}

// ParseStripeWebhook verifies the Stripe-Signature header and maps the event
// to a payment outcome.  payment_intent.succeeded is SUCCEEDED and
// payment_intent.canceled is FAILED.  payment_intent.payment_failed is not
// handled: the customer may still retry on the same intent, and an intent
// that is never paid is expired with its booking after the payment window.
func ParseStripeWebhook(payload []byte, sigHeader, secret string) (*StripeOutcome, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret is required", ErrNotConfigured)
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &StripeOutcome{EventID: event.ID, EventType: string(event.Type)}
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		out.Outcome = model.PaymentSucceeded
	case stripe.EventTypePaymentIntentCanceled:
		out.Outcome = model.PaymentFailed
	default:
		return out, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("%w: parse payment intent: %v", model.ErrInvalidRequest, err)
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("%w: payment intent id missing", model.ErrInvalidRequest)
	}
	out.Reference = pi.ID
	out.Handled = true
	return out, nil
}
