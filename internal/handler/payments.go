package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/gateway"
	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
	"github.com/iliyamo/cinema-seat-booking/internal/service"
)

// maxWebhookBody bounds the payload read from payment webhooks.
const maxWebhookBody = 64 << 10

// SignatureHeader carries the HMAC of the generic payment webhook body.
const SignatureHeader = "X-Signature"

// PaymentHandler receives payment outcomes from the gateway and serves the
// payment return page.  Outcome delivery is at-least-once; repeated
// deliveries are acknowledged without effect.
type PaymentHandler struct {
	payments            *service.PaymentAdapter
	webhookSecret       string
	stripeWebhookSecret string
	log                 *zap.Logger
}

// NewPaymentHandler builds a PaymentHandler.  An empty secret disables the
// matching webhook.
func NewPaymentHandler(payments *service.PaymentAdapter, webhookSecret, stripeWebhookSecret string, log *zap.Logger) *PaymentHandler {
	if payments == nil {
		panic("nil payment adapter passed to NewPaymentHandler")
	}
	return &PaymentHandler{
		payments:            payments,
		webhookSecret:       webhookSecret,
		stripeWebhookSecret: stripeWebhookSecret,
		log:                 log.Named("payments"),
	}
}

// Webhook handles POST /v1/payments/webhook.  The body is the same JSON
// document carried on the payment.outcome queue, signed with HMAC-SHA256 in
// the X-Signature header.
func (h *PaymentHandler) Webhook(c echo.Context) error {
	if h.webhookSecret == "" {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "webhook not configured"})
	}
	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := gateway.VerifySignature(h.webhookSecret, body, c.Request().Header.Get(SignatureHeader)); err != nil {
		h.log.Warn("rejected webhook", zap.String("ip", c.RealIP()), zap.Error(err))
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid signature"})
	}
	ref, outcome, err := queue.DecodePaymentOutcome(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return h.apply(c, ref, outcome)
}

// StripeWebhook handles POST /v1/payments/stripe/webhook.  Event types that
// do not settle a payment intent are acknowledged and ignored.
func (h *PaymentHandler) StripeWebhook(c echo.Context) error {
	if h.stripeWebhookSecret == "" {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "webhook not configured"})
	}
	body, err := readBody(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	out, err := gateway.ParseStripeWebhook(body, c.Request().Header.Get("Stripe-Signature"), h.stripeWebhookSecret)
	if err != nil {
		h.log.Warn("rejected stripe webhook", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid stripe event"})
	}
	if !out.Handled {
		h.log.Debug("stripe event ignored", zap.String("event_id", out.EventID), zap.String("type", out.EventType))
		return c.JSON(http.StatusOK, echo.Map{"status": "ignored"})
	}
	return h.apply(c, out.Reference, out.Outcome)
}

func (h *PaymentHandler) apply(c echo.Context, ref string, outcome model.Outcome) error {
	err := h.payments.OnOutcome(c.Request().Context(), ref, outcome)
	if errors.Is(err, model.ErrPaymentNotFound) {
		// not ours; a non-2xx answer would only make the gateway retry
		h.log.Warn("outcome for unknown payment", zap.String("gateway_reference", ref))
		return c.JSON(http.StatusOK, echo.Map{"status": "unknown_reference"})
	}
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "processed"})
}

// Return handles GET /v1/payments/return?reference=..., the page the
// customer lands on after the gateway's checkout.  It only reports state.
func (h *PaymentHandler) Return(c echo.Context) error {
	ref := c.QueryParam("reference")
	if ref == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "reference is required"})
	}
	b, err := h.payments.Lookup(c.Request().Context(), ref)
	if err != nil {
		return writeError(c, h.log, err)
	}
	resp := echo.Map{
		"booking_id": b.ID,
		"status":     b.Status,
	}
	switch b.Status {
	case model.BookingConfirmed:
		resp["message"] = "booking confirmed"
	case model.BookingAwaitingPayment:
		resp["message"] = "payment is being processed"
	case model.BookingFailed:
		resp["message"] = msgPaymentFailed
	case model.BookingExpired:
		resp["message"] = msgTimedOut
	}
	return c.JSON(http.StatusOK, resp)
}

func readBody(c echo.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
}
