package router

import "github.com/labstack/echo/v4"

// RegisterPayments registers the gateway-facing routes.  They carry no JWT:
// webhooks are authenticated by their signatures and the return page only
// reports booking state for a gateway reference.
func RegisterPayments(e *echo.Echo, d Deps) {
	e.POST("/v1/payments/webhook", d.Payments.Webhook)
	e.POST("/v1/payments/stripe/webhook", d.Payments.StripeWebhook)
	e.GET("/v1/payments/return", d.Payments.Return)
}
