package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-booking/internal/middleware"
)

// RegisterCustomer registers customer-scoped endpoints under /v1.  All routes
// require a valid JWT and the CUSTOMER role.  Customers can place, renew
// and release holds, turn held seats into a booking, start its payment and
// view their own bookings.  The hold routes are rate limited per caller.
func RegisterCustomer(e *echo.Echo, d Deps) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(d.JWTSecret),
		middleware.RequireRole(middleware.RoleCustomer),
	)

	limited := optional(d.RateLimit)
	g.POST("/screenings/:id/holds", d.Holds.Hold, limited...)
	g.PUT("/screenings/:id/holds", d.Holds.Renew, limited...)
	g.DELETE("/screenings/:id/holds", d.Holds.Release, limited...)

	g.POST("/bookings", d.Bookings.Create)
	g.GET("/bookings/:id", d.Bookings.Get)
	g.POST("/bookings/:id/payment", d.Bookings.BeginPayment)
	g.GET("/my-bookings", d.Bookings.List)
}
