package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"                  // import the Echo web framework to handle routing
	echomw "github.com/labstack/echo/v4/middleware" // echo's stock middleware (panic recovery)
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/handler"    // handlers that implement each endpoint
	"github.com/iliyamo/cinema-seat-booking/internal/middleware" // JWT, role, rate limit, cache and logging middleware
)

// Deps bundles what the routes need.  RateLimit and SeatMapCache may be nil,
// in which case the routes are registered without them.
type Deps struct {
	Health       echo.HandlerFunc
	Holds        *handler.HoldHandler
	Bookings     *handler.BookingHandler
	Payments     *handler.PaymentHandler
	JWTSecret    string
	RateLimit    echo.MiddlewareFunc
	SeatMapCache echo.MiddlewareFunc
}

// New returns an Echo instance with the middleware every route shares:
// panic recovery, request logging and struct validation.
func New(log *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewValidator()
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))
	return e
}

// RegisterRoutes registers every route of the API on e.
func RegisterRoutes(e *echo.Echo, d Deps) {
	RegisterPublic(e, d)
	RegisterCustomer(e, d)
	RegisterPayments(e, d)
}

// RegisterPublic registers routes that do not require authentication: the
// health check and the seat map of a screening.  The seat map is served
// through the response cache when one is configured.
func RegisterPublic(e *echo.Echo, d Deps) {
	// Map the GET request at path "/healthz" to the Health handler.  This
	// endpoint can be used by load balancers or monitoring systems to verify
	// that the service is up and running.
	e.GET("/healthz", d.Health)
	e.GET("/v1/screenings/:id/seats", d.Holds.SeatMap, optional(d.SeatMapCache)...)
}

// optional turns a possibly nil middleware into a slice for route options.
func optional(mw ...echo.MiddlewareFunc) []echo.MiddlewareFunc {
	out := make([]echo.MiddlewareFunc, 0, len(mw))
	for _, m := range mw {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}
