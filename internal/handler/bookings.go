package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/middleware"
	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/service"
)

// BookingHandler exposes booking creation, payment start and the customer's
// booking views.  Every route requires an authenticated customer; bookings
// of other users are reported as not found.
type BookingHandler struct {
	bookings *service.BookingOrchestrator
	cache    SeatMapInvalidator
	log      *zap.Logger
}

// NewBookingHandler builds a BookingHandler.  cache may be nil.
func NewBookingHandler(bookings *service.BookingOrchestrator, cache SeatMapInvalidator, log *zap.Logger) *BookingHandler {
	if bookings == nil {
		panic("nil booking orchestrator passed to NewBookingHandler")
	}
	return &BookingHandler{bookings: bookings, cache: cache, log: log.Named("bookings")}
}

type createBookingRequest struct {
	ScreeningID uint64   `json:"screening_id" validate:"required,gt=0"`
	SeatIDs     []uint64 `json:"seat_ids" validate:"required,min=1,max=50,dive,gt=0"`
}

// bookingView is the client representation of a booking.  Message carries
// the user-facing explanation of terminal states.
type bookingView struct {
	*model.Booking
	Message string `json:"message,omitempty"`
}

func viewOf(b *model.Booking) bookingView {
	v := bookingView{Booking: b}
	switch b.Status {
	case model.BookingFailed:
		v.Message = msgPaymentFailed
	case model.BookingExpired:
		v.Message = msgTimedOut
	}
	return v
}

// Create handles POST /v1/bookings.  The seats must be held under the
// X-Holder-Token of the request; they become BOOKED and a DRAFT booking is
// returned.
func (h *BookingHandler) Create(c echo.Context) error {
	userID, err := currentUser(c)
	if userID == 0 {
		return err
	}
	holder := c.Request().Header.Get(middleware.HolderHeader)
	if holder == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": middleware.HolderHeader + " header is required"})
	}
	var req createBookingRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}

	ctx := c.Request().Context()
	b, err := h.bookings.CreateBooking(ctx, userID, req.ScreeningID, req.SeatIDs, holder)
	if err != nil {
		return writeError(c, h.log, err)
	}
	invalidateSeatMap(ctx, h.cache, b.ScreeningID)
	return c.JSON(http.StatusCreated, viewOf(b))
}

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	b, done, err := h.ownedBooking(c)
	if done {
		return err
	}
	return c.JSON(http.StatusOK, viewOf(b))
}

// List handles GET /v1/my-bookings, newest first.
func (h *BookingHandler) List(c echo.Context) error {
	userID, err := currentUser(c)
	if userID == 0 {
		return err
	}
	list, err := h.bookings.ListBookings(c.Request().Context(), userID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	items := make([]bookingView, 0, len(list))
	for i := range list {
		items = append(items, viewOf(&list[i]))
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// BeginPayment handles POST /v1/bookings/:id/payment.  Calling it again
// while the payment is pending returns the same session.
func (h *BookingHandler) BeginPayment(c echo.Context) error {
	b, done, err := h.ownedBooking(c)
	if done {
		return err
	}
	session, err := h.bookings.BeginPayment(c.Request().Context(), b.ID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, session)
}

// ownedBooking loads the :id booking and checks it belongs to the caller.
// When done is true the response has been written.
func (h *BookingHandler) ownedBooking(c echo.Context) (*model.Booking, bool, error) {
	userID, err := currentUser(c)
	if userID == 0 {
		return nil, true, err
	}
	id, ok := parseID(c, "id")
	if !ok {
		return nil, true, c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid booking id"})
	}
	b, err := h.bookings.GetBooking(c.Request().Context(), id)
	if err != nil {
		return nil, true, writeError(c, h.log, err)
	}
	if b.UserID != userID {
		return nil, true, writeError(c, h.log, model.ErrBookingNotFound)
	}
	return b, false, nil
}
