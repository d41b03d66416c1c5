package handler // handler defines http handlers

import (
	"errors"   // errors.Is / errors.As for domain error mapping
	"net/http" // HTTP status codes
	"strconv"  // strconv converts path parameters to numbers

	"github.com/labstack/echo/v4" // echo defines request context types
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/middleware"
	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
)

// Messages shown to end users for the outcomes they can act on.
const (
	msgReselect      = "seat no longer available, please reselect"
	msgTimedOut      = "reservation timed out"
	msgPaymentFailed = "payment failed, seats released"
)

// parseID reads a positive numeric path parameter.
func parseID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

// currentUser returns the authenticated user id or writes a 401.
func currentUser(c echo.Context) (uint64, error) {
	id, ok := middleware.UserID(c)
	if !ok {
		return 0, c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	return id, nil
}

// bindAndValidate binds the request body into dst and runs its validate
// tags.  On failure the 400 response has already been written and the
// returned error is the write result.
func bindAndValidate(c echo.Context, dst interface{}) (bool, error) {
	if err := c.Bind(dst); err != nil {
		return false, c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := c.Validate(dst); err != nil {
		var ve middleware.ValidationErrors
		if errors.As(err, &ve) {
			return false, c.JSON(http.StatusBadRequest, echo.Map{"error": ve.Error(), "fields": ve})
		}
		return false, c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return true, nil
}

// writeError translates a domain error into a JSON response.  Unknown
// errors are logged once here and reported as 500 without details.
func writeError(c echo.Context, log *zap.Logger, err error) error {
	body := echo.Map{}
	var conflict *model.SeatConflictError
	if errors.As(err, &conflict) && len(conflict.SeatIDs) > 0 {
		body["seat_ids"] = conflict.SeatIDs
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrSeatUnavailable), errors.Is(err, model.ErrHoldNotOwned):
		status, body["error"] = http.StatusConflict, msgReselect
	case errors.Is(err, model.ErrHoldExpired):
		status, body["error"] = http.StatusGone, msgTimedOut
	case errors.Is(err, model.ErrHoldLimitExceeded):
		status, body["error"] = http.StatusUnprocessableEntity, "hold limit exceeded for this screening"
	case errors.Is(err, model.ErrSeatNotFound):
		status, body["error"] = http.StatusNotFound, "seat not found"
	case errors.Is(err, model.ErrBookingNotFound):
		status, body["error"] = http.StatusNotFound, "booking not found"
	case errors.Is(err, model.ErrPaymentNotFound):
		status, body["error"] = http.StatusNotFound, "payment not found"
	case errors.Is(err, model.ErrInvalidStateTransition):
		status, body["error"] = http.StatusConflict, "booking cannot change to the requested state"
	case errors.Is(err, repository.ErrDuplicateReference):
		status, body["error"] = http.StatusConflict, "payment already in progress"
	case errors.Is(err, model.ErrGatewayUnavailable):
		c.Response().Header().Set("Retry-After", "5")
		status, body["error"] = http.StatusServiceUnavailable, "payment provider unavailable, please retry"
	case errors.Is(err, model.ErrInvalidRequest):
		status, body["error"] = http.StatusBadRequest, err.Error()
	default:
		log.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Error(err))
		body["error"] = "internal error"
	}
	return c.JSON(status, body)
}
