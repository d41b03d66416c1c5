package model

import (
	"errors"
	"fmt"
)

// Domain errors returned by the booking core.  Handlers translate them to
// HTTP responses; none of them are retried inside the core.
var (
	ErrSeatUnavailable        = errors.New("seat unavailable")
	ErrSeatNotFound           = errors.New("seat not found")
	ErrHoldExpired            = errors.New("hold expired")
	ErrHoldNotOwned           = errors.New("hold not owned")
	ErrHoldLimitExceeded      = errors.New("hold limit exceeded")
	ErrGatewayUnavailable     = errors.New("payment gateway unavailable")
	ErrBookingNotFound        = errors.New("booking not found")
	ErrPaymentNotFound        = errors.New("payment attempt not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidRequest         = errors.New("invalid request")
)

// SeatConflictError reports which seats caused a hold or promotion to fail.
// It unwraps to one of the sentinel errors above.
type SeatConflictError struct {
	Err     error
	SeatIDs []uint64
}

func (e *SeatConflictError) Error() string {
	return fmt.Sprintf("%v: seats %v", e.Err, e.SeatIDs)
}

func (e *SeatConflictError) Unwrap() error { return e.Err }

// NewSeatConflict builds a SeatConflictError.
func NewSeatConflict(err error, seatIDs ...uint64) *SeatConflictError {
	return &SeatConflictError{Err: err, SeatIDs: seatIDs}
}
