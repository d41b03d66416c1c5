package model

import "time"

// Hold is a holder's time-boxed claim on a single seat.  Holds are created
// by the reservation manager and end on release, expiry or promotion into a
// booking.
type Hold struct {
	ScreeningID uint64    `json:"screening_id"`
	SeatID      uint64    `json:"seat_id"`
	HolderToken string    `json:"holder_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ID returns the identity of the hold.
func (h Hold) ID() SeatKey { return SeatKey{ScreeningID: h.ScreeningID, SeatID: h.SeatID} }

// Expired reports whether the hold is no longer usable at now.
func (h Hold) Expired(now time.Time) bool { return !h.ExpiresAt.After(now) }
