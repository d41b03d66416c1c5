package model

import (
	"fmt"
	"time"
)

// SeatCategory classifies a seat for pricing purposes.  The catalog decides
// the price; the booking core only carries the category along.
type SeatCategory string

const (
	SeatCategoryStandard SeatCategory = "STANDARD"
	SeatCategoryPremium  SeatCategory = "PREMIUM"
)

// SeatStatus is the per-screening state of a seat.  Every (screening, seat)
// pair is in exactly one of these states at any instant.
type SeatStatus string

const (
	SeatAvailable SeatStatus = "AVAILABLE"
	SeatHeld      SeatStatus = "HELD"
	SeatBooked    SeatStatus = "BOOKED"
)

// SeatKey identifies a seat within a screening.  It doubles as the identity
// of a hold, since a seat can carry at most one hold at a time.
type SeatKey struct {
	ScreeningID uint64 `json:"screening_id"`
	SeatID      uint64 `json:"seat_id"`
}

// String renders the key as "<screening>:<seat>".
func (k SeatKey) String() string { return fmt.Sprintf("%d:%d", k.ScreeningID, k.SeatID) }

// ScreeningSeat mirrors one show_seats row joined with its seats row: the
// catalog attributes of the seat plus its current inventory state.
//
// Fields:
//  ScreeningID   – show_seats.show_id
//  SeatID        – show_seats.seat_id
//  RowLabel      – seats.row_label (e.g. A, B, AA)
//  SeatNumber    – seats.seat_number, 1-based within the row
//  Category      – seats.seat_type
//  PriceCents    – show_seats.price_cents
//  Status        – show_seats.status
//  HolderToken   – set while HELD
//  HoldExpiresAt – set while HELD
//  BookingID     – set while BOOKED
type ScreeningSeat struct {
	ScreeningID   uint64       `json:"screening_id"`
	SeatID        uint64       `json:"seat_id"`
	RowLabel      string       `json:"row_label"`
	SeatNumber    uint32       `json:"seat_number"`
	Category      SeatCategory `json:"category"`
	PriceCents    uint32       `json:"price_cents"`
	Status        SeatStatus   `json:"status"`
	HolderToken   string       `json:"-"`
	HoldExpiresAt *time.Time   `json:"-"`
	BookingID     *uint64      `json:"-"`
}

// Key returns the seat's identity.
func (s ScreeningSeat) Key() SeatKey { return SeatKey{ScreeningID: s.ScreeningID, SeatID: s.SeatID} }

// EffectiveStatus reports the status as observed at now.  A hold whose
// expiry has passed is treated as AVAILABLE even if the sweeper has not
// reclaimed it yet.
func (s ScreeningSeat) EffectiveStatus(now time.Time) SeatStatus {
	if s.Status == SeatHeld && s.HoldExpiresAt != nil && !s.HoldExpiresAt.After(now) {
		return SeatAvailable
	}
	return s.Status
}

// HeldBy reports whether the seat carries a live hold owned by token.
func (s ScreeningSeat) HeldBy(token string, now time.Time) bool {
	return s.EffectiveStatus(now) == SeatHeld && s.HolderToken == token
}
