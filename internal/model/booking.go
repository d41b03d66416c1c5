package model

import "time"

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingDraft           BookingStatus = "DRAFT"
	BookingAwaitingPayment BookingStatus = "AWAITING_PAYMENT"
	BookingConfirmed       BookingStatus = "CONFIRMED"
	BookingFailed          BookingStatus = "FAILED"
	BookingExpired         BookingStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is possible.
func (s BookingStatus) IsTerminal() bool {
	switch s {
	case BookingConfirmed, BookingFailed, BookingExpired:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s BookingStatus) IsValid() bool {
	switch s {
	case BookingDraft, BookingAwaitingPayment, BookingConfirmed, BookingFailed, BookingExpired:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the booking state
// machine.
func CanTransition(from, to BookingStatus) bool {
	switch from {
	case BookingDraft:
		return to == BookingAwaitingPayment || to == BookingExpired
	case BookingAwaitingPayment:
		return to == BookingConfirmed || to == BookingFailed || to == BookingExpired
	}
	return false
}

// Booking records a user's commitment to buy a set of seats for one
// screening.  Rows are never deleted; abandoned bookings end in EXPIRED or
// FAILED.
//
// Fields:
//  ID               – bookings.id
//  UserID           – bookings.user_id
//  ScreeningID      – bookings.show_id
//  HolderToken      – the hold session the seats were promoted from
//  Status           – bookings.status
//  TotalAmountCents – sum of seat prices, computed once at creation
//  PaymentRef       – gateway reference of the current payment attempt
//  ExpiresAt        – deadline for starting payment while DRAFT
//  AwaitingSince    – when the booking entered AWAITING_PAYMENT
//  FinalizedAt      – when a terminal state was reached
//  Seats            – booking_seats rows
type Booking struct {
	ID               uint64        `json:"id"`
	UserID           uint64        `json:"user_id"`
	ScreeningID      uint64        `json:"screening_id"`
	HolderToken      string        `json:"-"`
	Status           BookingStatus `json:"status"`
	TotalAmountCents uint32        `json:"total_amount_cents"`
	PaymentRef       *string       `json:"payment_ref,omitempty"`
	ExpiresAt        time.Time     `json:"expires_at"`
	AwaitingSince    *time.Time    `json:"awaiting_since,omitempty"`
	FinalizedAt      *time.Time    `json:"finalized_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	Seats            []BookingSeat `json:"seats"`
}

// BookingSeat is one seat purchased under a booking, with the price that was
// charged for it.
type BookingSeat struct {
	BookingID  uint64 `json:"-"`
	SeatID     uint64 `json:"seat_id"`
	RowLabel   string `json:"row_label"`
	SeatNumber uint32 `json:"seat_number"`
	PriceCents uint32 `json:"price_cents"`
}

// SeatKeys returns the inventory keys of the booked seats.
func (b *Booking) SeatKeys() []SeatKey {
	keys := make([]SeatKey, 0, len(b.Seats))
	for _, s := range b.Seats {
		keys = append(keys, SeatKey{ScreeningID: b.ScreeningID, SeatID: s.SeatID})
	}
	return keys
}

// DraftExpired reports whether a DRAFT booking has passed its deadline.
func (b *Booking) DraftExpired(now time.Time) bool {
	return b.Status == BookingDraft && !b.ExpiresAt.After(now)
}
