package repository

import (
	"context"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// Store is the contract the booking core needs from the relational store:
// transactions spanning an arbitrary set of rows, with conditional updates
// inside them.  MySQLStore is the production implementation; MemoryStore
// serves tests and local development.
type Store interface {
	// WithTx runs fn inside one transaction.  If fn returns an error every
	// write made through tx is rolled back and the error is returned
	// unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// SeatMap returns every seat of a screening ordered by row and number.
	SeatMap(ctx context.Context, screeningID uint64) ([]model.ScreeningSeat, error)
	// GetBooking loads a booking with its seats.  It returns
	// model.ErrBookingNotFound when the id is unknown.
	GetBooking(ctx context.Context, id uint64) (*model.Booking, error)
	// ListBookingsByUser returns a user's bookings, newest first.
	ListBookingsByUser(ctx context.Context, userID uint64) ([]model.Booking, error)
	// BookingByReference resolves a gateway reference to its booking.
	BookingByReference(ctx context.Context, ref string) (*model.Booking, error)
	// StaleDrafts returns ids of DRAFT bookings whose deadline is at or
	// before now.
	StaleDrafts(ctx context.Context, now time.Time, limit int) ([]uint64, error)
	// StaleAwaiting returns ids of AWAITING_PAYMENT bookings that entered
	// that state at or before cutoff.
	StaleAwaiting(ctx context.Context, cutoff time.Time, limit int) ([]uint64, error)
}

// Tx exposes the row operations available inside a transaction.  Methods
// returning (bool, error) are compare-and-set updates: false means the row
// was not in the expected state and nothing was written.
type Tx interface {
	// LockSeats loads the requested seats of a screening and locks them for
	// the rest of the transaction.  Unknown seats are absent from the map.
	LockSeats(ctx context.Context, screeningID uint64, seatIDs []uint64) (map[uint64]model.ScreeningSeat, error)
	// LockHolder locks the hold session of holder on a screening until the
	// transaction ends, so concurrent holds of one holder run one at a time.
	LockHolder(ctx context.Context, screeningID uint64, holder string, now time.Time) error
	// CountActiveHolds counts seats of the screening held by holder with an
	// expiry after now.
	CountActiveHolds(ctx context.Context, screeningID uint64, holder string, now time.Time) (int, error)
	// ClaimSeat moves AVAILABLE (or HELD with an expired hold) to
	// HELD(holder, expiresAt).
	ClaimSeat(ctx context.Context, key model.SeatKey, holder string, expiresAt, now time.Time) (bool, error)
	// ExtendHold moves HELD(holder, unexpired) to HELD(holder, expiresAt).
	ExtendHold(ctx context.Context, key model.SeatKey, holder string, expiresAt, now time.Time) (bool, error)
	// ReleaseHold moves HELD(holder) to AVAILABLE.
	ReleaseHold(ctx context.Context, key model.SeatKey, holder string) (bool, error)
	// BookSeat moves HELD(holder, unexpired) to BOOKED(bookingID).
	BookSeat(ctx context.Context, key model.SeatKey, holder string, bookingID uint64, now time.Time) (bool, error)
	// FreeBookedSeats moves every seat BOOKED(bookingID) to AVAILABLE and
	// returns how many changed.
	FreeBookedSeats(ctx context.Context, bookingID uint64) (int, error)
	// ExpireHolds moves up to limit HELD seats whose expiry is at or before
	// now to AVAILABLE and returns their keys.
	ExpireHolds(ctx context.Context, now time.Time, limit int) ([]model.SeatKey, error)

	// InsertBooking stores b and its seats, assigning b.ID and timestamps.
	InsertBooking(ctx context.Context, b *model.Booking) error
	// LockBooking loads a booking and locks its row.
	LockBooking(ctx context.Context, id uint64) (*model.Booking, error)
	// MarkAwaitingPayment moves DRAFT to AWAITING_PAYMENT and records the
	// payment reference.
	MarkAwaitingPayment(ctx context.Context, id uint64, ref string, at time.Time) (bool, error)
	// TransitionBooking moves the booking from one status to another.
	TransitionBooking(ctx context.Context, id uint64, from, to model.BookingStatus, at time.Time) (bool, error)

	// InsertPaymentAttempt stores a PENDING attempt, assigning its id.
	InsertPaymentAttempt(ctx context.Context, a *model.PaymentAttempt) error
	// PendingAttempt returns the PENDING attempt of a booking or nil.
	PendingAttempt(ctx context.Context, bookingID uint64) (*model.PaymentAttempt, error)
	// LockAttemptByReference loads an attempt by gateway reference and locks
	// it.  It returns model.ErrPaymentNotFound when unknown.
	LockAttemptByReference(ctx context.Context, ref string) (*model.PaymentAttempt, error)
	// TransitionAttempt moves an attempt from one status to another.
	TransitionAttempt(ctx context.Context, ref string, from, to model.PaymentStatus, at time.Time) (bool, error)
	// HasSucceededAttempt reports whether any attempt of the booking
	// succeeded.
	HasSucceededAttempt(ctx context.Context, bookingID uint64) (bool, error)
}

var (
	_ Store = (*MySQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*mysqlTx)(nil)
	_ Tx    = (*memTx)(nil)
)

// Seeder schedules catalog seats for a screening.  It is used to load demo
// data; regular catalog management happens outside the booking core.
type Seeder interface {
	SeedScreening(ctx context.Context, hallID uint64, seats []model.ScreeningSeat) error
}
