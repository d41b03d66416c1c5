package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// Bookings and their seats.  A booking row is never deleted; the status
// column records how it ended.  All timestamps are stored in UTC.

const selectBookings = `SELECT id, user_id, show_id, holder_token, status, total_amount_cents, payment_ref,
       expires_at, awaiting_since, finalized_at, created_at, updated_at
FROM bookings`

func scanBooking(r rowScanner) (*model.Booking, error) {
	var (
		b             model.Booking
		status        string
		paymentRef    sql.NullString
		awaitingSince sql.NullTime
		finalizedAt   sql.NullTime
	)
	err := r.Scan(&b.ID, &b.UserID, &b.ScreeningID, &b.HolderToken, &status, &b.TotalAmountCents, &paymentRef,
		&b.ExpiresAt, &awaitingSince, &finalizedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = model.BookingStatus(status)
	if paymentRef.Valid {
		pr := paymentRef.String
		b.PaymentRef = &pr
	}
	if awaitingSince.Valid {
		t := awaitingSince.Time.UTC()
		b.AwaitingSince = &t
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time.UTC()
		b.FinalizedAt = &t
	}
	b.ExpiresAt = b.ExpiresAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

// loadBooking reads a booking and its seats, optionally locking the booking
// row.
func loadBooking(ctx context.Context, q queryer, id uint64, lock bool) (*model.Booking, error) {
	query := selectBookings + ` WHERE id = ?`
	if lock {
		query += ` FOR UPDATE`
	}
	b, err := scanBooking(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load booking %d: %w", id, err)
	}
	seats, err := loadBookingSeats(ctx, q, id)
	if err != nil {
		return nil, err
	}
	b.Seats = seats
	return b, nil
}

func loadBookingSeats(ctx context.Context, q queryer, bookingID uint64) ([]model.BookingSeat, error) {
	const sel = `SELECT booking_id, seat_id, row_label, seat_number, price_cents
FROM booking_seats WHERE booking_id = ? ORDER BY seat_id`
	rows, err := q.QueryContext(ctx, sel, bookingID)
	if err != nil {
		return nil, fmt.Errorf("load booking seats: %w", err)
	}
	defer rows.Close()
	seats := make([]model.BookingSeat, 0)
	for rows.Next() {
		var s model.BookingSeat
		if err := rows.Scan(&s.BookingID, &s.SeatID, &s.RowLabel, &s.SeatNumber, &s.PriceCents); err != nil {
			return nil, err
		}
		seats = append(seats, s)
	}
	return seats, rows.Err()
}

// InsertBooking inserts the booking row followed by its seats in a single
// multi-row statement.
func (t *mysqlTx) InsertBooking(ctx context.Context, b *model.Booking) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.UpdatedAt = b.CreatedAt
	const q = `INSERT INTO bookings (user_id, show_id, holder_token, status, total_amount_cents, expires_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := t.q.ExecContext(ctx, q, b.UserID, b.ScreeningID, b.HolderToken, string(b.Status), b.TotalAmountCents,
		b.ExpiresAt.UTC(), b.CreatedAt.UTC(), b.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)

	if len(b.Seats) == 0 {
		return nil
	}
	query := `INSERT INTO booking_seats (booking_id, seat_id, row_label, seat_number, price_cents) VALUES `
	args := make([]any, 0, len(b.Seats)*5)
	for i := range b.Seats {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?)"
		b.Seats[i].BookingID = b.ID
		s := b.Seats[i]
		args = append(args, b.ID, s.SeatID, s.RowLabel, s.SeatNumber, s.PriceCents)
	}
	if _, err := t.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert booking seats: %w", err)
	}
	return nil
}

func (t *mysqlTx) LockBooking(ctx context.Context, id uint64) (*model.Booking, error) {
	return loadBooking(ctx, t.q, id, true)
}

func (t *mysqlTx) MarkAwaitingPayment(ctx context.Context, id uint64, ref string, at time.Time) (bool, error) {
	const q = `UPDATE bookings
SET status = 'AWAITING_PAYMENT', payment_ref = ?, awaiting_since = ?, updated_at = ?
WHERE id = ? AND status = 'DRAFT'`
	ok, err := affected(t.q.ExecContext(ctx, q, ref, at.UTC(), at.UTC(), id))
	if err != nil {
		return false, fmt.Errorf("mark booking %d awaiting payment: %w", id, err)
	}
	return ok, nil
}

func (t *mysqlTx) TransitionBooking(ctx context.Context, id uint64, from, to model.BookingStatus, at time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if to.IsTerminal() {
		const q = `UPDATE bookings SET status = ?, updated_at = ?, finalized_at = ? WHERE id = ? AND status = ?`
		res, err = t.q.ExecContext(ctx, q, string(to), at.UTC(), at.UTC(), id, string(from))
	} else {
		const q = `UPDATE bookings SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
		res, err = t.q.ExecContext(ctx, q, string(to), at.UTC(), id, string(from))
	}
	ok, err := affected(res, err)
	if err != nil {
		return false, fmt.Errorf("transition booking %d %s->%s: %w", id, from, to, err)
	}
	return ok, nil
}
