package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// selectScreeningSeats joins a show_seats row with the catalog attributes of
// its seat.  Callers append the WHERE clause.
const selectScreeningSeats = `SELECT ss.show_id, ss.seat_id, s.row_label, s.seat_number, s.seat_type,
       ss.price_cents, ss.status, ss.holder_token, ss.hold_expires_at, ss.booking_id
FROM show_seats ss
JOIN seats s ON s.id = ss.seat_id`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanScreeningSeat reads one row produced by selectScreeningSeats.
func scanScreeningSeat(r rowScanner) (model.ScreeningSeat, error) {
	var (
		seat      model.ScreeningSeat
		category  string
		status    string
		holder    sql.NullString
		expiresAt sql.NullTime
		bookingID sql.NullInt64
	)
	if err := r.Scan(&seat.ScreeningID, &seat.SeatID, &seat.RowLabel, &seat.SeatNumber, &category,
		&seat.PriceCents, &status, &holder, &expiresAt, &bookingID); err != nil {
		return seat, fmt.Errorf("scan show seat: %w", err)
	}
	seat.Category = model.SeatCategory(category)
	seat.Status = model.SeatStatus(status)
	seat.HolderToken = holder.String
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		seat.HoldExpiresAt = &t
	}
	if bookingID.Valid {
		id := uint64(bookingID.Int64)
		seat.BookingID = &id
	}
	return seat, nil
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// LockSeats selects the requested seats FOR UPDATE.  Rows are locked in
// seat_id order so that two transactions over overlapping seat sets cannot
// deadlock.
func (t *mysqlTx) LockSeats(ctx context.Context, screeningID uint64, seatIDs []uint64) (map[uint64]model.ScreeningSeat, error) {
	out := make(map[uint64]model.ScreeningSeat, len(seatIDs))
	if len(seatIDs) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(seatIDs)+1)
	args = append(args, screeningID)
	for _, id := range seatIDs {
		args = append(args, id)
	}
	q := selectScreeningSeats + ` WHERE ss.show_id = ? AND ss.seat_id IN (` + placeholders(len(seatIDs)) + `)
ORDER BY ss.seat_id FOR UPDATE`
	rows, err := t.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("lock seats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		seat, err := scanScreeningSeat(rows)
		if err != nil {
			return nil, err
		}
		out[seat.SeatID] = seat
	}
	return out, rows.Err()
}

// BookSeat flips a live hold owned by holder to BOOKED.
func (t *mysqlTx) BookSeat(ctx context.Context, key model.SeatKey, holder string, bookingID uint64, now time.Time) (bool, error) {
	const q = `UPDATE show_seats
SET status = 'BOOKED', booking_id = ?, holder_token = NULL, hold_expires_at = NULL
WHERE show_id = ? AND seat_id = ? AND status = 'HELD' AND holder_token = ? AND hold_expires_at > ?`
	ok, err := affected(t.q.ExecContext(ctx, q, bookingID, key.ScreeningID, key.SeatID, holder, now.UTC()))
	if err != nil {
		return false, fmt.Errorf("book seat %s: %w", key, err)
	}
	return ok, nil
}

// FreeBookedSeats returns every seat of a booking to AVAILABLE.
func (t *mysqlTx) FreeBookedSeats(ctx context.Context, bookingID uint64) (int, error) {
	const q = `UPDATE show_seats
SET status = 'AVAILABLE', booking_id = NULL
WHERE status = 'BOOKED' AND booking_id = ?`
	res, err := t.q.ExecContext(ctx, q, bookingID)
	if err != nil {
		return 0, fmt.Errorf("free booked seats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
