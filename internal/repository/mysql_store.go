package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// queryer is satisfied by both *sql.DB and *sql.Tx so that read helpers can
// run inside or outside a transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MySQLStore implements Store on top of MySQL/InnoDB.  Seat state lives in
// show_seats, one row per (show_id, seat_id); every transition is a
// conditional UPDATE whose affected-row count is checked.  The DSN must set
// clientFoundRows=true (see database.DSN).
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore returns a MySQLStore bound to db.
func NewMySQLStore(db *sql.DB) *MySQLStore { return &MySQLStore{db: db} }

// WithTx begins a transaction, runs fn and commits.  Any error from fn, or a
// panic, rolls the transaction back.
func (s *MySQLStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&mysqlTx{q: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *MySQLStore) SeatMap(ctx context.Context, screeningID uint64) ([]model.ScreeningSeat, error) {
	rows, err := s.db.QueryContext(ctx, selectScreeningSeats+
		` WHERE ss.show_id = ? ORDER BY s.row_label, s.seat_number`, screeningID)
	if err != nil {
		return nil, fmt.Errorf("query seat map: %w", err)
	}
	defer rows.Close()

	out := make([]model.ScreeningSeat, 0)
	for rows.Next() {
		seat, err := scanScreeningSeat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seat)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetBooking(ctx context.Context, id uint64) (*model.Booking, error) {
	return loadBooking(ctx, s.db, id, false)
}

func (s *MySQLStore) ListBookingsByUser(ctx context.Context, userID uint64) ([]model.Booking, error) {
	rows, err := s.db.QueryContext(ctx, selectBookings+` WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	out := make([]model.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range out {
		seats, err := loadBookingSeats(ctx, s.db, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Seats = seats
	}
	return out, nil
}

func (s *MySQLStore) BookingByReference(ctx context.Context, ref string) (*model.Booking, error) {
	var bookingID uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT booking_id FROM payment_attempts WHERE gateway_reference = ?`, ref).Scan(&bookingID)
	if err == sql.ErrNoRows {
		return nil, model.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup payment reference: %w", err)
	}
	return loadBooking(ctx, s.db, bookingID, false)
}

func (s *MySQLStore) StaleDrafts(ctx context.Context, now time.Time, limit int) ([]uint64, error) {
	return s.bookingIDs(ctx,
		`SELECT id FROM bookings WHERE status = 'DRAFT' AND expires_at <= ? ORDER BY id LIMIT ?`, now, limit)
}

func (s *MySQLStore) StaleAwaiting(ctx context.Context, cutoff time.Time, limit int) ([]uint64, error) {
	return s.bookingIDs(ctx,
		`SELECT id FROM bookings WHERE status = 'AWAITING_PAYMENT' AND awaiting_since <= ? ORDER BY id LIMIT ?`, cutoff, limit)
}

func (s *MySQLStore) bookingIDs(ctx context.Context, q string, at time.Time, limit int) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, q, at.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale bookings: %w", err)
	}
	defer rows.Close()
	ids := make([]uint64, 0)
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SeedScreening inserts catalog seats for a hall and schedules them for a
// screening.  Existing rows are left untouched, so seeding is repeatable.
func (s *MySQLStore) SeedScreening(ctx context.Context, hallID uint64, seats []model.ScreeningSeat) error {
	if len(seats) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx Tx) error {
		q := tx.(*mysqlTx).q
		seatQuery := `INSERT IGNORE INTO seats (id, hall_id, row_label, seat_number, seat_type) VALUES `
		showQuery := `INSERT IGNORE INTO show_seats (show_id, seat_id, status, price_cents) VALUES `
		seatArgs := make([]any, 0, len(seats)*5)
		showArgs := make([]any, 0, len(seats)*4)
		for i, ss := range seats {
			if i > 0 {
				seatQuery += ","
				showQuery += ","
			}
			seatQuery += "(?, ?, ?, ?, ?)"
			showQuery += "(?, ?, ?, ?)"
			category := ss.Category
			if category == "" {
				category = model.SeatCategoryStandard
			}
			seatArgs = append(seatArgs, ss.SeatID, hallID, ss.RowLabel, ss.SeatNumber, string(category))
			showArgs = append(showArgs, ss.ScreeningID, ss.SeatID, string(model.SeatAvailable), ss.PriceCents)
		}
		if _, err := q.ExecContext(ctx, seatQuery, seatArgs...); err != nil {
			return fmt.Errorf("seed seats: %w", err)
		}
		if _, err := q.ExecContext(ctx, showQuery, showArgs...); err != nil {
			return fmt.Errorf("seed show seats: %w", err)
		}
		return nil
	})
}

// mysqlTx implements Tx.  Its methods are spread over the *_repository.go
// files by table.
type mysqlTx struct {
	q queryer
}

// affected reports whether a conditional UPDATE matched exactly one row.
func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
