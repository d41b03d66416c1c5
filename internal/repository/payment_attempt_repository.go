package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// payment_attempts.pending_booking_id mirrors booking_id while the attempt is
// PENDING and is NULL otherwise.  Its unique index is what keeps a booking
// from having two PENDING attempts.

const selectAttempts = `SELECT id, booking_id, gateway, gateway_reference, client_secret, amount_cents, status,
       created_at, updated_at
FROM payment_attempts`

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

func scanAttempt(r rowScanner) (*model.PaymentAttempt, error) {
	var (
		a      model.PaymentAttempt
		secret sql.NullString
		status string
	)
	if err := r.Scan(&a.ID, &a.BookingID, &a.Gateway, &a.GatewayReference, &secret, &a.AmountCents, &status,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ClientSecret = secret.String
	a.Status = model.PaymentStatus(status)
	return &a, nil
}

func (t *mysqlTx) InsertPaymentAttempt(ctx context.Context, a *model.PaymentAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
	a.Status = model.PaymentPending
	const q = `INSERT INTO payment_attempts
(booking_id, gateway, gateway_reference, client_secret, amount_cents, status, pending_booking_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 'PENDING', ?, ?, ?)`
	var secret any
	if a.ClientSecret != "" {
		secret = a.ClientSecret
	}
	res, err := t.q.ExecContext(ctx, q, a.BookingID, a.Gateway, a.GatewayReference, secret, a.AmountCents,
		a.BookingID, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert payment attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = uint64(id)
	return nil
}

func (t *mysqlTx) PendingAttempt(ctx context.Context, bookingID uint64) (*model.PaymentAttempt, error) {
	a, err := scanAttempt(t.q.QueryRowContext(ctx,
		selectAttempts+` WHERE booking_id = ? AND status = 'PENDING' LIMIT 1`, bookingID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending attempt: %w", err)
	}
	return a, nil
}

func (t *mysqlTx) LockAttemptByReference(ctx context.Context, ref string) (*model.PaymentAttempt, error) {
	a, err := scanAttempt(t.q.QueryRowContext(ctx,
		selectAttempts+` WHERE gateway_reference = ? FOR UPDATE`, ref))
	if err == sql.ErrNoRows {
		return nil, model.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock payment attempt: %w", err)
	}
	return a, nil
}

func (t *mysqlTx) TransitionAttempt(ctx context.Context, ref string, from, to model.PaymentStatus, at time.Time) (bool, error) {
	const q = `UPDATE payment_attempts
SET status = ?, pending_booking_id = NULL, updated_at = ?
WHERE gateway_reference = ? AND status = ?`
	ok, err := affected(t.q.ExecContext(ctx, q, string(to), at.UTC(), ref, string(from)))
	if err != nil {
		return false, fmt.Errorf("transition payment attempt: %w", err)
	}
	return ok, nil
}

func (t *mysqlTx) HasSucceededAttempt(ctx context.Context, bookingID uint64) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM payment_attempts WHERE booking_id = ? AND status = 'SUCCEEDED')`
	var ok bool
	if err := t.q.QueryRowContext(ctx, q, bookingID).Scan(&ok); err != nil {
		return false, fmt.Errorf("check succeeded attempts: %w", err)
	}
	return ok, nil
}
