package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// Holds are not a table of their own: a hold is the (holder_token,
// hold_expires_at) pair carried by a show_seats row in status HELD.  All
// expiry comparisons use the caller's clock, passed in as now, rather than
// UTC_TIMESTAMP(), so the database and the process agree on what "expired"
// means.

// holdSessionRetention is how long an idle hold_sessions row is kept.  It
// only needs to outlive the transactions that lock it.
const holdSessionRetention = 24 * time.Hour

// LockHolder upserts the (show_id, holder_token) session row.  The upsert
// takes an exclusive record lock, so a second Hold of the same holder waits
// here until the first commits and then counts its seats.
func (t *mysqlTx) LockHolder(ctx context.Context, screeningID uint64, holder string, now time.Time) error {
	const q = `INSERT INTO hold_sessions (show_id, holder_token, touched_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE touched_at = VALUES(touched_at)`
	if _, err := t.q.ExecContext(ctx, q, screeningID, holder, now.UTC()); err != nil {
		return fmt.Errorf("lock hold session: %w", err)
	}
	return nil
}

// CountActiveHolds counts the unexpired holds of holder on a screening.
func (t *mysqlTx) CountActiveHolds(ctx context.Context, screeningID uint64, holder string, now time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM show_seats
WHERE show_id = ? AND status = 'HELD' AND holder_token = ? AND hold_expires_at > ?`
	var n int
	if err := t.q.QueryRowContext(ctx, q, screeningID, holder, now.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count holds: %w", err)
	}
	return n, nil
}

// ClaimSeat takes an AVAILABLE seat, or one whose hold lapsed, for holder.
func (t *mysqlTx) ClaimSeat(ctx context.Context, key model.SeatKey, holder string, expiresAt, now time.Time) (bool, error) {
	const q = `UPDATE show_seats
SET status = 'HELD', holder_token = ?, hold_expires_at = ?, booking_id = NULL
WHERE show_id = ? AND seat_id = ?
  AND (status = 'AVAILABLE' OR (status = 'HELD' AND hold_expires_at <= ?))`
	ok, err := affected(t.q.ExecContext(ctx, q, holder, expiresAt.UTC(), key.ScreeningID, key.SeatID, now.UTC()))
	if err != nil {
		return false, fmt.Errorf("claim seat %s: %w", key, err)
	}
	return ok, nil
}

// ExtendHold pushes the expiry of a live hold owned by holder.
func (t *mysqlTx) ExtendHold(ctx context.Context, key model.SeatKey, holder string, expiresAt, now time.Time) (bool, error) {
	const q = `UPDATE show_seats
SET hold_expires_at = ?
WHERE show_id = ? AND seat_id = ? AND status = 'HELD' AND holder_token = ? AND hold_expires_at > ?`
	ok, err := affected(t.q.ExecContext(ctx, q, expiresAt.UTC(), key.ScreeningID, key.SeatID, holder, now.UTC()))
	if err != nil {
		return false, fmt.Errorf("extend hold %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseHold frees a seat held by holder, expired or not.
func (t *mysqlTx) ReleaseHold(ctx context.Context, key model.SeatKey, holder string) (bool, error) {
	const q = `UPDATE show_seats
SET status = 'AVAILABLE', holder_token = NULL, hold_expires_at = NULL
WHERE show_id = ? AND seat_id = ? AND status = 'HELD' AND holder_token = ?`
	ok, err := affected(t.q.ExecContext(ctx, q, key.ScreeningID, key.SeatID, holder))
	if err != nil {
		return false, fmt.Errorf("release hold %s: %w", key, err)
	}
	return ok, nil
}

// ExpireHolds reclaims up to limit lapsed holds, oldest first.  Rows locked
// by in-flight transactions are skipped and picked up by a later sweep.
func (t *mysqlTx) ExpireHolds(ctx context.Context, now time.Time, limit int) ([]model.SeatKey, error) {
	const sel = `SELECT show_id, seat_id FROM show_seats
WHERE status = 'HELD' AND hold_expires_at <= ?
ORDER BY hold_expires_at
LIMIT ?
FOR UPDATE SKIP LOCKED`
	rows, err := t.q.QueryContext(ctx, sel, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("select expired holds: %w", err)
	}
	var candidates []model.SeatKey
	for rows.Next() {
		var k model.SeatKey
		if err := rows.Scan(&k.ScreeningID, &k.SeatID); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, k)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	const upd = `UPDATE show_seats
SET status = 'AVAILABLE', holder_token = NULL, hold_expires_at = NULL
WHERE show_id = ? AND seat_id = ? AND status = 'HELD' AND hold_expires_at <= ?`
	freed := make([]model.SeatKey, 0, len(candidates))
	for _, k := range candidates {
		ok, err := affected(t.q.ExecContext(ctx, upd, k.ScreeningID, k.SeatID, now.UTC()))
		if err != nil {
			return nil, fmt.Errorf("expire hold %s: %w", k, err)
		}
		if ok {
			freed = append(freed, k)
		}
	}

	const prune = `DELETE FROM hold_sessions WHERE touched_at < ? LIMIT ?`
	if _, err := t.q.ExecContext(ctx, prune, now.Add(-holdSessionRetention).UTC(), limit); err != nil {
		return nil, fmt.Errorf("prune hold sessions: %w", err)
	}
	return freed, nil
}
