// Package service implements the booking core: seat holds, the booking
// lifecycle, payment reconciliation and the expiry sweeper.  Every state
// change goes through a repository.Store transaction made of compare-and-set
// updates, so concurrent requests for the same seat can never both win.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/clock"
	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
)

// ReservationConfig tunes hold behaviour.
type ReservationConfig struct {
	HoldTTL              time.Duration
	MaxHoldsPerScreening int
}

// ReservationManager owns seat holds: the AVAILABLE <-> HELD transitions and
// the HELD -> BOOKED promotion performed during booking creation.
type ReservationManager struct {
	store    repository.Store
	clock    clock.Clock
	ttl      time.Duration
	maxHolds int
	log      *zap.Logger
}

// NewReservationManager builds a manager.  A non-positive MaxHoldsPerScreening
// disables the per-holder limit.
func NewReservationManager(store repository.Store, clk clock.Clock, cfg ReservationConfig, log *zap.Logger) *ReservationManager {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 10 * time.Minute
	}
	return &ReservationManager{
		store:    store,
		clock:    clk,
		ttl:      cfg.HoldTTL,
		maxHolds: cfg.MaxHoldsPerScreening,
		log:      log.Named("reservations"),
	}
}

// HoldTTL returns the lifetime given to new and renewed holds.
func (m *ReservationManager) HoldTTL() time.Duration { return m.ttl }

// SeatMap returns the seats of a screening as observed now.  Lapsed holds are
// reported as AVAILABLE.  An unknown screening yields model.ErrSeatNotFound.
func (m *ReservationManager) SeatMap(ctx context.Context, screeningID uint64) ([]model.ScreeningSeat, error) {
	seats, err := m.store.SeatMap(ctx, screeningID)
	if err != nil {
		return nil, err
	}
	if len(seats) == 0 {
		return nil, fmt.Errorf("%w: screening %d has no seats", model.ErrSeatNotFound, screeningID)
	}
	now := m.clock.Now()
	for i := range seats {
		if seats[i].EffectiveStatus(now) == model.SeatAvailable {
			seats[i].Status = model.SeatAvailable
			seats[i].HolderToken = ""
			seats[i].HoldExpiresAt = nil
		}
	}
	return seats, nil
}

// Hold places holds on every requested seat or on none.  Seats whose hold
// has lapsed count as available.
func (m *ReservationManager) Hold(ctx context.Context, screeningID uint64, seatIDs []uint64, holderToken string) ([]model.Hold, error) {
	ids := normalizeSeatIDs(seatIDs)
	if screeningID == 0 || holderToken == "" || len(ids) == 0 {
		return nil, fmt.Errorf("%w: screening, holder token and at least one seat are required", model.ErrInvalidRequest)
	}

	now := m.clock.Now()
	expiresAt := now.Add(m.ttl)
	var holds []model.Hold

	err := m.store.WithTx(ctx, func(tx repository.Tx) error {
		// the session lock comes before the seat locks so that two holds of
		// one holder cannot both pass the limit
		if m.maxHolds > 0 {
			if err := tx.LockHolder(ctx, screeningID, holderToken, now); err != nil {
				return err
			}
		}
		seats, err := tx.LockSeats(ctx, screeningID, ids)
		if err != nil {
			return err
		}
		var missing, taken []uint64
		for _, id := range ids {
			seat, ok := seats[id]
			switch {
			case !ok:
				missing = append(missing, id)
			case seat.EffectiveStatus(now) != model.SeatAvailable:
				taken = append(taken, id)
			}
		}
		if len(missing) > 0 {
			return model.NewSeatConflict(model.ErrSeatNotFound, missing...)
		}
		if len(taken) > 0 {
			return model.NewSeatConflict(model.ErrSeatUnavailable, taken...)
		}

		if m.maxHolds > 0 {
			held, err := tx.CountActiveHolds(ctx, screeningID, holderToken, now)
			if err != nil {
				return err
			}
			if held+len(ids) > m.maxHolds {
				return fmt.Errorf("%w: %d held, %d requested, limit %d",
					model.ErrHoldLimitExceeded, held, len(ids), m.maxHolds)
			}
		}

		holds = make([]model.Hold, 0, len(ids))
		for _, id := range ids {
			key := model.SeatKey{ScreeningID: screeningID, SeatID: id}
			ok, err := tx.ClaimSeat(ctx, key, holderToken, expiresAt, now)
			if err != nil {
				return err
			}
			if !ok {
				return model.NewSeatConflict(model.ErrSeatUnavailable, id)
			}
			holds = append(holds, model.Hold{ScreeningID: screeningID, SeatID: id, HolderToken: holderToken, ExpiresAt: expiresAt})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Debug("seats held",
		zap.Uint64("screening_id", screeningID),
		zap.Uint64s("seat_ids", ids),
		zap.Time("expires_at", expiresAt))
	return holds, nil
}

// Renew extends every listed hold to now + TTL.  If any of them is no longer
// a live hold of holderToken nothing changes and model.ErrHoldExpired is
// returned.
func (m *ReservationManager) Renew(ctx context.Context, holdIDs []model.SeatKey, holderToken string) ([]model.Hold, error) {
	keys := normalizeKeys(holdIDs)
	if holderToken == "" || len(keys) == 0 {
		return nil, fmt.Errorf("%w: holder token and at least one hold are required", model.ErrInvalidRequest)
	}

	now := m.clock.Now()
	expiresAt := now.Add(m.ttl)
	var holds []model.Hold

	err := m.store.WithTx(ctx, func(tx repository.Tx) error {
		seats, err := lockKeys(ctx, tx, keys)
		if err != nil {
			return err
		}
		var lost []uint64
		for _, k := range keys {
			seat, ok := seats[k]
			if !ok || !seat.HeldBy(holderToken, now) {
				lost = append(lost, k.SeatID)
			}
		}
		if len(lost) > 0 {
			return model.NewSeatConflict(model.ErrHoldExpired, lost...)
		}

		holds = make([]model.Hold, 0, len(keys))
		for _, k := range keys {
			ok, err := tx.ExtendHold(ctx, k, holderToken, expiresAt, now)
			if err != nil {
				return err
			}
			if !ok {
				return model.NewSeatConflict(model.ErrHoldExpired, k.SeatID)
			}
			holds = append(holds, model.Hold{ScreeningID: k.ScreeningID, SeatID: k.SeatID, HolderToken: holderToken, ExpiresAt: expiresAt})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return holds, nil
}

// Release frees the listed seats that are still held by holderToken and
// returns how many changed.  Seats that were already released, swept,
// booked or held by someone else are skipped, so repeating a release is
// harmless.
func (m *ReservationManager) Release(ctx context.Context, holdIDs []model.SeatKey, holderToken string) (int, error) {
	keys := normalizeKeys(holdIDs)
	if holderToken == "" {
		return 0, fmt.Errorf("%w: holder token is required", model.ErrInvalidRequest)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	released := 0
	err := m.store.WithTx(ctx, func(tx repository.Tx) error {
		released = 0
		for _, k := range keys {
			ok, err := tx.ReleaseHold(ctx, k, holderToken)
			if err != nil {
				return err
			}
			if ok {
				released++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if released > 0 {
		m.log.Debug("holds released", zap.Int("count", released))
	}
	return released, nil
}

// PromoteTx turns the holds of holderToken into BOOKED(bookingID) seats.  It
// must run inside the booking-creation transaction: on error the caller
// rolls back, so a booking never receives a subset of its seats.
//
// A seat held by another token, or already booked, yields
// model.ErrHoldNotOwned.  A lapsed or released hold yields
// model.ErrHoldExpired.
func (m *ReservationManager) PromoteTx(ctx context.Context, tx repository.Tx, bookingID uint64, holdIDs []model.SeatKey, holderToken string) ([]model.ScreeningSeat, error) {
	keys := normalizeKeys(holdIDs)
	if bookingID == 0 || holderToken == "" || len(keys) == 0 {
		return nil, fmt.Errorf("%w: booking, holder token and at least one hold are required", model.ErrInvalidRequest)
	}
	now := m.clock.Now()

	seats, err := lockKeys(ctx, tx, keys)
	if err != nil {
		return nil, err
	}
	var missing, foreign, lapsed []uint64
	for _, k := range keys {
		seat, ok := seats[k]
		switch {
		case !ok:
			missing = append(missing, k.SeatID)
		case seat.HeldBy(holderToken, now):
		case seat.Status == model.SeatBooked,
			seat.EffectiveStatus(now) == model.SeatHeld:
			foreign = append(foreign, k.SeatID)
		default:
			lapsed = append(lapsed, k.SeatID)
		}
	}
	switch {
	case len(missing) > 0:
		return nil, model.NewSeatConflict(model.ErrSeatNotFound, missing...)
	case len(foreign) > 0:
		return nil, model.NewSeatConflict(model.ErrHoldNotOwned, foreign...)
	case len(lapsed) > 0:
		return nil, model.NewSeatConflict(model.ErrHoldExpired, lapsed...)
	}

	out := make([]model.ScreeningSeat, 0, len(keys))
	for _, k := range keys {
		ok, err := tx.BookSeat(ctx, k, holderToken, bookingID, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, model.NewSeatConflict(model.ErrHoldExpired, k.SeatID)
		}
		seat := seats[k]
		id := bookingID
		seat.Status = model.SeatBooked
		seat.HolderToken = ""
		seat.HoldExpiresAt = nil
		seat.BookingID = &id
		out = append(out, seat)
	}
	return out, nil
}

// lockKeys locks seats that may span several screenings, one screening at a
// time in ascending order.
func lockKeys(ctx context.Context, tx repository.Tx, keys []model.SeatKey) (map[model.SeatKey]model.ScreeningSeat, error) {
	byScreening := make(map[uint64][]uint64)
	var screenings []uint64
	for _, k := range keys {
		if _, ok := byScreening[k.ScreeningID]; !ok {
			screenings = append(screenings, k.ScreeningID)
		}
		byScreening[k.ScreeningID] = append(byScreening[k.ScreeningID], k.SeatID)
	}
	sort.Slice(screenings, func(i, j int) bool { return screenings[i] < screenings[j] })

	out := make(map[model.SeatKey]model.ScreeningSeat, len(keys))
	for _, sid := range screenings {
		seats, err := tx.LockSeats(ctx, sid, byScreening[sid])
		if err != nil {
			return nil, err
		}
		for id, seat := range seats {
			out[model.SeatKey{ScreeningID: sid, SeatID: id}] = seat
		}
	}
	return out, nil
}

// normalizeSeatIDs drops zero and duplicate ids and sorts the rest so that
// rows are always locked in the same order.
func normalizeSeatIDs(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func normalizeKeys(keys []model.SeatKey) []model.SeatKey {
	seen := make(map[model.SeatKey]struct{}, len(keys))
	out := make([]model.SeatKey, 0, len(keys))
	for _, k := range keys {
		if k.ScreeningID == 0 || k.SeatID == 0 {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScreeningID != out[j].ScreeningID {
			return out[i].ScreeningID < out[j].ScreeningID
		}
		return out[i].SeatID < out[j].SeatID
	})
	return out
}

// keysFor builds seat keys for one screening.
func keysFor(screeningID uint64, seatIDs []uint64) []model.SeatKey {
	keys := make([]model.SeatKey, 0, len(seatIDs))
	for _, id := range seatIDs {
		keys = append(keys, model.SeatKey{ScreeningID: screeningID, SeatID: id})
	}
	return keys
}
