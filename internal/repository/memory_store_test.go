package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

var t0 = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func newSeededStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	require.NoError(t, s.SeedScreening(context.Background(), 1, DemoSeats(7, 1, 2, 5, 1000, 1500)))
	return s
}

func TestMemoryStore_SeatMapOrdered(t *testing.T) {
	s := newSeededStore(t)
	seats, err := s.SeatMap(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, seats, 10)
	assert.Equal(t, "A", seats[0].RowLabel)
	assert.Equal(t, uint32(1), seats[0].SeatNumber)
	assert.Equal(t, "B", seats[9].RowLabel)
	assert.Equal(t, model.SeatCategoryPremium, seats[9].Category)
	assert.Equal(t, uint32(1500), seats[9].PriceCents)

	none, err := s.SeatMap(context.Background(), 99)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_RollbackRestoresState(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		ok, err := tx.ClaimSeat(ctx, model.SeatKey{ScreeningID: 7, SeatID: 1}, "tok", t0.Add(time.Minute), t0)
		require.NoError(t, err)
		require.True(t, ok)
		b := &model.Booking{UserID: 1, ScreeningID: 7, Status: model.BookingDraft}
		require.NoError(t, tx.InsertBooking(ctx, b))
		return boom
	})
	require.ErrorIs(t, err, boom)

	seats, err := s.SeatMap(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, model.SeatAvailable, seats[0].Status)
	_, err = s.GetBooking(ctx, 1)
	assert.ErrorIs(t, err, model.ErrBookingNotFound)

	// the id sequence is rolled back too
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		b := &model.Booking{UserID: 1, ScreeningID: 7, Status: model.BookingDraft}
		require.NoError(t, tx.InsertBooking(ctx, b))
		assert.Equal(t, uint64(1), b.ID)
		return nil
	}))
}

func TestMemoryStore_WithTxCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.WithTx(ctx, func(Tx) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemoryStore_ClaimRespectsLiveHolds(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()
	key := model.SeatKey{ScreeningID: 7, SeatID: 2}

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		ok, err := tx.ClaimSeat(ctx, key, "a", t0.Add(time.Minute), t0)
		require.True(t, ok)
		return err
	}))
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		ok, err := tx.ClaimSeat(ctx, key, "b", t0.Add(2*time.Minute), t0.Add(30*time.Second))
		assert.False(t, ok, "live hold must not be stolen")
		return err
	}))
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		ok, err := tx.ClaimSeat(ctx, key, "b", t0.Add(3*time.Minute), t0.Add(time.Minute))
		assert.True(t, ok, "expired hold is claimable")
		return err
	}))
}

func TestMemoryStore_ExpireHolds(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		for id := uint64(1); id <= 3; id++ {
			exp := t0.Add(time.Duration(id) * time.Minute)
			if _, err := tx.ClaimSeat(ctx, model.SeatKey{ScreeningID: 7, SeatID: id}, "tok", exp, t0); err != nil {
				return err
			}
		}
		return nil
	}))

	var freed []model.SeatKey
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		var err error
		freed, err = tx.ExpireHolds(ctx, t0.Add(2*time.Minute), 10)
		return err
	}))
	assert.Equal(t, []model.SeatKey{{ScreeningID: 7, SeatID: 1}, {ScreeningID: 7, SeatID: 2}}, freed)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		n, err := tx.CountActiveHolds(ctx, 7, "tok", t0.Add(2*time.Minute))
		assert.Equal(t, 1, n)
		return err
	}))
}

func TestMemoryStore_OnePendingAttemptPerBooking(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx Tx) error {
		b := &model.Booking{UserID: 1, ScreeningID: 7, Status: model.BookingDraft}
		require.NoError(t, tx.InsertBooking(ctx, b))
		require.NoError(t, tx.InsertPaymentAttempt(ctx, &model.PaymentAttempt{BookingID: b.ID, GatewayReference: "r1"}))
		return tx.InsertPaymentAttempt(ctx, &model.PaymentAttempt{BookingID: b.ID, GatewayReference: "r2"})
	})
	assert.ErrorIs(t, err, ErrDuplicateReference)

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		b := &model.Booking{UserID: 1, ScreeningID: 7, Status: model.BookingDraft}
		require.NoError(t, tx.InsertBooking(ctx, b))
		require.NoError(t, tx.InsertPaymentAttempt(ctx, &model.PaymentAttempt{BookingID: b.ID, GatewayReference: "r1"}))
		ok, err := tx.TransitionAttempt(ctx, "r1", model.PaymentPending, model.PaymentFailed, t0)
		require.True(t, ok)
		require.NoError(t, err)
		return tx.InsertPaymentAttempt(ctx, &model.PaymentAttempt{BookingID: b.ID, GatewayReference: "r2"})
	}))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := newSeededStore(t)
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.InsertBooking(ctx, &model.Booking{
			UserID: 3, ScreeningID: 7, Status: model.BookingDraft,
			Seats: []model.BookingSeat{{SeatID: 1, RowLabel: "A", SeatNumber: 1, PriceCents: 1000}},
		})
	}))
	b, err := s.GetBooking(ctx, 1)
	require.NoError(t, err)
	b.Seats[0].PriceCents = 1
	b.Status = model.BookingConfirmed

	again, err := s.GetBooking(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), again.Seats[0].PriceCents)
	assert.Equal(t, model.BookingDraft, again.Status)

	list, err := s.ListBookingsByUser(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
