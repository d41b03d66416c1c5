package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// MemoryStore is an in-process Store.  A single mutex serialises every
// transaction, which gives the same all-or-nothing and per-seat ordering
// guarantees as row locks in MySQL.  Writes are recorded in an undo log so
// that a failing transaction leaves no trace.
type MemoryStore struct {
	mu          sync.Mutex
	seats       map[model.SeatKey]*model.ScreeningSeat
	bookings    map[uint64]*model.Booking
	attempts    map[string]*model.PaymentAttempt
	nextBooking uint64
	nextAttempt uint64
}

// NewMemoryStore returns an empty store.  Seats must be registered with
// AddSeats before they can be held.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seats:    make(map[model.SeatKey]*model.ScreeningSeat),
		bookings: make(map[uint64]*model.Booking),
		attempts: make(map[string]*model.PaymentAttempt),
	}
}

// AddSeats registers catalog seats.  Every seat starts AVAILABLE regardless
// of the status passed in; seats already known are left untouched.
func (s *MemoryStore) AddSeats(seats ...model.ScreeningSeat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seat := range seats {
		if _, ok := s.seats[seat.Key()]; ok {
			continue
		}
		seat.Status = model.SeatAvailable
		seat.HolderToken = ""
		seat.HoldExpiresAt = nil
		seat.BookingID = nil
		if seat.Category == "" {
			seat.Category = model.SeatCategoryStandard
		}
		row := seat
		s.seats[seat.Key()] = &row
	}
}

// SeedScreening registers seats the same way MySQLStore.SeedScreening does.
// The hall id is not tracked in memory.
func (s *MemoryStore) SeedScreening(_ context.Context, _ uint64, seats []model.ScreeningSeat) error {
	s.AddSeats(seats...)
	return nil
}

// WithTx runs fn while holding the store lock.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *MemoryStore) SeatMap(_ context.Context, screeningID uint64) ([]model.ScreeningSeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScreeningSeat, 0)
	for k, seat := range s.seats {
		if k.ScreeningID == screeningID {
			out = append(out, *seat)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RowLabel != out[j].RowLabel {
			return out[i].RowLabel < out[j].RowLabel
		}
		return out[i].SeatNumber < out[j].SeatNumber
	})
	return out, nil
}

func (s *MemoryStore) GetBooking(_ context.Context, id uint64) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, model.ErrBookingNotFound
	}
	return cloneBooking(b), nil
}

func (s *MemoryStore) ListBookingsByUser(_ context.Context, userID uint64) ([]model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Booking, 0)
	for _, b := range s.bookings {
		if b.UserID == userID {
			out = append(out, *cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) BookingByReference(_ context.Context, ref string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[ref]
	if !ok {
		return nil, model.ErrPaymentNotFound
	}
	b, ok := s.bookings[a.BookingID]
	if !ok {
		return nil, model.ErrBookingNotFound
	}
	return cloneBooking(b), nil
}

func (s *MemoryStore) StaleDrafts(_ context.Context, now time.Time, limit int) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookingIDs(limit, func(b *model.Booking) bool {
		return b.Status == model.BookingDraft && !b.ExpiresAt.After(now)
	}), nil
}

func (s *MemoryStore) StaleAwaiting(_ context.Context, cutoff time.Time, limit int) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookingIDs(limit, func(b *model.Booking) bool {
		return b.Status == model.BookingAwaitingPayment && b.AwaitingSince != nil && !b.AwaitingSince.After(cutoff)
	}), nil
}

func (s *MemoryStore) bookingIDs(limit int, match func(*model.Booking) bool) []uint64 {
	ids := make([]uint64, 0)
	for id, b := range s.bookings {
		if match(b) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func cloneBooking(b *model.Booking) *model.Booking {
	c := *b
	c.Seats = append([]model.BookingSeat(nil), b.Seats...)
	return &c
}

// memTx mutates the store directly (the store lock is held for the whole
// transaction) and remembers how to undo each write.
type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) putSeat(next model.ScreeningSeat) {
	key := next.Key()
	prev := t.s.seats[key]
	t.s.seats[key] = &next
	t.undo = append(t.undo, func() { t.s.seats[key] = prev })
}

func (t *memTx) putBooking(next *model.Booking) {
	prev, existed := t.s.bookings[next.ID]
	t.s.bookings[next.ID] = next
	t.undo = append(t.undo, func() {
		if existed {
			t.s.bookings[next.ID] = prev
		} else {
			delete(t.s.bookings, next.ID)
		}
	})
}

func (t *memTx) putAttempt(next *model.PaymentAttempt) {
	ref := next.GatewayReference
	prev, existed := t.s.attempts[ref]
	t.s.attempts[ref] = next
	t.undo = append(t.undo, func() {
		if existed {
			t.s.attempts[ref] = prev
		} else {
			delete(t.s.attempts, ref)
		}
	})
}

func (t *memTx) LockSeats(_ context.Context, screeningID uint64, seatIDs []uint64) (map[uint64]model.ScreeningSeat, error) {
	out := make(map[uint64]model.ScreeningSeat, len(seatIDs))
	for _, id := range seatIDs {
		if seat, ok := t.s.seats[model.SeatKey{ScreeningID: screeningID, SeatID: id}]; ok {
			out[id] = *seat
		}
	}
	return out, nil
}

// LockHolder is a no-op: the store mutex already serializes transactions.
func (t *memTx) LockHolder(context.Context, uint64, string, time.Time) error { return nil }

func (t *memTx) CountActiveHolds(_ context.Context, screeningID uint64, holder string, now time.Time) (int, error) {
	n := 0
	for k, seat := range t.s.seats {
		if k.ScreeningID == screeningID && seat.HeldBy(holder, now) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ClaimSeat(_ context.Context, key model.SeatKey, holder string, expiresAt, now time.Time) (bool, error) {
	seat, ok := t.s.seats[key]
	if !ok || seat.EffectiveStatus(now) != model.SeatAvailable {
		return false, nil
	}
	next := *seat
	exp := expiresAt
	next.Status = model.SeatHeld
	next.HolderToken = holder
	next.HoldExpiresAt = &exp
	next.BookingID = nil
	t.putSeat(next)
	return true, nil
}

func (t *memTx) ExtendHold(_ context.Context, key model.SeatKey, holder string, expiresAt, now time.Time) (bool, error) {
	seat, ok := t.s.seats[key]
	if !ok || !seat.HeldBy(holder, now) {
		return false, nil
	}
	next := *seat
	exp := expiresAt
	next.HoldExpiresAt = &exp
	t.putSeat(next)
	return true, nil
}

func (t *memTx) ReleaseHold(_ context.Context, key model.SeatKey, holder string) (bool, error) {
	seat, ok := t.s.seats[key]
	if !ok || seat.Status != model.SeatHeld || seat.HolderToken != holder {
		return false, nil
	}
	t.putSeat(freed(*seat))
	return true, nil
}

func (t *memTx) BookSeat(_ context.Context, key model.SeatKey, holder string, bookingID uint64, now time.Time) (bool, error) {
	seat, ok := t.s.seats[key]
	if !ok || !seat.HeldBy(holder, now) {
		return false, nil
	}
	next := *seat
	id := bookingID
	next.Status = model.SeatBooked
	next.HolderToken = ""
	next.HoldExpiresAt = nil
	next.BookingID = &id
	t.putSeat(next)
	return true, nil
}

func (t *memTx) FreeBookedSeats(_ context.Context, bookingID uint64) (int, error) {
	n := 0
	for _, seat := range t.s.seats {
		if seat.Status == model.SeatBooked && seat.BookingID != nil && *seat.BookingID == bookingID {
			t.putSeat(freed(*seat))
			n++
		}
	}
	return n, nil
}

func (t *memTx) ExpireHolds(_ context.Context, now time.Time, limit int) ([]model.SeatKey, error) {
	expired := make([]model.ScreeningSeat, 0)
	for _, seat := range t.s.seats {
		if seat.Status == model.SeatHeld && seat.HoldExpiresAt != nil && !seat.HoldExpiresAt.After(now) {
			expired = append(expired, *seat)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].HoldExpiresAt.Before(*expired[j].HoldExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	keys := make([]model.SeatKey, 0, len(expired))
	for _, seat := range expired {
		t.putSeat(freed(seat))
		keys = append(keys, seat.Key())
	}
	return keys, nil
}

func freed(seat model.ScreeningSeat) model.ScreeningSeat {
	seat.Status = model.SeatAvailable
	seat.HolderToken = ""
	seat.HoldExpiresAt = nil
	seat.BookingID = nil
	return seat
}

func (t *memTx) InsertBooking(_ context.Context, b *model.Booking) error {
	prevSeq := t.s.nextBooking
	t.s.nextBooking++
	t.undo = append(t.undo, func() { t.s.nextBooking = prevSeq })

	b.ID = t.s.nextBooking
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.UpdatedAt = b.CreatedAt
	for i := range b.Seats {
		b.Seats[i].BookingID = b.ID
	}
	t.putBooking(cloneBooking(b))
	return nil
}

func (t *memTx) LockBooking(_ context.Context, id uint64) (*model.Booking, error) {
	b, ok := t.s.bookings[id]
	if !ok {
		return nil, model.ErrBookingNotFound
	}
	return cloneBooking(b), nil
}

func (t *memTx) MarkAwaitingPayment(_ context.Context, id uint64, ref string, at time.Time) (bool, error) {
	b, ok := t.s.bookings[id]
	if !ok || b.Status != model.BookingDraft {
		return false, nil
	}
	next := cloneBooking(b)
	r, since := ref, at
	next.Status = model.BookingAwaitingPayment
	next.PaymentRef = &r
	next.AwaitingSince = &since
	next.UpdatedAt = at
	t.putBooking(next)
	return true, nil
}

func (t *memTx) TransitionBooking(_ context.Context, id uint64, from, to model.BookingStatus, at time.Time) (bool, error) {
	b, ok := t.s.bookings[id]
	if !ok || b.Status != from {
		return false, nil
	}
	next := cloneBooking(b)
	next.Status = to
	next.UpdatedAt = at
	if to.IsTerminal() {
		fin := at
		next.FinalizedAt = &fin
	}
	t.putBooking(next)
	return true, nil
}

func (t *memTx) InsertPaymentAttempt(_ context.Context, a *model.PaymentAttempt) error {
	if _, dup := t.s.attempts[a.GatewayReference]; dup {
		return ErrDuplicateReference
	}
	for _, existing := range t.s.attempts {
		if existing.BookingID == a.BookingID && existing.Status == model.PaymentPending {
			return ErrDuplicateReference
		}
	}
	prevSeq := t.s.nextAttempt
	t.s.nextAttempt++
	t.undo = append(t.undo, func() { t.s.nextAttempt = prevSeq })

	a.ID = t.s.nextAttempt
	a.Status = model.PaymentPending
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
	stored := *a
	t.putAttempt(&stored)
	return nil
}

func (t *memTx) PendingAttempt(_ context.Context, bookingID uint64) (*model.PaymentAttempt, error) {
	for _, a := range t.s.attempts {
		if a.BookingID == bookingID && a.Status == model.PaymentPending {
			c := *a
			return &c, nil
		}
	}
	return nil, nil
}

func (t *memTx) LockAttemptByReference(_ context.Context, ref string) (*model.PaymentAttempt, error) {
	a, ok := t.s.attempts[ref]
	if !ok {
		return nil, model.ErrPaymentNotFound
	}
	c := *a
	return &c, nil
}

func (t *memTx) TransitionAttempt(_ context.Context, ref string, from, to model.PaymentStatus, at time.Time) (bool, error) {
	a, ok := t.s.attempts[ref]
	if !ok || a.Status != from {
		return false, nil
	}
	next := *a
	next.Status = to
	next.UpdatedAt = at
	t.putAttempt(&next)
	return true, nil
}

func (t *memTx) HasSucceededAttempt(_ context.Context, bookingID uint64) (bool, error) {
	for _, a := range t.s.attempts {
		if a.BookingID == bookingID && a.Status == model.PaymentSucceeded {
			return true, nil
		}
	}
	return false, nil
}
