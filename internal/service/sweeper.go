package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/clock"
	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
)

// maxHoldBatches caps how many hold batches one sweep releases, so a huge
// backlog cannot starve the booking duties of the same pass.
const maxHoldBatches = 50

// SweeperConfig tunes the expiry sweeper.
type SweeperConfig struct {
	Interval      time.Duration
	PaymentWindow time.Duration
	Batch         int
}

// Lease lets one replica at a time run a sweep pass.  Correctness never
// depends on it: every sweeper duty is a compare-and-set.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
}

// SweepResult counts what one pass changed.
type SweepResult struct {
	ReleasedHolds   int
	ExpiredAwaiting int
	ExpiredDrafts   int
	Errors          int
}

// Sweeper periodically reclaims lapsed holds and expires abandoned
// bookings.
type Sweeper struct {
	store    repository.Store
	bookings *BookingOrchestrator
	clock    clock.Clock
	cfg      SweeperConfig
	lease    Lease
	log      *zap.Logger
}

// NewSweeper builds a sweeper.  lease may be nil.
func NewSweeper(store repository.Store, bookings *BookingOrchestrator, clk clock.Clock, cfg SweeperConfig, lease Lease, log *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = 15 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 200
	}
	return &Sweeper{store: store, bookings: bookings, clock: clk, cfg: cfg, lease: lease, log: log.Named("sweeper")}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info("sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("payment_window", s.cfg.PaymentWindow))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx, s.cfg.Interval)
		if err != nil {
			// sweep anyway; duties are idempotent
			s.log.Warn("sweeper lease unavailable", zap.Error(err))
		} else if !ok {
			s.log.Debug("another replica holds the sweeper lease")
			return
		}
	}
	res := s.SweepOnce(ctx)
	if res.ReleasedHolds+res.ExpiredAwaiting+res.ExpiredDrafts+res.Errors > 0 {
		s.log.Info("sweep finished",
			zap.Int("released_holds", res.ReleasedHolds),
			zap.Int("expired_awaiting", res.ExpiredAwaiting),
			zap.Int("expired_drafts", res.ExpiredDrafts),
			zap.Int("errors", res.Errors))
	}
}

// SweepOnce runs every duty once.  Errors are logged and counted; one
// failing booking never stops the rest of the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.clock.Now()

	screenings := map[uint64]struct{}{}
	for i := 0; i < maxHoldBatches; i++ {
		var freed []model.SeatKey
		err := s.store.WithTx(ctx, func(tx repository.Tx) error {
			var err error
			freed, err = tx.ExpireHolds(ctx, now, s.cfg.Batch)
			return err
		})
		if err != nil {
			s.log.Error("release expired holds failed", zap.Error(err))
			res.Errors++
			break
		}
		res.ReleasedHolds += len(freed)
		for _, k := range freed {
			screenings[k.ScreeningID] = struct{}{}
		}
		if len(freed) < s.cfg.Batch {
			break
		}
	}

	for id := range screenings {
		s.bookings.seatsFreed(ctx, id)
	}

	cutoff := now.Add(-s.cfg.PaymentWindow)
	awaiting, err := s.store.StaleAwaiting(ctx, cutoff, s.cfg.Batch)
	if err != nil {
		s.log.Error("list stale awaiting bookings failed", zap.Error(err))
		res.Errors++
	}
	for _, id := range awaiting {
		ok, err := s.bookings.ExpireIfStale(ctx, id, now, cutoff)
		if err != nil {
			s.log.Error("expire awaiting booking failed", zap.Uint64("booking_id", id), zap.Error(err))
			res.Errors++
			continue
		}
		if ok {
			res.ExpiredAwaiting++
		}
	}

	drafts, err := s.store.StaleDrafts(ctx, now, s.cfg.Batch)
	if err != nil {
		s.log.Error("list stale drafts failed", zap.Error(err))
		res.Errors++
	}
	for _, id := range drafts {
		ok, err := s.bookings.ExpireIfStale(ctx, id, now, cutoff)
		if err != nil {
			s.log.Error("expire draft booking failed", zap.Uint64("booking_id", id), zap.Error(err))
			res.Errors++
			continue
		}
		if ok {
			res.ExpiredDrafts++
		}
	}
	return res
}
