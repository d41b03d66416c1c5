package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/clock"
	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
)

// EventPublisher delivers booking events.  Failures are logged by the
// orchestrator and never undo a committed state change.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.BookingEvent) error
}

// SeatMapInvalidator is told when a committed change returned seats of a
// screening to AVAILABLE, so cached seat maps can be dropped.
type SeatMapInvalidator interface {
	InvalidateScreening(ctx context.Context, screeningID uint64)
}

// publishTimeout bounds how long a request waits on the broker after its
// transaction committed.
const publishTimeout = 5 * time.Second

// BookingOrchestrator drives a booking through
//
//	DRAFT -> AWAITING_PAYMENT -> CONFIRMED | FAILED | EXPIRED
//	DRAFT -> EXPIRED
//
// It owns the HELD -> BOOKED transition (through the reservation manager)
// and the release of booked seats when a booking fails or expires.
type BookingOrchestrator struct {
	store        repository.Store
	reservations *ReservationManager
	payments     *PaymentAdapter
	events       EventPublisher
	seatMaps     SeatMapInvalidator
	clock        clock.Clock
	log          *zap.Logger
}

// NewBookingOrchestrator wires the orchestrator and attaches it to payments
// so that outcomes can be finalized.
func NewBookingOrchestrator(store repository.Store, reservations *ReservationManager, payments *PaymentAdapter,
	events EventPublisher, clk clock.Clock, log *zap.Logger) *BookingOrchestrator {
	o := &BookingOrchestrator{
		store:        store,
		reservations: reservations,
		payments:     payments,
		events:       events,
		clock:        clk,
		log:          log.Named("bookings"),
	}
	payments.attach(o)
	return o
}

// SetSeatMapInvalidator registers inv to hear about seats freed by failed or
// expired bookings and by the sweeper.  inv may be nil.
func (o *BookingOrchestrator) SetSeatMapInvalidator(inv SeatMapInvalidator) { o.seatMaps = inv }

// seatsFreed runs after commit, on a context detached from the request.
func (o *BookingOrchestrator) seatsFreed(ctx context.Context, screeningID uint64) {
	if o.seatMaps == nil {
		return
	}
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	o.seatMaps.InvalidateScreening(ictx, screeningID)
}

// CreateBooking turns the caller's holds into a DRAFT booking.  The booking
// row, its seats with their prices and the HELD -> BOOKED promotion are
// written in one transaction; on any failure nothing persists.
//
// The DRAFT deadline is the earliest expiry among the promoted holds.
func (o *BookingOrchestrator) CreateBooking(ctx context.Context, userID, screeningID uint64, seatIDs []uint64, holderToken string) (*model.Booking, error) {
	ids := normalizeSeatIDs(seatIDs)
	if userID == 0 || screeningID == 0 || holderToken == "" || len(ids) == 0 {
		return nil, fmt.Errorf("%w: user, screening, holder token and at least one seat are required", model.ErrInvalidRequest)
	}
	now := o.clock.Now()

	var booking *model.Booking
	err := o.store.WithTx(ctx, func(tx repository.Tx) error {
		seats, err := tx.LockSeats(ctx, screeningID, ids)
		if err != nil {
			return err
		}
		b := &model.Booking{
			UserID:      userID,
			ScreeningID: screeningID,
			HolderToken: holderToken,
			Status:      model.BookingDraft,
			CreatedAt:   now,
			Seats:       make([]model.BookingSeat, 0, len(ids)),
		}
		var deadline time.Time
		for _, id := range ids {
			seat, ok := seats[id]
			if !ok {
				return model.NewSeatConflict(model.ErrSeatNotFound, id)
			}
			b.Seats = append(b.Seats, model.BookingSeat{
				SeatID:     id,
				RowLabel:   seat.RowLabel,
				SeatNumber: seat.SeatNumber,
				PriceCents: seat.PriceCents,
			})
			b.TotalAmountCents += seat.PriceCents
			if seat.HeldBy(holderToken, now) && (deadline.IsZero() || seat.HoldExpiresAt.Before(deadline)) {
				deadline = *seat.HoldExpiresAt
			}
		}
		if deadline.IsZero() {
			deadline = now
		}
		b.ExpiresAt = deadline

		if err := tx.InsertBooking(ctx, b); err != nil {
			return err
		}
		if _, err := o.reservations.PromoteTx(ctx, tx, b.ID, keysFor(screeningID, ids), holderToken); err != nil {
			return err
		}
		booking = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.log.Info("booking created",
		zap.Uint64("booking_id", booking.ID),
		zap.Uint64("user_id", userID),
		zap.Uint64("screening_id", screeningID),
		zap.Int("seats", len(booking.Seats)),
		zap.Uint32("total_cents", booking.TotalAmountCents))
	return booking, nil
}

// BeginPayment opens a payment session for a DRAFT booking and moves it to
// AWAITING_PAYMENT.  Calling it again while the booking awaits payment
// returns the session already handed out, so two rapid calls agree on the
// gateway reference.
//
// A DRAFT past its deadline is expired on the spot, its seats are freed and
// model.ErrHoldExpired is returned.
func (o *BookingOrchestrator) BeginPayment(ctx context.Context, bookingID uint64) (*model.PaymentSession, error) {
	now := o.clock.Now()
	var (
		session *model.PaymentSession
		expired *queue.BookingEvent
	)
	err := o.store.WithTx(ctx, func(tx repository.Tx) error {
		session, expired = nil, nil

		b, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		switch b.Status {
		case model.BookingDraft:
		case model.BookingAwaitingPayment:
			a, err := tx.PendingAttempt(ctx, b.ID)
			if err != nil {
				return err
			}
			if a == nil {
				return fmt.Errorf("%w: booking %d awaits payment without a pending attempt", model.ErrInvalidStateTransition, b.ID)
			}
			session = o.payments.sessionFromAttempt(a)
			return nil
		default:
			return fmt.Errorf("%w: booking %d is %s", model.ErrInvalidStateTransition, b.ID, b.Status)
		}

		if b.DraftExpired(now) {
			ev, err := o.expireTx(ctx, tx, b, now)
			if err != nil {
				return err
			}
			if ev == nil {
				return fmt.Errorf("%w: booking %d changed concurrently", model.ErrInvalidStateTransition, b.ID)
			}
			expired = ev
			return nil
		}

		s, err := o.payments.StartSession(ctx, b)
		if err != nil {
			return err
		}
		err = tx.InsertPaymentAttempt(ctx, &model.PaymentAttempt{
			BookingID:        b.ID,
			Gateway:          s.Gateway,
			GatewayReference: s.GatewayReference,
			ClientSecret:     s.ClientSecret,
			AmountCents:      s.AmountCents,
			CreatedAt:        now,
		})
		if err != nil {
			return err
		}
		ok, err := tx.MarkAwaitingPayment(ctx, b.ID, s.GatewayReference, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: booking %d left DRAFT concurrently", model.ErrInvalidStateTransition, b.ID)
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired != nil {
		o.publish(ctx, *expired)
		return nil, fmt.Errorf("%w: booking %d passed its deadline before payment started", model.ErrHoldExpired, bookingID)
	}
	o.log.Info("payment started",
		zap.Uint64("booking_id", bookingID),
		zap.String("gateway", session.Gateway),
		zap.String("gateway_reference", session.GatewayReference))
	return session, nil
}

// Finalize applies a payment outcome to a booking.  SUCCEEDED confirms it;
// FAILED fails it and returns its seats to AVAILABLE.  Terminal bookings are
// left as they are, so repeated outcomes are harmless.  Finalizing a DRAFT is
// model.ErrInvalidStateTransition.
func (o *BookingOrchestrator) Finalize(ctx context.Context, bookingID uint64, outcome model.Outcome) error {
	var ev *queue.BookingEvent
	err := o.store.WithTx(ctx, func(tx repository.Tx) error {
		b, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		ev, err = o.finalizeTx(ctx, tx, b, outcome)
		return err
	})
	if err != nil {
		return err
	}
	if ev != nil {
		o.publish(ctx, *ev)
	}
	return nil
}

// finalizeTx is Finalize on an already locked booking.  It returns the event
// to publish after commit, or nil when nothing changed.
func (o *BookingOrchestrator) finalizeTx(ctx context.Context, tx repository.Tx, b *model.Booking, outcome model.Outcome) (*queue.BookingEvent, error) {
	var to model.BookingStatus
	switch outcome {
	case model.PaymentSucceeded:
		to = model.BookingConfirmed
	case model.PaymentFailed:
		to = model.BookingFailed
	default:
		return nil, fmt.Errorf("%w: unknown outcome %q", model.ErrInvalidRequest, outcome)
	}
	if b.Status.IsTerminal() {
		return nil, nil
	}
	if !model.CanTransition(b.Status, to) {
		return nil, fmt.Errorf("%w: booking %d is %s", model.ErrInvalidStateTransition, b.ID, b.Status)
	}

	now := o.clock.Now()
	ok, err := tx.TransitionBooking(ctx, b.ID, b.Status, to, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: booking %d changed concurrently", model.ErrInvalidStateTransition, b.ID)
	}
	if to == model.BookingFailed {
		if _, err := tx.FreeBookedSeats(ctx, b.ID); err != nil {
			return nil, err
		}
	}
	b.Status = to
	b.UpdatedAt = now
	b.FinalizedAt = &now

	typ := queue.BookingConfirmed
	if to == model.BookingFailed {
		typ = queue.BookingFailed
	}
	ev := queue.NewBookingEvent(typ, b, now)
	return &ev, nil
}

// expireTx moves a locked DRAFT or AWAITING_PAYMENT booking to EXPIRED and
// frees its seats.
func (o *BookingOrchestrator) expireTx(ctx context.Context, tx repository.Tx, b *model.Booking, now time.Time) (*queue.BookingEvent, error) {
	ok, err := tx.TransitionBooking(ctx, b.ID, b.Status, model.BookingExpired, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if _, err := tx.FreeBookedSeats(ctx, b.ID); err != nil {
		return nil, err
	}
	b.Status = model.BookingExpired
	b.UpdatedAt = now
	b.FinalizedAt = &now
	ev := queue.NewBookingEvent(queue.BookingExpired, b, now)
	return &ev, nil
}

// ExpireIfStale expires a booking when it is a DRAFT past its deadline at
// now, or has been AWAITING_PAYMENT since awaitingCutoff or earlier without
// a successful attempt.  It reports whether the booking was expired.
func (o *BookingOrchestrator) ExpireIfStale(ctx context.Context, bookingID uint64, now, awaitingCutoff time.Time) (bool, error) {
	var ev *queue.BookingEvent
	err := o.store.WithTx(ctx, func(tx repository.Tx) error {
		ev = nil
		b, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		switch b.Status {
		case model.BookingDraft:
			if !b.DraftExpired(now) {
				return nil
			}
		case model.BookingAwaitingPayment:
			if b.AwaitingSince == nil || b.AwaitingSince.After(awaitingCutoff) {
				return nil
			}
			paid, err := tx.HasSucceededAttempt(ctx, b.ID)
			if err != nil {
				return err
			}
			if paid {
				return nil
			}
		default:
			return nil
		}
		ev, err = o.expireTx(ctx, tx, b, now)
		return err
	})
	if err != nil {
		return false, err
	}
	if ev == nil {
		return false, nil
	}
	o.publish(ctx, *ev)
	return true, nil
}

// GetBooking loads a booking with its seats.
func (o *BookingOrchestrator) GetBooking(ctx context.Context, id uint64) (*model.Booking, error) {
	return o.store.GetBooking(ctx, id)
}

// ListBookings returns a user's bookings, newest first.
func (o *BookingOrchestrator) ListBookings(ctx context.Context, userID uint64) ([]model.Booking, error) {
	return o.store.ListBookingsByUser(ctx, userID)
}

// publish sends ev after the transaction that produced it committed.  The
// request context may already be cancelled by then, so a detached context
// with its own deadline is used.  Failed and expired bookings released their
// seats, so the screening's seat map is invalidated first.
func (o *BookingOrchestrator) publish(ctx context.Context, ev queue.BookingEvent) {
	if ev.Type == queue.BookingFailed || ev.Type == queue.BookingExpired {
		o.seatsFreed(ctx, ev.ScreeningID)
	}
	if o.events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := o.events.Publish(pctx, ev); err != nil {
		o.log.Warn("publish booking event failed",
			zap.String("type", ev.Type),
			zap.Uint64("booking_id", ev.BookingID),
			zap.Error(err))
	}
}

// IsConflict reports whether err is one of the seat conflicts a client can
// resolve by reselecting seats.
func IsConflict(err error) bool {
	return errors.Is(err, model.ErrSeatUnavailable) || errors.Is(err, model.ErrHoldNotOwned)
}
