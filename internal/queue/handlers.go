package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

// OutcomeHandler applies a gateway-reported payment outcome.
type OutcomeHandler interface {
	OnOutcome(ctx context.Context, gatewayReference string, outcome model.Outcome) error
}

// PaymentOutcomeHandler turns payment.outcome deliveries into OnOutcome
// calls.  Malformed messages are rejected, unknown references are acked
// (there is nothing to retry) and anything else that fails is requeued.
func PaymentOutcomeHandler(h OutcomeHandler, log *zap.Logger) HandlerFunc {
	return func(ctx context.Context, body []byte) Disposition {
		ref, outcome, err := DecodePaymentOutcome(body)
		if err != nil {
			log.Warn("malformed payment outcome", zap.Error(err), zap.ByteString("body", body))
			return Reject
		}
		fields := []zap.Field{zap.String("gateway_reference", ref), zap.String("outcome", string(outcome))}
		err = h.OnOutcome(ctx, ref, outcome)
		switch {
		case err == nil:
			log.Info("payment outcome applied", fields...)
			return Ack
		case errors.Is(err, model.ErrPaymentNotFound):
			log.Warn("payment outcome for unknown reference", fields...)
			return Ack
		case errors.Is(err, model.ErrInvalidRequest), errors.Is(err, model.ErrInvalidStateTransition):
			log.Warn("payment outcome rejected", append(fields, zap.Error(err))...)
			return Reject
		default:
			log.Error("payment outcome failed, requeueing", append(fields, zap.Error(err))...)
			return Requeue
		}
	}
}

// AuditLog appends booking events to a file, one line per event.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

// NewAuditLog returns an AuditLog writing to path.  The directory is created
// on first write.
func NewAuditLog(path string) *AuditLog { return &AuditLog{path: path} }

// Append writes ev to the log file.
func (a *AuditLog) Append(ev BookingEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(ev.LogLine()); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// Handler consumes booking event queues into the audit log.
func (a *AuditLog) Handler(log *zap.Logger) HandlerFunc {
	return func(_ context.Context, body []byte) Disposition {
		var ev BookingEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			log.Warn("malformed booking event", zap.Error(err))
			return Reject
		}
		if err := a.Append(ev); err != nil {
			log.Error("audit log write failed", zap.Uint64("booking_id", ev.BookingID), zap.Error(err))
			return Reject
		}
		return Ack
	}
}
