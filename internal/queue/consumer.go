package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Disposition tells the consumer what to do with a delivery once its
// handler returns.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Reject drops the message without requeueing it, to avoid tight loops
	// on payloads that can never be processed.
	Reject
	// Requeue hands the message back to the broker for another attempt.
	Requeue
)

// HandlerFunc processes one message body.
type HandlerFunc func(ctx context.Context, body []byte) Disposition

// Consumer reads one durable queue with manual acknowledgements and
// reconnects with exponential backoff whenever the broker connection drops.
type Consumer struct {
	url      string
	queue    string
	prefetch int
	handle   HandlerFunc
	log      *zap.Logger
}

// NewConsumer returns a consumer of queue that passes every body to handle.
func NewConsumer(url, queue string, handle HandlerFunc, log *zap.Logger) *Consumer {
	return &Consumer{
		url:      url,
		queue:    queue,
		prefetch: 50,
		handle:   handle,
		log:      log.Named("consumer").With(zap.String("queue", queue)),
	}
}

// Run connects to RabbitMQ, declares the queue and consumes until ctx is
// cancelled.  Broker failures are logged and retried; Run only returns once
// ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("failed to dial broker", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.Warn("set QoS failed", zap.Error(err))
	}

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.log.Info("consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.dispatch(ctx, d)
		}
	}
}

// dispatch runs the handler and settles the delivery.
func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	var err error
	switch c.handle(ctx, d.Body) {
	case Ack:
		err = d.Ack(false)
	case Reject:
		err = d.Nack(false, false)
	case Requeue:
		err = d.Nack(false, true)
	}
	if err != nil {
		c.log.Warn("settle delivery failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
