package queue

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher sends booking events to RabbitMQ.  Each publish dials its own
// connection so a broker outage never leaves a broken channel behind;
// publish volume is one message per finished booking.
type Publisher struct {
	url string
	log *zap.Logger
}

// NewPublisher returns a Publisher for the broker at url.
func NewPublisher(url string, log *zap.Logger) *Publisher {
	return &Publisher{url: url, log: log.Named("publisher")}
}

// Publish sends ev to the queue named by ev.Type.  Messages are persistent
// and the queue is declared durable.  Errors are logged and returned so the
// caller can choose to ignore them.
func (p *Publisher) Publish(ctx context.Context, ev BookingEvent) error {
	fields := []zap.Field{zap.String("queue", ev.Type), zap.Uint64("booking_id", ev.BookingID)}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		p.log.Warn("dial failed", append(fields, zap.Error(err))...)
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.log.Warn("channel open failed", append(fields, zap.Error(err))...)
		return err
	}
	defer func() { _ = ch.Close() }()

	// Ensure the queue exists (idempotent). Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(
		ev.Type, // name
		true,    // durable
		false,   // autoDelete
		false,   // exclusive
		false,   // noWait
		nil,     // args
	); err != nil {
		p.log.Warn("queue declare failed", append(fields, zap.Error(err))...)
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal event failed", append(fields, zap.Error(err))...)
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := ch.PublishWithContext(ctx,
		"",      // default exchange
		ev.Type, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		pub,
	); err != nil {
		p.log.Warn("publish failed", append(fields, zap.Error(err))...)
		return err
	}
	p.log.Debug("event published", fields...)
	return nil
}

// LogPublisher only logs events.  It is used when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

// NewLogPublisher returns a publisher that writes events to log.
func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, ev BookingEvent) error {
	p.log.Info("booking event",
		zap.String("type", ev.Type),
		zap.Uint64("booking_id", ev.BookingID),
		zap.String("status", string(ev.Status)),
		zap.Strings("seats", ev.SeatLabels),
	)
	return nil
}
