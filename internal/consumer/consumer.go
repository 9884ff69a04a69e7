// Package consumer receives analysis tasks from the durable broker queue.
//
// The channel and connection are owned by a single goroutine. Each
// delivery is handled in its own goroutine, but its ack is marshaled
// back to the owning goroutine through a callback channel; AMQP channels
// are not safe for cross-goroutine use. With prefetch 1 the broker hands
// the worker one task at a time.
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/config"
)

// Message is one received task request.
type Message struct {
	Body          []byte
	ReplyTo       string
	CorrelationID string
}

// Handler processes one message. A nil return acknowledges the message;
// an error rejects it without requeue, as redelivering a message the
// worker cannot process would loop forever.
type Handler func(ctx context.Context, msg Message) error

// Consumer subscribes to the task queue and dispatches deliveries.
type Consumer struct {
	cfg     config.BrokerConfig
	handler Handler
	logger  *zap.Logger
}

// New builds a Consumer.
func New(cfg config.BrokerConfig, handler Handler, logger *zap.Logger) *Consumer {
	return &Consumer{cfg: cfg, handler: handler, logger: logger}
}

// Run consumes until the context ends, reconnecting on broker failures
// at the configured fixed delay.
func (c *Consumer) Run(ctx context.Context) error {
	delay := time.Duration(c.cfg.ReconnectDelay) * time.Second
	if delay <= 0 {
		delay = 5 * time.Second
	}

	op := func() error {
		if err := c.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Error("broker session ended, reconnecting",
				zap.String("queue", c.cfg.Queue), zap.Error(err))
			return err
		}
		return backoff.Permanent(nil)
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(delay), ctx))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// runOnce holds one connection and consumes until it breaks or the
// context ends.
func (c *Consumer) runOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close() //nolint:errcheck

	// The queue outlives worker restarts; tasks must survive crashes.
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}

	// One unacked task at a time. The analysis can run for hours, so a
	// bigger prefetch would only hold tasks hostage.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.Info("consuming", zap.String("queue", c.cfg.Queue))
	return c.pump(ctx, deliveries, closed)
}

// pump is the single owner of the channel: every Ack/Nack runs here.
// Handlers execute in their own goroutines and send their completions
// back as closures.
func (c *Consumer) pump(ctx context.Context, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) error {
	callbacks := make(chan func(), 1)
	inFlight := 0

	drain := func() {
		for inFlight > 0 {
			fn := <-callbacks
			fn()
			inFlight--
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Finish the task in flight so its ack is not lost.
			drain()
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return fmt.Errorf("connection closed")
			}
			return fmt.Errorf("connection closed: %w", amqpErr)
		case fn := <-callbacks:
			fn()
			inFlight--
		case d, ok := <-deliveries:
			if !ok {
				drain()
				return fmt.Errorf("delivery stream closed")
			}
			inFlight++
			go c.handle(ctx, d, callbacks)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, callbacks chan<- func()) {
	msg := Message{
		Body:          d.Body,
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationId,
	}
	err := c.handler(ctx, msg)

	callbacks <- func() {
		if err != nil {
			// A task interrupted by shutdown goes back on the queue;
			// a task the worker cannot process does not.
			requeue := ctx.Err() != nil
			c.logger.Error("task handling failed, rejecting",
				zap.Bool("requeue", requeue), zap.Error(err))
			if nackErr := d.Nack(false, requeue); nackErr != nil {
				c.logger.Error("nack failed", zap.Error(nackErr))
			}
			return
		}
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("ack failed", zap.Error(ackErr))
		}
	}
}
