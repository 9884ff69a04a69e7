package consumer

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Memory is a bounded in-memory task queue with the same handler
// contract as the broker consumer. It backs tests and broker-less local
// runs; rejected messages are dropped, not redelivered.
type Memory struct {
	messages chan Message
	handler  Handler
	logger   *zap.Logger
}

// NewMemory builds an in-memory consumer with the given queue depth.
func NewMemory(depth int, handler Handler, logger *zap.Logger) *Memory {
	if depth <= 0 {
		depth = 1
	}
	return &Memory{
		messages: make(chan Message, depth),
		handler:  handler,
		logger:   logger,
	}
}

// Enqueue adds a message, failing when the queue is full.
func (m *Memory) Enqueue(msg Message) error {
	select {
	case m.messages <- msg:
		return nil
	default:
		return fmt.Errorf("queue full")
	}
}

// Run handles messages one at a time until the context ends.
func (m *Memory) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.messages:
			if err := m.handler(ctx, msg); err != nil {
				m.logger.Error("task handling failed, dropping", zap.Error(err))
			}
		}
	}
}
