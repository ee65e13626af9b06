// Package memory keeps published posting events in process. It backs the
// event publisher when no Pub/Sub topic is configured and doubles as a test
// recorder.
package memory

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// DefaultCapacity bounds how many events are retained.
const DefaultCapacity = 1024

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher retains the most recent events, dropping the oldest when full.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	capacity int
	seq      uint64
	logger   *zap.Logger
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithLogger logs every event at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a memory Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{capacity: DefaultCapacity, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish records the event and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := "memory-" + strconv.FormatUint(p.seq, 10)
	if len(p.messages) == p.capacity {
		copy(p.messages, p.messages[1:])
		p.messages = p.messages[:len(p.messages)-1]
	}
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	p.logger.Debug("event recorded", zap.String("id", id), zap.String("topic", topic), zap.Any("payload", payload))
	return id, nil
}

// Messages returns a copy of the retained events, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
