// Package direct provides an in-process event publisher for single-instance
// deployments and tests.
package direct

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
)

// Handler receives a published envelope.
type Handler func(ctx context.Context, subject string, payload []byte) error

// Publisher implements ports.EventPublisher by calling subscribed handlers
// synchronously. Subscribing to "*" receives every subject.
type Publisher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
	logger   *slog.Logger
}

var _ ports.EventPublisher = (*Publisher)(nil)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

// NewPublisher creates a publisher. With no subscribers, envelopes are logged
// at debug level.
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers fn for subject.
func (p *Publisher) Subscribe(subject string, fn Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[subject] = append(p.handlers[subject], fn)
}

// Publish delivers payload to the subject's handlers and the "*" handlers.
// Every handler runs; their errors are joined.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	handlers := append(append([]Handler(nil), p.handlers[subject]...), p.handlers["*"]...)
	p.mu.RUnlock()

	if len(handlers) == 0 {
		p.logger.Debug("event published",
			slog.String("subject", subject),
			slog.Int("bytes", len(payload)),
		)
		return nil
	}

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, subject, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drops all subscribers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.handlers = nil
	return nil
}
