// Package nats publishes notification envelopes to a NATS server.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
)

// Publisher implements ports.EventPublisher over a NATS connection.
type Publisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher connects to url. The connection reconnects forever; publishes
// made while disconnected are buffered by the client.
func NewPublisher(url string, logger *slog.Logger, opts ...nats.Option) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base := []nats.Option{
		nats.Name("provisioning-gateway"),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("connected to nats", slog.String("url", conn.ConnectedUrl()))
	return &Publisher{conn: conn, logger: logger}, nil
}

// Publish sends payload on subject and waits for the server to acknowledge
// the flush or for ctx to end.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
