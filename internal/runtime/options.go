package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/provisioning-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/provisioning-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/listener"
	"github.com/tjfontaine/provisioning-gateway/internal/pipeline"
	"github.com/tjfontaine/provisioning-gateway/internal/pipeline/handlers"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig reads configuration from a YAML file (default).
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithJournal overrides the journal named in the configuration.
func WithJournal(journal ports.RunJournal) Option {
	return func(g *Gateway) error {
		g.journal = journal
		return nil
	}
}

// WithEventPublisher overrides the publisher named in the configuration.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(g *Gateway) error {
		g.events = publisher
		return nil
	}
}

// WithSubscriber receives notification envelopes published on subject when
// events.type is "direct". Subject "*" receives every envelope.
func WithSubscriber(subject string, fn direct.Handler) Option {
	return func(g *Gateway) error {
		if fn == nil {
			return fmt.Errorf("subscriber for %q is nil", subject)
		}
		g.subscribers = append(g.subscribers, subscription{subject: subject, handler: fn})
		return nil
	}
}

// WithHook registers a named on_error hook that stage descriptors may
// reference.
func WithHook(name string, fn pipeline.HookFunc) Option {
	return func(g *Gateway) error {
		if name == "" || fn == nil {
			return fmt.Errorf("hook requires a name and a function")
		}
		g.hooks.Register(name, fn)
		return nil
	}
}

// WithMetricsRegistry sets the registry metrics are registered with and
// served from on the admin port.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(g *Gateway) error {
		g.registry = reg
		return nil
	}
}

// WithHTTPClient sets the client used for engine calls and upstream fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) error {
		g.httpClient = c
		return nil
	}
}

// WithGroupFactory replaces the Kafka consumer group constructor used by
// event listeners.
func WithGroupFactory(f listener.GroupFactory) Option {
	return func(g *Gateway) error {
		g.groupFactory = f
		return nil
	}
}

// WithChatSender replaces the Slack client used by chat-message stages.
func WithChatSender(s handlers.ChatSender) Option {
	return func(g *Gateway) error {
		g.chat = s
		return nil
	}
}

// WithSMSSender replaces the Twilio client used by sms-message stages.
func WithSMSSender(s handlers.SMSSender) Option {
	return func(g *Gateway) error {
		g.sms = s
		return nil
	}
}

type subscription struct {
	subject string
	handler direct.Handler
}
