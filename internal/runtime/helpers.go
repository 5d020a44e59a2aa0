package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/tjfontaine/provisioning-gateway/internal/adapters/events/direct"
	natspub "github.com/tjfontaine/provisioning-gateway/internal/adapters/events/nats"
	"github.com/tjfontaine/provisioning-gateway/internal/auth"
	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/listener"
	"github.com/tjfontaine/provisioning-gateway/internal/pipeline/handlers"
	"github.com/tjfontaine/provisioning-gateway/internal/pkg/config"
	"github.com/tjfontaine/provisioning-gateway/internal/server"
	"github.com/tjfontaine/provisioning-gateway/internal/storage/memory"
	"github.com/tjfontaine/provisioning-gateway/internal/storage/sqlite"
)

// credentials converts configured credentials for the authenticator.
func credentials(cfgs []config.CredentialConfig) []auth.Credential {
	out := make([]auth.Credential, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, auth.Credential{
			Name:         c.Name,
			TokenHash:    c.TokenHash,
			Username:     c.Username,
			PasswordHash: c.PasswordHash,
		})
	}
	return out
}

// callbackBaseURLs maps a port name to the gateway's own base URL on that
// port. Unknown ports fall back to localhost:<name>.
func callbackBaseURLs(cfg *config.Config) func(port string) string {
	urls := make(map[string]string, len(cfg.Ports))
	for _, p := range cfg.Ports {
		host, portNum, err := net.SplitHostPort(p.Listen)
		if err != nil {
			continue
		}
		switch host {
		case "", "0.0.0.0", "::":
			host = "localhost"
		}
		urls[p.Name] = "http://" + net.JoinHostPort(host, portNum)
	}
	return func(port string) string {
		if u, ok := urls[port]; ok {
			return u
		}
		return handlers.LocalCallbackURL(port)
	}
}

// portDispatcher routes listener events to the server of their port.
type portDispatcher map[string]*server.Server

func (d portDispatcher) Dispatch(ctx context.Context, ev listener.Event) (int, error) {
	s, ok := d[ev.Port]
	if !ok {
		return 0, fmt.Errorf("no gateway port %q", ev.Port)
	}
	return s.Dispatch(ctx, ev)
}

// checkStagePorts rejects listener stages that name an unconfigured port;
// their events would have nowhere to go.
func checkStagePorts(cfg *config.Config, listeners []*domain.StageDescriptor) error {
	for _, st := range listeners {
		if _, ok := cfg.Port(st.Port); !ok {
			return &domain.ConfigError{
				Source: st.Label(),
				Reason: fmt.Sprintf("listener port %q is not configured", st.Port),
			}
		}
	}
	return nil
}

func openJournal(cfg config.JournalConfig, logger *slog.Logger) (ports.RunJournal, error) {
	switch strings.ToLower(cfg.Type) {
	case "sqlite":
		store, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		logger.Info("run journal enabled", slog.String("type", "sqlite"), slog.String("path", cfg.Path))
		return store, nil
	case "memory":
		logger.Info("run journal enabled", slog.String("type", "memory"))
		return memory.New(0), nil
	}
	logger.Info("run journal disabled")
	return nil, nil
}

func openPublisher(cfg config.EventsConfig, subs []subscription, logger *slog.Logger) (ports.EventPublisher, error) {
	switch strings.ToLower(cfg.Type) {
	case "nats":
		pub, err := natspub.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return pub, nil
	case "direct":
		pub := direct.NewPublisher(logger)
		for _, s := range subs {
			pub.Subscribe(s.subject, s.handler)
		}
		return pub, nil
	}
	if len(subs) > 0 {
		logger.Warn("event subscribers registered but events are disabled")
	}
	return nil, nil
}
