// Package file provides file-based configuration.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/pkg/config"
)

var _ ports.ConfigProvider = (*Provider)(nil)

// Provider implements ports.ConfigProvider for a YAML file. Descriptors are
// immutable for the life of the process, so the file is read once per Load.
type Provider struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current *config.Config
}

// NewProvider creates a file-based config provider.
func NewProvider(path string) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	return &Provider{
		path:   path,
		logger: slog.Default(),
	}, nil
}

// Load reads and validates the configuration.
func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(p.path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.current = cfg
	p.mu.Unlock()

	p.logger.Info("config loaded",
		slog.String("path", p.path),
		slog.Int("ports", len(cfg.Ports)),
		slog.Int("stages", len(cfg.Stages)),
		slog.Int("caches", len(cfg.Caches)),
	)
	return cfg, nil
}

// Current returns the last loaded configuration, or nil.
func (p *Provider) Current() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Close implements ports.ConfigProvider.
func (p *Provider) Close() error { return nil }
