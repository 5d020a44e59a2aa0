// Package config loads the gateway process configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
)

// DefaultPath is read when no config file is given.
const DefaultPath = "config.yaml"

// Config is the whole process configuration. Stage and cache descriptors are
// kept raw so external references can be resolved before decoding.
type Config struct {
	Ports     []PortConfig    `koanf:"ports"`
	Admin     AdminConfig     `koanf:"admin"`
	Journal   JournalConfig   `koanf:"journal"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Events    EventsConfig    `koanf:"events"`
	Listeners ListenersConfig `koanf:"listeners"`

	Stages []map[string]any `koanf:"-"`
	Caches []map[string]any `koanf:"-"`
}

// PortConfig is one gateway port: a listen address bound to a protocol
// engine. Stages select the port by Name.
type PortConfig struct {
	Name        string                `koanf:"name"`
	Listen      string                `koanf:"listen"`
	EngineURL   string                `koanf:"engine_url"`
	EngineAuth  domain.AuthDescriptor `koanf:"engine_auth"`
	Credentials []CredentialConfig    `koanf:"credentials"`
	Timeout     time.Duration         `koanf:"timeout"`
	// RateLimit is requests per second accepted by the port; 0 disables it.
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
}

// CredentialConfig is an accepted inbound credential. Secrets are stored as
// SHA-256 hex digests (see `gateway hash-secret`).
type CredentialConfig struct {
	Name         string `koanf:"name"`
	TokenHash    string `koanf:"token_hash"`
	Username     string `koanf:"username"`
	PasswordHash string `koanf:"password_hash"`
}

// AdminConfig configures the operator API (journal, stage table, metrics).
type AdminConfig struct {
	Listen      string             `koanf:"listen"`
	Credentials []CredentialConfig `koanf:"credentials"`
}

// JournalConfig configures the run journal.
type JournalConfig struct {
	Type string `koanf:"type"` // sqlite, memory, none
	Path string `koanf:"path"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Tracing     string `koanf:"tracing"` // stdout, none
	ServiceName string `koanf:"service_name"`
}

// EventsConfig configures the event publisher used by notification stages
// with channel "event".
type EventsConfig struct {
	Type    string `koanf:"type"` // nats, direct, none
	NATSURL string `koanf:"nats_url"`
}

// ListenersConfig configures listener supervision.
type ListenersConfig struct {
	RestartInterval time.Duration `koanf:"restart_interval"`
}

// Port returns the named port configuration.
func (c *Config) Port(name string) (PortConfig, bool) {
	for _, p := range c.Ports {
		if p.Name == name {
			return p, true
		}
	}
	return PortConfig{}, false
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (a missing file is allowed), applies PROV_ environment
// overrides ("__" separates levels) and fills defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("PROV_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "PROV_")), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]any{
		"admin.listen":               ":9090",
		"journal.type":               "sqlite",
		"journal.path":               "provisioning.db",
		"telemetry.tracing":          "stdout",
		"telemetry.service_name":     "provisioning-gateway",
		"events.type":                "none",
		"listeners.restart_interval": "5s",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, val); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Stages = rawList(k, "stages")
	cfg.Caches = rawList(k, "caches")

	for i := range cfg.Ports {
		p := &cfg.Ports[i]
		if p.Listen == "" {
			p.Listen = ":" + p.Name
		}
		if p.Timeout <= 0 {
			p.Timeout = 30 * time.Second
		}
		p.EngineURL = substituteEnvVars(p.EngineURL)
		p.EngineAuth.Password = substituteEnvVars(p.EngineAuth.Password)
		p.EngineAuth.Token = substituteEnvVars(p.EngineAuth.Token)
		p.EngineAuth.ClientSecret = substituteEnvVars(p.EngineAuth.ClientSecret)
	}
	cfg.Events.NATSURL = substituteEnvVars(cfg.Events.NATSURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the process-level settings. Descriptors are validated when
// the pipeline loads them.
func (c *Config) Validate() error {
	if len(c.Ports) == 0 {
		return &domain.ConfigError{Source: "ports", Reason: "at least one port is required"}
	}
	seen := make(map[string]bool, len(c.Ports))
	for _, p := range c.Ports {
		if p.Name == "" {
			return &domain.ConfigError{Source: "ports.name", Reason: "required"}
		}
		if seen[p.Name] {
			return &domain.ConfigError{Source: "ports.name", Reason: fmt.Sprintf("duplicate port %q", p.Name)}
		}
		seen[p.Name] = true
		if p.EngineURL == "" {
			return &domain.ConfigError{Source: "ports." + p.Name + ".engine_url", Reason: "required"}
		}
		if err := p.EngineAuth.Validate(); err != nil {
			return &domain.ConfigError{Source: "ports." + p.Name + ".engine_auth", Reason: err.Error()}
		}
	}
	switch c.Journal.Type {
	case "sqlite", "memory", "none":
	default:
		return &domain.ConfigError{Source: "journal.type", Reason: fmt.Sprintf("unknown journal %q", c.Journal.Type)}
	}
	switch c.Events.Type {
	case "none", "direct":
	case "nats":
		if c.Events.NATSURL == "" {
			return &domain.ConfigError{Source: "events.nats_url", Reason: "required for nats"}
		}
	default:
		return &domain.ConfigError{Source: "events.type", Reason: fmt.Sprintf("unknown publisher %q", c.Events.Type)}
	}
	return nil
}

func rawList(k *koanf.Koanf, key string) []map[string]any {
	sub := k.Slices(key)
	out := make([]map[string]any, 0, len(sub))
	for _, s := range sub {
		out = append(out, s.Raw())
	}
	return out
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
