package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
)

const sampleConfig = `
ports:
  - name: "8880"
    engine_url: http://engine:8080/scim/v2
    engine_auth:
      type: bearer
      token: ${ENGINE_TOKEN}
    credentials:
      - name: hr
        token_hash: abc
stages:
  - name: no-root
    kind: rule
    port: "8880"
    position: 1
    conditions:
      - fact: userName
        operator: notEqual
        value: root
caches:
  - name: userbase
    url: http://directory/users
    expires_in: 5m
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("ENGINE_TOKEN", "s3cret")
	path := writeConfig(t, sampleConfig)

	t.Run("file with defaults", func(t *testing.T) {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if len(cfg.Ports) != 1 {
			t.Fatalf("ports = %d, want 1", len(cfg.Ports))
		}
		p := cfg.Ports[0]
		if p.Listen != ":8880" {
			t.Errorf("listen = %q, want :8880", p.Listen)
		}
		if p.Timeout != 30*time.Second {
			t.Errorf("timeout = %v, want 30s", p.Timeout)
		}
		if p.EngineAuth.Token != "s3cret" {
			t.Errorf("engine token = %q, want substituted value", p.EngineAuth.Token)
		}
		if len(p.Credentials) != 1 || p.Credentials[0].TokenHash != "abc" {
			t.Errorf("credentials = %+v", p.Credentials)
		}
		if cfg.Admin.Listen != ":9090" || cfg.Journal.Type != "sqlite" || cfg.Events.Type != "none" {
			t.Errorf("defaults not applied: %+v %+v %+v", cfg.Admin, cfg.Journal, cfg.Events)
		}
		if cfg.Listeners.RestartInterval != 5*time.Second {
			t.Errorf("restart interval = %v", cfg.Listeners.RestartInterval)
		}
	})

	t.Run("raw descriptors", func(t *testing.T) {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if len(cfg.Stages) != 1 || cfg.Stages[0]["name"] != "no-root" {
			t.Fatalf("stages = %v", cfg.Stages)
		}
		if _, ok := cfg.Stages[0]["conditions"].([]any); !ok {
			t.Errorf("conditions should stay a raw list, got %T", cfg.Stages[0]["conditions"])
		}
		if len(cfg.Caches) != 1 || cfg.Caches[0]["expires_in"] != "5m" {
			t.Errorf("caches = %v", cfg.Caches)
		}
	})

	t.Run("env override", func(t *testing.T) {
		t.Setenv("PROV_ADMIN__LISTEN", ":7070")
		t.Setenv("PROV_JOURNAL__TYPE", "none")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Admin.Listen != ":7070" {
			t.Errorf("admin listen = %q, want :7070", cfg.Admin.Listen)
		}
		if cfg.Journal.Type != "none" {
			t.Errorf("journal type = %q, want none", cfg.Journal.Type)
		}
	})
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		source string
	}{
		{"no ports", "admin:\n  listen: \":1\"\n", "ports"},
		{"missing engine", "ports:\n  - name: a\n", "ports.a.engine_url"},
		{"duplicate", "ports:\n  - name: a\n    engine_url: http://e\n  - name: a\n    engine_url: http://e\n", "ports.name"},
		{"bad auth", "ports:\n  - name: a\n    engine_url: http://e\n    engine_auth:\n      type: bearer\n", "ports.a.engine_auth"},
		{"nats without url", "ports:\n  - name: a\n    engine_url: http://e\nevents:\n  type: nats\n", "events.nats_url"},
		{"unknown journal", "ports:\n  - name: a\n    engine_url: http://e\njournal:\n  type: postgres\n", "journal.type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			var cfgErr *domain.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Source != tt.source {
				t.Errorf("source = %q, want %q", cfgErr.Source, tt.source)
			}
		})
	}
}

func TestPort(t *testing.T) {
	cfg := &Config{Ports: []PortConfig{{Name: "8880"}, {Name: "9990"}}}
	if p, ok := cfg.Port("9990"); !ok || p.Name != "9990" {
		t.Errorf("Port(9990) = %+v, %v", p, ok)
	}
	if _, ok := cfg.Port("1"); ok {
		t.Error("Port(1) should not exist")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")
	if got := substituteEnvVars("pre-${TEST_VAR}-${UNSET_TEST_VAR}"); got != "pre-test-value-" {
		t.Errorf("substituteEnvVars() = %q", got)
	}
}
