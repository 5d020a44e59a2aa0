package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tjfontaine/provisioning-gateway/internal/auth"
)

const validConfig = `
ports:
  - name: scim
    listen: ":8880"
    engine_url: http://engine.internal:8080/scim/v2
stages:
  - name: no-privileged-names
    kind: rule
    port: scim
    position: 1
    on_error: page-oncall
    allowed_requests:
      - method: POST
        path: users
    conditions:
      - fact: userName
        operator: notEqual
        value: root
`

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, validConfig)

	out, err := runCLI(t, "", "validate", "--config", path, "--hook", "page-oncall")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	for _, want := range []string{"port scim", "no-privileged-names", "POST users", "configuration OK: 1 ports, 1 stages, 0 caches"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestValidateCommand_UnknownHook(t *testing.T) {
	path := writeConfig(t, validConfig)

	_, err := runCLI(t, "", "validate", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "page-oncall") {
		t.Fatalf("expected unknown hook error, got %v", err)
	}
}

func TestValidateCommand_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "ports: []\n")

	if _, err := runCLI(t, "", "validate", "--config", path); err == nil {
		t.Fatal("expected error for config without ports")
	}
}

func TestHashSecretCommand(t *testing.T) {
	out, err := runCLI(t, "", "hash-secret", "t0ken")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != auth.HashSecret("t0ken") {
		t.Errorf("hash = %q", out)
	}

	out, err = runCLI(t, "from-stdin\n", "hash-secret")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != auth.HashSecret("from-stdin") {
		t.Errorf("stdin hash = %q", out)
	}

	if _, err := runCLI(t, "", "hash-secret"); err == nil {
		t.Error("expected error for empty stdin")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("unexpected log output: %s", buf.String())
	}

	if _, err := newLogger("loud", &buf); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestInvalidLogLevelFlag(t *testing.T) {
	if _, err := runCLI(t, "", "hash-secret", "x", "--log-level", "loud"); err == nil {
		t.Error("expected error for invalid --log-level")
	}
}
