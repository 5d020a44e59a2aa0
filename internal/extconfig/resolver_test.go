package extconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestResolve_Env(t *testing.T) {
	r := New(WithLookupEnv(func(k string) (string, bool) {
		if k == "CRM_TOKEN" {
			return "s3cret", true
		}
		return "", false
	}))

	out, err := r.Resolve("request", map[string]any{
		"url":  "https://crm.example/api",
		"auth": map[string]any{"type": "bearer", "token": "process.env.CRM_TOKEN"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", out["auth"].(map[string]any)["token"])
	assert.Equal(t, "https://crm.example/api", out["url"])
}

func TestResolve_MissingEnv(t *testing.T) {
	r := New(WithLookupEnv(func(string) (string, bool) { return "", false }))

	_, err := r.Resolve("request", map[string]any{"token": "process.env.NOPE"})
	require.Error(t, err)

	var cfgErr *domain.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "request", cfgErr.Source)
	assert.Contains(t, err.Error(), "NOPE")
}

func TestResolve_Text(t *testing.T) {
	path := writeFile(t, "key.pem", "-----BEGIN KEY-----\nabc\n")
	r := New()

	out, err := r.Resolve("chat-message", map[string]any{
		"a": "process.text." + path,
		"b": "process.text." + path,
	})
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN KEY-----\nabc\n", out["a"])
	assert.Equal(t, out["a"], out["b"])
}

func TestResolve_MissingText(t *testing.T) {
	_, err := New().Resolve("x", map[string]any{"a": "process.text./does/not/exist"})
	assert.Equal(t, domain.ErrorKindConfiguration, domain.KindOf(err))
}

func TestResolve_JSONFile(t *testing.T) {
	path := writeFile(t, "secrets.json", `{
		"request": {
			"auth": {"password": "pw"},
			"headers.X-Api-Key": "k1"
		},
		"rule": {
			"allowed": ["a", "b", "c"]
		}
	}`)
	r := New()

	out, err := r.Resolve("request", map[string]any{
		"auth":    map[string]any{"type": "basic", "username": "svc", "password": "process.file." + path},
		"headers": map[string]any{"X-Api-Key": "process.file." + path},
	})
	require.NoError(t, err)
	assert.Equal(t, "pw", out["auth"].(map[string]any)["password"])
	assert.Equal(t, "k1", out["headers"].(map[string]any)["X-Api-Key"])

	out, err = r.Resolve("rule", map[string]any{"allowed": "process.file." + path})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, out["allowed"])
}

func TestResolve_JSONFileMissingKey(t *testing.T) {
	path := writeFile(t, "secrets.json", `{"request": {}}`)

	_, err := New().Resolve("request", map[string]any{"token": "process.file." + path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request.token")
}

func TestResolve_JSONFileUnparseable(t *testing.T) {
	path := writeFile(t, "bad.json", `{not json`)

	_, err := New().Resolve("request", map[string]any{"token": "process.file." + path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON parse")
}

func TestResolve_LeavesNonReferencesAlone(t *testing.T) {
	raw := map[string]any{
		"position": 3,
		"rule": map[string]any{
			"conditions": []any{
				map[string]any{"fact": "userName", "operator": "notEqual", "value": "root"},
			},
		},
	}
	out, err := New().Resolve("rule", raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestResolve_KeepsDottedKeys(t *testing.T) {
	const enterprise = "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User"
	r := New(WithLookupEnv(func(string) (string, bool) { return "eng", true }))

	out, err := r.Resolve("request", map[string]any{
		"body": map[string]any{
			enterprise: map[string]any{"department": "process.env.DEPT"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{enterprise: map[string]any{"department": "eng"}}, out["body"])
}

func TestResolve_DoesNotMutateInput(t *testing.T) {
	raw := map[string]any{"auth": map[string]any{"token": "process.env.TOKEN"}}
	r := New(WithLookupEnv(func(string) (string, bool) { return "s3cret", true }))

	_, err := r.Resolve("request", raw)
	require.NoError(t, err)
	assert.Equal(t, "process.env.TOKEN", raw["auth"].(map[string]any)["token"])
}
