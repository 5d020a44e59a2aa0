package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/extconfig"
)

func usersPost() []any {
	return []any{map[string]any{"method": "POST", "path": "users"}}
}

func TestDecodeStage_Defaults(t *testing.T) {
	hooks := NewHooks()

	t.Run("interceptor blocks by default", func(t *testing.T) {
		d, err := DecodeStage(map[string]any{
			"kind":             "request",
			"port":             "8880",
			"url":              "https://crm.example.com/people/{{userName}}",
			"allowed_requests": usersPost(),
			"retry_delay":      "250ms",
		}, hooks)
		require.NoError(t, err)
		assert.True(t, d.BlockOnError)
		assert.Equal(t, "GET", d.Method)
		assert.Equal(t, 250*time.Millisecond, d.RetryDelay)
	})

	t.Run("adapter continues by default", func(t *testing.T) {
		d, err := DecodeStage(map[string]any{
			"kind":             "notification",
			"port":             "8880",
			"url":              "https://hooks.example.com/scim",
			"allowed_requests": usersPost(),
		}, hooks)
		require.NoError(t, err)
		assert.False(t, d.BlockOnError)
		require.NotNil(t, d.Notify)
		assert.Equal(t, domain.PhaseAfter, d.Notify.Phase)
		assert.Equal(t, "webhook", d.Notify.Channel)
		assert.Equal(t, "POST", d.Method)
	})

	t.Run("explicit block_on_error wins", func(t *testing.T) {
		d, err := DecodeStage(map[string]any{
			"kind":             "validate-email",
			"port":             "8880",
			"allowed_requests": usersPost(),
			"block_on_error":   false,
		}, hooks)
		require.NoError(t, err)
		assert.False(t, d.BlockOnError)
		assert.Equal(t, domain.EmailCorporate, d.Email.Class)
		assert.True(t, d.Email.ValidateUsername)
	})

	t.Run("rule defaults to all", func(t *testing.T) {
		d, err := DecodeStage(map[string]any{
			"kind":             "rule",
			"port":             "8880",
			"allowed_requests": usersPost(),
			"conditions": []any{
				map[string]any{"fact": "userName", "operator": "notEqual", "value": "root"},
			},
		}, hooks)
		require.NoError(t, err)
		assert.Equal(t, domain.RuleAll, d.Rule.Type)
		assert.Equal(t, []string{"userName"}, d.Rule.Facts())
	})

	t.Run("fetch-and-find defaults", func(t *testing.T) {
		d, err := DecodeStage(map[string]any{
			"kind":             "fetch-and-find",
			"port":             "8880",
			"url":              "https://crm.example.com/units",
			"allowed_requests": usersPost(),
			"request_field":    "externalId",
			"response_field":   "name",
		}, hooks)
		require.NoError(t, err)
		assert.Equal(t, "userbase", d.Find.LinkType)
		assert.Equal(t, "externalId", d.Find.ClearField)
	})

	t.Run("event listener group", func(t *testing.T) {
		d, err := DecodeStage(map[string]any{
			"name":    "hr-feed",
			"kind":    "event-listener",
			"port":    "8880",
			"brokers": []any{"kafka:9092"},
			"topic":   "hr.people",
		}, hooks)
		require.NoError(t, err)
		assert.Equal(t, "provisioning-gateway-hr-feed", d.Listener.GroupID)
		assert.Equal(t, domain.ResourceUser, d.Listener.Resource)
		assert.Equal(t, domain.OpCreate, d.Listener.Operation)
		assert.False(t, d.BlockOnError)
	})

	t.Run("api listener interval", func(t *testing.T) {
		d, err := DecodeStage(map[string]any{
			"kind": "api-listener",
			"port": "8880",
			"url":  "https://hr.example.com/changes",
		}, hooks)
		require.NoError(t, err)
		assert.Equal(t, DefaultListenerInterval, d.Listener.Interval)
		assert.Equal(t, "id", d.Listener.IDField)
	})

	t.Run("headers and body keep dotted keys", func(t *testing.T) {
		urn := "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User"
		d, err := DecodeStage(map[string]any{
			"kind":             "request",
			"port":             "8880",
			"url":              "https://crm.example.com",
			"allowed_requests": usersPost(),
			"headers":          map[string]any{"X-Api-Version": 2},
			"body":             map[string]any{urn: map[string]any{"department": "x"}},
		}, hooks)
		require.NoError(t, err)
		assert.Equal(t, "2", d.Headers["X-Api-Version"])
		assert.Contains(t, d.Body, urn)
	})
}

func TestDecodeStage_Invalid(t *testing.T) {
	hooks := NewHooks()
	tests := []struct {
		name string
		raw  map[string]any
		want string
	}{
		{"missing port", map[string]any{"kind": "rule", "allowed_requests": usersPost()}, "port is required"},
		{"empty allowed_requests", map[string]any{"kind": "validate-email", "port": "1"}, "allowed_requests"},
		{"unknown hook", map[string]any{"kind": "validate-email", "port": "1", "allowed_requests": usersPost(), "on_error": "page-oncall"}, "unknown on_error hook"},
		{"empty conditions", map[string]any{"kind": "rule", "port": "1", "allowed_requests": usersPost()}, "at least one condition"},
		{"unknown operator", map[string]any{"kind": "rule", "port": "1", "allowed_requests": usersPost(),
			"conditions": []any{map[string]any{"fact": "a", "operator": "matches", "value": "b"}}}, "unknown operator"},
		{"request without url", map[string]any{"kind": "request", "port": "1", "allowed_requests": usersPost()}, "requires url"},
		{"bad email class", map[string]any{"kind": "validate-email", "port": "1", "allowed_requests": usersPost(), "type": "edu"}, "public"},
		{"bearer without token", map[string]any{"kind": "request", "port": "1", "url": "http://x", "allowed_requests": usersPost(),
			"auth": map[string]any{"type": "bearer"}}, "bearer auth requires token"},
		{"event notification without subject", map[string]any{"kind": "notification", "port": "1", "allowed_requests": usersPost(), "channel": "event"}, "subject"},
		{"chat without channel", map[string]any{"kind": "chat-message", "port": "1", "allowed_requests": usersPost(), "token": "xoxb"}, "channel_id"},
		{"negative retries", map[string]any{"kind": "request", "port": "1", "url": "http://x", "allowed_requests": usersPost(), "retry_count": -1}, "retry_count"},
		{"request-with-rule without when", map[string]any{"kind": "request-with-rule", "port": "1", "url": "http://x", "allowed_requests": usersPost()}, "requires when"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeStage(tt.raw, hooks)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadStages_ResolvesReferences(t *testing.T) {
	resolver := extconfig.New(extconfig.WithLookupEnv(func(name string) (string, bool) {
		if name == "CRM_TOKEN" {
			return "s3cret", true
		}
		return "", false
	}))

	stages, err := LoadStages([]map[string]any{{
		"name":             "enrich",
		"kind":             "request",
		"port":             "8880",
		"url":              "https://crm.example.com",
		"allowed_requests": usersPost(),
		"auth":             map[string]any{"type": "bearer", "token": "process.env.CRM_TOKEN"},
	}}, resolver, NewHooks())
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "s3cret", stages[0].Auth.Token)
}

func TestLoadStages_KeepsSchemaURNKeys(t *testing.T) {
	const enterprise = "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User"

	stages, err := LoadStages([]map[string]any{{
		"name":             "enrich",
		"kind":             "request",
		"port":             "8880",
		"url":              "https://crm.example.com",
		"allowed_requests": usersPost(),
		"body":             map[string]any{enterprise: map[string]any{"department": "eng"}},
		"headers":          map[string]any{"X-Trace.Id": "abc"},
	}}, extconfig.New(), NewHooks())
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, map[string]any{enterprise: map[string]any{"department": "eng"}}, stages[0].Body)
	assert.Equal(t, "abc", stages[0].Headers["X-Trace.Id"])
}

func TestLoadStages_ConfigError(t *testing.T) {
	_, err := LoadStages([]map[string]any{{"kind": "teleport"}}, nil, NewHooks())
	var cfgErr *domain.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "invalid kind", cfgErr.Reason)

	_, err = LoadStages([]map[string]any{{
		"kind": "request", "port": "1", "url": "http://x", "allowed_requests": usersPost(),
		"auth": map[string]any{"type": "bearer", "token": "process.env.NOT_SET_ANYWHERE"},
	}}, extconfig.New(extconfig.WithLookupEnv(func(string) (string, bool) { return "", false })), NewHooks())
	require.True(t, errors.As(err, &cfgErr))
}

func TestLoadCaches(t *testing.T) {
	caches, err := LoadCaches([]map[string]any{{
		"name":         "org",
		"url":          "https://crm.example.com/org",
		"expires_in":   "10m",
		"default_body": map[string]any{"region": "unknown"},
	}}, nil)
	require.NoError(t, err)
	require.Len(t, caches, 1)
	assert.Equal(t, "GET", caches[0].Method)
	assert.Equal(t, 10*time.Minute, caches[0].ExpiresIn)
	assert.Equal(t, "unknown", caches[0].DefaultBody["region"])

	_, err = LoadCaches([]map[string]any{
		{"name": "org", "url": "http://a"},
		{"name": "org", "url": "http://b"},
	}, nil)
	var cfgErr *domain.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "duplicate cache name", cfgErr.Reason)
}

func TestLoadCaches_BareNumbersAreSeconds(t *testing.T) {
	caches, err := LoadCaches([]map[string]any{{
		"name":        "org",
		"url":         "https://crm.example.com/org",
		"expires_in":  600,
		"retry_delay": 1.5,
	}}, nil)
	require.NoError(t, err)
	require.Len(t, caches, 1)
	assert.Equal(t, 10*time.Minute, caches[0].ExpiresIn)
	assert.Equal(t, 1500*time.Millisecond, caches[0].RetryDelay)

	_, err = LoadCaches([]map[string]any{{
		"name":       "org",
		"url":        "https://crm.example.com/org",
		"expires_in": "600",
	}}, nil)
	assert.Error(t, err)
}
