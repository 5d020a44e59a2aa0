package urltmpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	body := map[string]any{
		"userName":   "alice smith",
		"externalId": float64(42),
		"name":       map[string]any{"familyName": "Smith/Jones"},
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"no placeholders", "https://crm.example/people", "https://crm.example/people"},
		{"escaped value", "https://crm.example/people/{{userName}}", "https://crm.example/people/alice%20smith"},
		{"nested path", "https://crm.example/{{ name.familyName }}", "https://crm.example/Smith%2FJones"},
		{"number", "https://crm.example/id/{{externalId}}?x=1", "https://crm.example/id/42?x=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(body, tt.template)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_Unresolved(t *testing.T) {
	_, err := Render(map[string]any{"userName": ""}, "https://x/{{userName}}/{{id}}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "userName")
	assert.Contains(t, err.Error(), "id")

	_, err = Renderer{}.Render(map[string]any{"name": map[string]any{}}, "https://x/{{name}}")
	assert.Error(t, err)
}
