// Package urltmpl renders endpoint URLs from request bodies.
//
// Placeholders take the form {{dotted.path}} and are replaced with the
// path-escaped value found in the body. A placeholder with no value is an
// error rather than an empty segment.
package urltmpl

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/dotpath"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// Renderer implements ports.URLRenderer.
type Renderer struct{}

// Render substitutes body values into template.
func (Renderer) Render(body map[string]any, template string) (string, error) {
	return Render(body, template)
}

// Render substitutes body values into template.
func Render(body map[string]any, template string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v, ok := dotpath.Get(body, path)
		s, scalar := scalarString(v)
		if !ok || !scalar {
			missing = append(missing, path)
			return m
		}
		return url.PathEscape(s)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved url placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}

var _ ports.URLRenderer = Renderer{}
