// Package extconfig resolves external references inside raw descriptors.
//
// A string value may point outside the configuration file:
//
//	process.env.NAME    value of environment variable NAME
//	process.text.PATH   whole contents of the file at PATH
//	process.file.PATH   JSON file at PATH, looked up by "<scope>.<key>"
//
// For process.file references the lookup key is the descriptor scope followed
// by the dotted path of the referencing field. When that key is absent but
// "<key>.0", "<key>.1", ... exist, the field becomes an ordered list.
package extconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/dotpath"
)

const (
	prefixEnv  = "process.env."
	prefixText = "process.text."
	prefixFile = "process.file."
)

// Resolver resolves process.* references.
type Resolver struct {
	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(r *Resolver) { r.lookupEnv = fn }
}

// WithReadFile replaces os.ReadFile.
func WithReadFile(fn func(string) ([]byte, error)) Option {
	return func(r *Resolver) { r.readFile = fn }
}

// New creates a resolver backed by the process environment and filesystem.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		lookupEnv: os.LookupEnv,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns a copy of raw with every reference replaced. Keys are never
// rewritten, so keys containing dots survive resolution. Any reference that
// cannot be satisfied yields a *domain.ConfigError.
func (r *Resolver) Resolve(scope string, raw map[string]any) (map[string]any, error) {
	w := &walker{
		r:     r,
		scope: scope,
		texts: map[string]string{},
		files: map[string]map[string]any{},
	}
	out, err := w.walk("", dotpath.Copy(raw))
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// walker carries per-Resolve caches so each referenced file is read once.
type walker struct {
	r     *Resolver
	scope string
	texts map[string]string
	files map[string]map[string]any
}

func (w *walker) walk(key string, v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			val, err := w.walk(join(key, k), t[k])
			if err != nil {
				return nil, err
			}
			t[k] = val
		}
		return t, nil
	case []any:
		for i, item := range t {
			val, err := w.walk(join(key, strconv.Itoa(i)), item)
			if err != nil {
				return nil, err
			}
			t[i] = val
		}
		return t, nil
	case string:
		return w.resolve(key, t)
	default:
		return v, nil
	}
}

func join(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "." + k
}

func (w *walker) resolve(key, raw string) (any, error) {
	s := strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(s, prefixEnv):
		name := strings.TrimPrefix(s, prefixEnv)
		val, ok := w.r.lookupEnv(name)
		if !ok || val == "" {
			return nil, &domain.ConfigError{
				Source: w.scope,
				Reason: fmt.Sprintf("can't use none existing environment: %q", name),
			}
		}
		return val, nil

	case strings.HasPrefix(s, prefixText):
		path := strings.TrimPrefix(s, prefixText)
		if text, ok := w.texts[path]; ok {
			return text, nil
		}
		b, err := w.r.readFile(path)
		if err != nil {
			return nil, &domain.ConfigError{
				Source: w.scope,
				Reason: fmt.Sprintf("can't read text from external file: %q", path),
				Err:    err,
			}
		}
		w.texts[path] = string(b)
		return string(b), nil

	case strings.HasPrefix(s, prefixFile):
		path := strings.TrimPrefix(s, prefixFile)
		content, ok := w.files[path]
		if !ok {
			var err error
			content, err = w.r.loadJSON(w.scope, path)
			if err != nil {
				return nil, err
			}
			w.files[path] = content
		}
		lookup := w.scope + "." + key
		if val, ok := content[lookup]; ok {
			return val, nil
		}
		var list []any
		for i := 0; ; i++ {
			val, ok := content[lookup+"."+strconv.Itoa(i)]
			if !ok {
				break
			}
			list = append(list, val)
		}
		if len(list) == 0 {
			return nil, &domain.ConfigError{
				Source: w.scope,
				Reason: fmt.Sprintf("external JSON file %q does not contain key: %q", path, lookup),
			}
		}
		return list, nil
	}
	return raw, nil
}

// loadJSON parses a JSON file and returns it flattened. Both nested objects
// and dotted keys are accepted.
func (r *Resolver) loadJSON(scope, path string) (map[string]any, error) {
	b, err := r.readFile(path)
	if err != nil {
		return nil, &domain.ConfigError{
			Source: scope,
			Reason: fmt.Sprintf("can't read external configuration file: %q", path),
			Err:    err,
		}
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, &domain.ConfigError{
			Source: scope,
			Reason: fmt.Sprintf("can't JSON parse external file: %q", path),
			Err:    err,
		}
	}
	return dotpath.Flatten(dotpath.Unflatten(dotpath.Flatten(doc))), nil
}
