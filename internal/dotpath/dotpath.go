// Package dotpath reads and writes nested JSON-like values by dotted path
// ("name.givenName", "emails.0.value").
package dotpath

import (
	"sort"
	"strconv"
	"strings"

	"github.com/knadh/koanf/maps"
)

// Split breaks path into segments. A SCIM schema URN segment
// ("urn:ietf:params:scim:schemas:extension:enterprise:2.0:User") is kept
// whole even though its version contains a dot.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	var parts []string
	for {
		end := segmentEnd(path)
		parts = append(parts, path[:end])
		if end >= len(path) {
			return parts
		}
		path = path[end+1:]
	}
}

func segmentEnd(p string) int {
	if strings.HasPrefix(p, urnPrefix) {
		last := strings.LastIndex(p, ":")
		if dot := strings.IndexByte(p[last:], '.'); dot >= 0 {
			return last + dot
		}
		return len(p)
	}
	if dot := strings.IndexByte(p, '.'); dot >= 0 {
		return dot
	}
	return len(p)
}

const urnPrefix = "urn:"

// Get returns the value at path, descending into maps and slices.
func Get(v map[string]any, path string) (any, bool) {
	parts := Split(path)
	if len(parts) == 0 {
		return nil, false
	}
	return get(v, parts)
}

func get(v map[string]any, parts []string) (any, bool) {
	var cur any = v
	for _, part := range parts {
		switch t := cur.(type) {
		case map[string]any:
			next, ok := t[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			cur = t[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set writes val at path, creating intermediate maps. Slices along the path
// are indexed when the segment is numeric and in range.
func Set(v map[string]any, path string, val any) {
	parts := Split(path)
	if len(parts) == 0 {
		return
	}
	set(v, parts, val)
}

func set(cur map[string]any, parts []string, val any) {
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = val
			return
		}
		switch next := cur[part].(type) {
		case map[string]any:
			cur = next
		case []any:
			idx, err := strconv.Atoi(parts[i+1])
			if err != nil || idx < 0 || idx >= len(next) {
				m := map[string]any{}
				cur[part] = m
				cur = m
				continue
			}
			if i+1 == len(parts)-1 {
				next[idx] = val
				return
			}
			m, ok := next[idx].(map[string]any)
			if !ok {
				m = map[string]any{}
				next[idx] = m
			}
			set(m, parts[i+2:], val)
			return
		default:
			m := map[string]any{}
			cur[part] = m
			cur = m
		}
	}
}

// Delete removes the value at path. Missing paths are ignored.
func Delete(v map[string]any, path string) {
	parts := Split(path)
	switch len(parts) {
	case 0:
		return
	case 1:
		delete(v, parts[0])
		return
	}
	parent, ok := get(v, parts[:len(parts)-1])
	if !ok {
		return
	}
	if m, ok := parent.(map[string]any); ok {
		delete(m, parts[len(parts)-1])
	}
}

// Flatten returns a single-level map keyed by dotted path. Unlike
// maps.Flatten it also descends into slices, using the element index as the
// path segment.
func Flatten(v map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", v, out)
	return out
}

func flatten(prefix string, v any, out map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 && prefix != "" {
			out[prefix] = t
		}
		for k, val := range t {
			flatten(join(k), val, out)
		}
	case []any:
		if len(t) == 0 && prefix != "" {
			out[prefix] = t
		}
		for i, val := range t {
			flatten(join(strconv.Itoa(i)), val, out)
		}
	default:
		out[prefix] = v
	}
}

// Unflatten expands dotted keys into nested values. Maps whose keys are
// exactly 0..n-1 become slices, so Unflatten(Flatten(v)) round-trips.
func Unflatten(v map[string]any) map[string]any {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any)
	for _, k := range keys {
		parts := Split(k)
		if len(parts) == 0 {
			continue
		}
		cur := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := cur[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[part] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = v[k]
	}
	for k, val := range out {
		out[k] = restoreSlices(val)
	}
	return out
}

func restoreSlices(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, val := range m {
		m[k] = restoreSlices(val)
	}
	if len(m) == 0 {
		return m
	}
	s := make([]any, len(m))
	for k, val := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(m) || strconv.Itoa(i) != k {
			return m
		}
		s[i] = val
	}
	return s
}

// Copy returns a deep copy of v.
func Copy(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return maps.Copy(v)
}
