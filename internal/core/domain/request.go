package domain

import (
	"net/http"
	"strings"
)

// RequestContext is the mutable carrier for one pipeline run. It is owned by
// exactly one run and never shared.
type RequestContext struct {
	RunID   string
	Port    string
	Method  string
	Path    string
	Headers http.Header
	Body    map[string]any

	// Status and Response describe the outbound result. They are set either by
	// an aborting stage or from the protocol engine's reply.
	Status   int
	Response map[string]any

	// Diagnostics accumulates rule gate violations across the run.
	Diagnostics []string

	// AdapterFailure holds the detail of a blocking after-phase adapter
	// failure. The reply has already been sent, so Status is left alone.
	AdapterFailure string
}

// NewRequestContext creates a context for one inbound operation.
func NewRequestContext(runID, port, method, path string, headers http.Header, body map[string]any) *RequestContext {
	if headers == nil {
		headers = http.Header{}
	}
	if body == nil {
		body = map[string]any{}
	}
	return &RequestContext{
		RunID:   runID,
		Port:    port,
		Method:  strings.ToUpper(method),
		Path:    path,
		Headers: headers,
		Body:    body,
	}
}

// Resource returns the lower-cased first path segment ("users" for /Users/42).
func (rc *RequestContext) Resource() string {
	return FirstSegment(rc.Path)
}

// Segments splits the path into its non-empty segments.
func (rc *RequestContext) Segments() []string {
	var out []string
	for _, s := range strings.Split(rc.Path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// AddDiagnostics appends gate messages without clearing earlier ones.
func (rc *RequestContext) AddDiagnostics(msgs ...string) {
	rc.Diagnostics = append(rc.Diagnostics, msgs...)
}

// Abort marks the run as rejected with a 400 SCIM error body.
func (rc *RequestContext) Abort(detail string) {
	body := NewErrorBody(detail)
	rc.Status = body.Status
	rc.Response = body.Map()
}

// FirstSegment returns the lower-cased first non-empty segment of a URL path.
func FirstSegment(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			return strings.ToLower(s)
		}
	}
	return ""
}
