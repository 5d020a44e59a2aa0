// Package engine talks to the SCIM protocol engine that the pipeline wraps.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
)

const (
	defaultTimeout = 30 * time.Second
	contentType    = "application/scim+json"

	// PatchOpSchema is the SCIM PATCH request schema.
	PatchOpSchema = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAuth sets the descriptor used to authorize engine calls.
func WithAuth(desc domain.AuthDescriptor, formatter ports.AuthFormatter, callbackBaseURL string) ClientOption {
	return func(c *Client) {
		c.auth = desc
		c.formatter = formatter
		c.callbackBaseURL = callbackBaseURL
	}
}

// Client is a SCIM 2.0 HTTP client bound to one engine base URL.
type Client struct {
	Mapper

	baseURL         string
	httpClient      *http.Client
	auth            domain.AuthDescriptor
	formatter       ports.AuthFormatter
	callbackBaseURL string
}

var _ ports.ProtocolEngine = (*Client)(nil)

// NewClient creates a client for the engine at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the engine base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Response is a raw engine reply.
type Response struct {
	Status int
	Header http.Header
	// Body is the decoded JSON object; nil for empty or non-object replies.
	Body map[string]any
	Raw  []byte
}

// Error is returned by the typed operations for non-2xx replies.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine error (status %d): %s", e.Status, e.Detail)
}

// Do sends a request to path (relative to the base URL) and returns the
// reply whatever its status.
func (c *Client) Do(ctx context.Context, method, path, rawQuery string, body map[string]any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	target := c.baseURL + "/" + strings.TrimPrefix(path, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if err := c.setHeaders(ctx, httpReq, reader != nil); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := &Response{Status: resp.StatusCode, Header: resp.Header, Raw: raw}
	if len(bytes.TrimSpace(raw)) > 0 {
		// Non-object bodies are passed through in Raw only.
		_ = json.Unmarshal(raw, &out.Body)
	}
	return out, nil
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request, hasBody bool) error {
	req.Header.Set("Accept", contentType)
	if hasBody {
		req.Header.Set("Content-Type", contentType)
	}
	if c.formatter == nil {
		return nil
	}
	tok, err := c.formatter.Resolve(ctx, c.auth, c.callbackBaseURL)
	if err != nil {
		return fmt.Errorf("resolve engine auth: %w", err)
	}
	if tok.Value != "" {
		req.Header.Set("Authorization", tok.Value)
	}
	return nil
}

func (c *Client) expect(ctx context.Context, method, path string, body map[string]any) (map[string]any, error) {
	resp, err := c.Do(ctx, method, path, "", body)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		detail, _ := resp.Body["detail"].(string)
		if detail == "" {
			detail = strings.TrimSpace(string(resp.Raw))
		}
		return nil, &Error{Status: resp.Status, Detail: detail}
	}
	return resp.Body, nil
}

func resourcePath(resource domain.ResourceType, id string) string {
	p := "/" + resource.Collection()
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

// Get fetches one resource.
func (c *Client) Get(ctx context.Context, resource domain.ResourceType, id string) (map[string]any, error) {
	return c.expect(ctx, http.MethodGet, resourcePath(resource, id), nil)
}

// Create posts a new resource.
func (c *Client) Create(ctx context.Context, resource domain.ResourceType, body map[string]any) (map[string]any, error) {
	return c.expect(ctx, http.MethodPost, resourcePath(resource, ""), body)
}

// ReplacePatch wraps attributes in a SCIM PatchOp replacing them.
func ReplacePatch(body map[string]any) map[string]any {
	return map[string]any{
		"schemas": []any{PatchOpSchema},
		"Operations": []any{
			map[string]any{"op": "replace", "value": body},
		},
	}
}

// Modify replaces the given attributes with a SCIM PatchOp.
func (c *Client) Modify(ctx context.Context, resource domain.ResourceType, id string, body map[string]any) (map[string]any, error) {
	return c.expect(ctx, http.MethodPatch, resourcePath(resource, id), ReplacePatch(body))
}

// Delete removes a resource.
func (c *Client) Delete(ctx context.Context, resource domain.ResourceType, id string) error {
	_, err := c.expect(ctx, http.MethodDelete, resourcePath(resource, id), nil)
	return err
}
