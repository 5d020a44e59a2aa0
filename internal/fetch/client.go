// Package fetch calls external JSON endpoints with bounded retries and
// projects their responses through attribute mappings.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/dotpath"
)

// DefaultTimeout bounds a single attempt when the client has no timeout.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps upstream bodies.
const maxResponseBytes = 10 << 20

// Request describes one external call.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Auth    domain.AuthDescriptor
	Body    map[string]any
	Mapping []domain.Mapping

	RetryCount   int
	RetryDelay   time.Duration
	BlockOnError bool
	DefaultBody  map[string]any

	// CallbackBaseURL resolves relative OAuth2 token URLs.
	CallbackBaseURL string
}

// Attempts is the number of calls a request may make.
func (r Request) Attempts() int {
	return max(r.RetryCount, 1)
}

// Client performs fetches.
type Client struct {
	httpClient *http.Client
	auth       ports.AuthFormatter
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for calls.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// NewClient creates a fetch client. The default HTTP client is instrumented
// with otelhttp so each attempt appears as a child span.
func NewClient(auth ports.AuthFormatter, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		auth:   auth,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do retries the call until it succeeds or the attempts run out and returns
// the decoded JSON response. Exhaustion always yields a
// *domain.FetchExhaustedError; callers decide whether it blocks.
func (c *Client) Do(ctx context.Context, req Request) (any, error) {
	attempts := req.Attempts()
	var out any
	made, err := Retry(ctx, attempts, req.RetryDelay, func(attempt int) error {
		v, err := c.once(ctx, req)
		if err != nil {
			c.logger.Debug("fetch attempt failed",
				slog.String("url", req.URL),
				slog.Int("attempt", attempt),
				slog.Int("attempts", attempts),
				slog.String("error", err.Error()),
			)
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, &domain.FetchExhaustedError{URL: req.URL, Attempts: made, Err: err}
	}
	return out, nil
}

// FetchWithRetry calls the endpoint and projects the response through
// req.Mapping onto a copy of req.DefaultBody.
//
// When every attempt fails a blocking request returns the
// *domain.FetchExhaustedError. A non-blocking request logs the degradation
// and returns DefaultBody with the mapped destinations absent.
func (c *Client) FetchWithRetry(ctx context.Context, req Request) (map[string]any, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		if req.BlockOnError {
			return nil, err
		}
		c.logger.Warn("fetch degraded to default body",
			slog.String("url", req.URL),
			slog.String("error", fmt.Errorf("%w: %w", domain.ErrFetchDegraded, err).Error()),
		)
		return Project(nil, req.Mapping, req.DefaultBody), nil
	}
	return Project(resp, req.Mapping, req.DefaultBody), nil
}

// Project copies mapped fields from src onto a deep copy of base. A source
// field that is absent leaves its destination absent. With no mapping the
// whole source object is merged onto base.
func Project(src any, mapping []domain.Mapping, base map[string]any) map[string]any {
	out := dotpath.Copy(base)
	srcMap, _ := src.(map[string]any)

	if len(mapping) == 0 {
		for k, v := range srcMap {
			out[k] = v
		}
		return out
	}
	for _, m := range mapping {
		dst := m.MapTo
		if dst == "" {
			dst = m.Name
		}
		v, ok := dotpath.Get(srcMap, m.Name)
		if !ok {
			dotpath.Delete(out, dst)
			continue
		}
		dotpath.Set(out, dst, v)
	}
	return out
}

func (c *Client) once(ctx context.Context, req Request) (any, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil && method != http.MethodGet {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if c.auth != nil {
		tok, err := c.auth.Resolve(ctx, req.Auth, req.CallbackBaseURL)
		if err != nil {
			return nil, fmt.Errorf("resolve auth: %w", err)
		}
		if tok.Value != "" {
			httpReq.Header.Set("Authorization", tok.Value)
		}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, nil
	}

	var out any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
