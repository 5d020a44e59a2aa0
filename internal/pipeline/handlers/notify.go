package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/dotpath"
	"github.com/tjfontaine/provisioning-gateway/internal/fetch"
)

const (
	channelWebhook = "webhook"
	channelEvent   = "event"
)

// Envelope is the payload sent by notification adapters.
type Envelope struct {
	Info EnvelopeInfo   `json:"info"`
	Data map[string]any `json:"data"`
}

// EnvelopeInfo describes the operation that triggered a notification.
type EnvelopeInfo struct {
	URL     string `json:"url"`
	Method  string `json:"method"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Event   string `json:"event,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

// NewEnvelope builds the notification payload for a stage. Data is the
// engine response for payload "response" and the (mutated) request body
// otherwise. When the path names a resource instance, data.userName falls
// back to the last path segment.
func NewEnvelope(rc *domain.RequestContext, stage *domain.StageDescriptor) Envelope {
	n := stage.Notify

	var data map[string]any
	if n.Payload == "response" {
		data = dotpath.Copy(rc.Response)
	} else {
		data = dotpath.Copy(rc.Body)
	}

	if segs := rc.Segments(); len(segs) > 1 {
		if s, _ := data["userName"].(string); s == "" {
			data["userName"] = segs[len(segs)-1]
		}
	}

	return Envelope{
		Info: EnvelopeInfo{
			URL:     rc.Path,
			Method:  rc.Method,
			Type:    string(n.Phase),
			Payload: n.Payload,
			Event:   n.Event,
			RunID:   rc.RunID,
		},
		Data: data,
	}
}

// Notification delivers the envelope to a webhook or publishes it as an
// event.
func (h *Handlers) Notification(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) error {
	trace.SpanFromContext(ctx).AddEvent("adapter: sending notification")
	env := NewEnvelope(rc, stage)

	payload, err := json.Marshal(env)
	if err != nil {
		return &domain.AdapterError{Channel: stage.Notify.Channel, Err: err}
	}

	switch stage.Notify.Channel {
	case channelEvent:
		if h.deps.Publisher == nil {
			return &domain.AdapterError{Channel: channelEvent, Err: errors.New("no event publisher configured")}
		}
		if err := h.deps.Publisher.Publish(ctx, stage.Notify.Subject, payload); err != nil {
			return &domain.AdapterError{Channel: channelEvent, Err: err}
		}
		return nil
	default:
		if err := h.postWebhook(ctx, rc, stage, payload); err != nil {
			return &domain.AdapterError{Channel: channelWebhook, Err: err}
		}
		return nil
	}
}

func (h *Handlers) postWebhook(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor, payload []byte) error {
	target := stage.URL
	if stage.Notify.UseURL {
		target += rc.Path
	}
	target, err := h.deps.URLs.Render(rc.Body, target)
	if err != nil {
		return err
	}

	_, err = fetch.Retry(ctx, stage.RetryCount, stage.RetryDelay, func(attempt int) error {
		err := h.doWebhook(ctx, stage, target, payload)
		if err != nil {
			h.deps.Logger.Debug("webhook attempt failed",
				slog.String("stage", stage.Label()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return err
	})
	return err
}

func (h *Handlers) doWebhook(ctx context.Context, stage *domain.StageDescriptor, target string, payload []byte) error {
	method := stage.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if h.deps.Auth != nil {
		tok, err := h.deps.Auth.Resolve(ctx, stage.Auth, h.deps.CallbackBaseURL(stage.Port))
		if err != nil {
			return fmt.Errorf("resolve auth: %w", err)
		}
		if tok.Value != "" {
			req.Header.Set("Authorization", tok.Value)
		}
	}
	for k, v := range stage.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.deps.Webhook.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
