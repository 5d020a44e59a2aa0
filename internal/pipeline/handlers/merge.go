package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/fetch"
	"github.com/tjfontaine/provisioning-gateway/internal/rules"
)

// DirectMerge calls the stage endpoint and shallow-merges the mapped
// response onto the request body.
func (h *Handlers) DirectMerge(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) error {
	trace.SpanFromContext(ctx).AddEvent("interceptor: fetch to api")

	resp, err := h.call(ctx, rc, stage)
	if err != nil {
		return err
	}

	attrs, err := h.deps.Mapper.MapAttributes(domain.Inbound, firstRecord(resp), stage.Mapping)
	if err != nil {
		return fmt.Errorf("map response: %w", err)
	}
	for k, v := range attrs {
		rc.Body[k] = v
	}
	return nil
}

// RuleGatedMerge runs DirectMerge only when the stage's when rule holds.
// A rule that does not hold skips the stage without error.
func (h *Handlers) RuleGatedMerge(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) error {
	if stage.When != nil {
		if res := rules.Evaluate(stage.When, rc.Body); !res.Pass {
			h.deps.Logger.Debug("when rule not satisfied, skipping fetch",
				slog.String("stage", stage.Label()),
				slog.String("run_id", rc.RunID),
			)
			return domain.ErrStageSkipped
		}
	}
	return h.DirectMerge(ctx, rc, stage)
}

// call renders the stage URL against the body and performs the fetch with
// the stage's retry policy. Exhaustion is returned to the executor, which
// applies block_on_error.
func (h *Handlers) call(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) (any, error) {
	url, err := h.deps.URLs.Render(rc.Body, stage.URL)
	if err != nil {
		return nil, err
	}
	return h.deps.Fetch.Do(ctx, fetch.Request{
		URL:             url,
		Method:          stage.Method,
		Headers:         stage.Headers,
		Auth:            stage.Auth,
		Body:            stage.Body,
		RetryCount:      stage.RetryCount,
		RetryDelay:      stage.RetryDelay,
		BlockOnError:    true,
		CallbackBaseURL: h.deps.CallbackBaseURL(stage.Port),
	})
}

// firstRecord returns resp as an object. List responses yield their first
// object element.
func firstRecord(resp any) map[string]any {
	switch t := resp.(type) {
	case map[string]any:
		return t
	case []any:
		for _, el := range t {
			if m, ok := el.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}
