package handlers

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/rules"
)

// Rule gates the request body. Unmet conditions are appended to the run's
// diagnostics before the violation is returned.
func (h *Handlers) Rule(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) error {
	trace.SpanFromContext(ctx).AddEvent("interceptor: verify rules")

	res := rules.Evaluate(stage.Rule, rc.Body)
	if !res.Pass {
		rc.AddDiagnostics(res.Unmet...)
	}
	return res.Err(stage.Rule)
}
