// Package ports defines the interfaces between the pipeline and its collaborators.
// This file contains the stage handler contract and the external services stages call.
package ports

import (
	"context"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
)

// StageHandler runs one stage kind. Handlers mutate rc.Body (interceptors)
// or read rc.Response (adapters) and either succeed silently or return a
// classified error from the domain package.
type StageHandler interface {
	Handle(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) error
}

// StageHandlerFunc adapts a function to StageHandler.
type StageHandlerFunc func(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) error

// Handle calls f.
func (f StageHandlerFunc) Handle(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) error {
	return f(ctx, rc, stage)
}

// Token is a ready-to-send Authorization header value. Empty means no header.
type Token struct {
	Value string
}

// AuthFormatter produces a request's authorization header from a descriptor.
type AuthFormatter interface {
	Resolve(ctx context.Context, desc domain.AuthDescriptor, callbackBaseURL string) (Token, error)
}

// URLRenderer substitutes body fields into URL templates.
type URLRenderer interface {
	Render(body map[string]any, template string) (string, error)
}

// ConfigResolver turns raw descriptors into resolved values.
type ConfigResolver interface {
	Resolve(scope string, raw map[string]any) (map[string]any, error)
}

// CacheReader returns cached auxiliary data by logical name.
type CacheReader interface {
	Get(ctx context.Context, key string) (map[string]any, error)
}

// AttributeMapper projects records through a mapping specification.
type AttributeMapper interface {
	MapAttributes(direction domain.Direction, record map[string]any, mapping []domain.Mapping) (map[string]any, error)
}

// ProtocolEngine is the identity-protocol core the pipeline wraps.
type ProtocolEngine interface {
	AttributeMapper

	Get(ctx context.Context, resource domain.ResourceType, id string) (map[string]any, error)
	Create(ctx context.Context, resource domain.ResourceType, body map[string]any) (map[string]any, error)
	Modify(ctx context.Context, resource domain.ResourceType, id string, body map[string]any) (map[string]any, error)
	Delete(ctx context.Context, resource domain.ResourceType, id string) error
}
