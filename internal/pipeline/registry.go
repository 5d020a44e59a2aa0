package pipeline

import (
	"sort"
	"strings"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
)

// Registry holds the resolved stage descriptors in declaration order. It is
// read-only after construction and shared by every run.
type Registry struct {
	stages []*domain.StageDescriptor
}

// NewRegistry creates a registry over already validated descriptors.
func NewRegistry(stages []*domain.StageDescriptor) *Registry {
	return &Registry{stages: stages}
}

// IsApplicable reports whether desc applies to an operation on port. Method
// and the first path segment are compared case-insensitively.
func IsApplicable(desc *domain.StageDescriptor, port, method, path string) bool {
	if desc.Port != port {
		return false
	}
	resource := domain.FirstSegment(path)
	for _, ar := range desc.AllowedRequests {
		if strings.EqualFold(ar.Method, method) && strings.EqualFold(ar.Path, resource) {
			return true
		}
	}
	return false
}

// Select returns the stages of the given kinds applicable to the operation,
// ordered by position. Stages sharing a position keep declaration order.
// An empty result is not an error.
func (r *Registry) Select(kinds domain.KindSet, port, method, path string) []*domain.StageDescriptor {
	var out []*domain.StageDescriptor
	for _, s := range r.stages {
		if kinds.Has(s.Kind) && IsApplicable(s, port, method, path) {
			out = append(out, s)
		}
	}
	sortByPosition(out)
	return out
}

// Listeners returns listener stages ordered by position.
func (r *Registry) Listeners() []*domain.StageDescriptor {
	var out []*domain.StageDescriptor
	for _, s := range r.stages {
		if s.Kind.IsListener() {
			out = append(out, s)
		}
	}
	sortByPosition(out)
	return out
}

// Stages returns every stage bound to port (all ports when port is empty),
// ordered by position.
func (r *Registry) Stages(port string) []*domain.StageDescriptor {
	var out []*domain.StageDescriptor
	for _, s := range r.stages {
		if port == "" || s.Port == port {
			out = append(out, s)
		}
	}
	sortByPosition(out)
	return out
}

// Len returns the number of registered stages.
func (r *Registry) Len() int { return len(r.stages) }

func sortByPosition(stages []*domain.StageDescriptor) {
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Position < stages[j].Position
	})
}
