package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
)

// Pipeline bundles the shared, read-only state of the gateway: the stage
// registry, the cache and the executor. One Pipeline serves every port and
// listener of a process.
type Pipeline struct {
	registry *Registry
	executor *Executor
	closers  []func() error
	journal  ports.RunJournal
	logger   *slog.Logger
}

// Config assembles a Pipeline.
type Config struct {
	Registry *Registry
	Executor *Executor
	// Journal is optional.
	Journal ports.RunJournal
	Logger  *slog.Logger
	// Closers run in order on Close (cache teardown, publishers, ...).
	Closers []func() error
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry: cfg.Registry,
		executor: cfg.Executor,
		journal:  cfg.Journal,
		closers:  cfg.Closers,
		logger:   logger,
	}
}

// Registry returns the stage registry.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Intercept runs the interceptor stages applicable to rc. It returns false
// when the run was aborted.
func (p *Pipeline) Intercept(ctx context.Context, rc *domain.RequestContext) bool {
	stages := p.registry.Select(domain.InterceptorKinds, rc.Port, rc.Method, rc.Path)
	return p.executor.Run(ctx, rc, stages)
}

// Notify runs the adapter stages of the given phase and returns false when a
// blocking adapter failed. Before-phase failures abort the run like
// interceptors. After-phase failures only stop the remaining adapters: the
// engine reply stands and the failure is kept in rc.AdapterFailure.
func (p *Pipeline) Notify(ctx context.Context, rc *domain.RequestContext, phase domain.NotifyPhase) bool {
	var stages []*domain.StageDescriptor
	for _, s := range p.registry.Select(domain.AdapterKinds, rc.Port, rc.Method, rc.Path) {
		if s.Notify != nil && s.Notify.Phase == phase {
			stages = append(stages, s)
		}
	}
	if phase != domain.PhaseAfter {
		return p.executor.Run(ctx, rc, stages)
	}

	status, response := rc.Status, rc.Response
	if p.executor.Run(ctx, rc, stages) {
		return true
	}
	rc.AdapterFailure, _ = rc.Response["detail"].(string)
	rc.Status, rc.Response = status, response
	return false
}

// Finish records the run in the journal when one is configured.
func (p *Pipeline) Finish(ctx context.Context, rc *domain.RequestContext, source string, aborted bool, started time.Time) {
	if p.journal == nil {
		return
	}
	run := &ports.RunRecord{
		ID:          rc.RunID,
		Port:        rc.Port,
		Method:      rc.Method,
		Path:        rc.Path,
		Source:      source,
		Status:      rc.Status,
		Aborted:     aborted,
		Diagnostics: rc.Diagnostics,
		Duration:    time.Since(started),
		CreatedAt:   started.UTC(),
	}
	if aborted {
		if d, ok := rc.Response["detail"].(string); ok {
			run.Detail = d
		}
	}
	if rc.AdapterFailure != "" {
		run.Metadata = map[string]string{"adapter_failure": rc.AdapterFailure}
	}
	// The client already has its answer; journaling must not depend on it.
	if err := p.journal.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		p.logger.Error("failed to journal run",
			slog.String("run_id", rc.RunID),
			slog.String("error", err.Error()),
		)
	}
}

// Close releases the pipeline's resources.
func (p *Pipeline) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
