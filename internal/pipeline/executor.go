package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
)

// CacheRefPrefix marks a string value to be replaced with cached data.
const CacheRefPrefix = "cache."

// CacheLookup resolves "<name>.<path>" references.
type CacheLookup interface {
	Lookup(ctx context.Context, ref string) (any, error)
}

// Executor runs selected stages for a single request, strictly in order.
type Executor struct {
	handlers    map[domain.StageKind]ports.StageHandler
	hooks       *Hooks
	cache       CacheLookup
	recorder    ports.Recorder
	tracer      trace.Tracer
	logger      *slog.Logger
	hookTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHooks sets the on_error hook registry.
func WithHooks(h *Hooks) ExecutorOption {
	return func(e *Executor) { e.hooks = h }
}

// WithCache enables cache reference resolution.
func WithCache(c CacheLookup) ExecutorOption {
	return func(e *Executor) { e.cache = c }
}

// WithRecorder reports stage outcomes.
func WithRecorder(r ports.Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithHookTimeout bounds on_error hooks.
func WithHookTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.hookTimeout = d }
}

// NewExecutor creates an executor. Every interceptor and adapter kind must
// have a handler.
func NewExecutor(handlers map[domain.StageKind]ports.StageHandler, opts ...ExecutorOption) (*Executor, error) {
	var missing []string
	for _, k := range domain.AllKinds {
		if k.IsListener() {
			continue
		}
		if handlers[k] == nil {
			missing = append(missing, string(k))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no handler for stage kinds: %s", strings.Join(missing, ", "))
	}

	e := &Executor{
		handlers:    handlers,
		hooks:       NewHooks(),
		tracer:      otel.Tracer("provisioning-gateway/pipeline"),
		logger:      slog.Default(),
		hookTimeout: DefaultHookTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run executes stages against rc. It returns false when a blocking stage
// failed, in which case rc carries a 400 error response and later stages
// were not run.
func (e *Executor) Run(ctx context.Context, rc *domain.RequestContext, stages []*domain.StageDescriptor) bool {
	for _, stage := range stages {
		if !e.runStage(ctx, rc, stage) {
			return false
		}
	}
	return true
}

func (e *Executor) runStage(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) bool {
	ctx, span := e.tracer.Start(ctx, "stage "+stage.Label(),
		trace.WithAttributes(
			attribute.String("stage.kind", string(stage.Kind)),
			attribute.Int("stage.position", stage.Position),
			attribute.String("gateway.port", rc.Port),
			attribute.String("run.id", rc.RunID),
		),
	)
	defer span.End()

	start := time.Now()
	err := e.dispatch(ctx, rc, stage)
	elapsed := time.Since(start)

	if err == nil || errors.Is(err, domain.ErrStageSkipped) {
		outcome := ports.OutcomeOK
		if err != nil {
			outcome = ports.OutcomeSkipped
			span.AddEvent("skipped")
		}
		e.record(ctx, rc, stage, outcome, nil, elapsed)
		return true
	}

	kind := domain.KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.kind", string(kind)))

	if stage.OnError != "" {
		hookErr := e.hooks.Run(ctx, stage.OnError, HookEvent{
			Stage:  stage,
			RunID:  rc.RunID,
			Port:   rc.Port,
			Method: rc.Method,
			Path:   rc.Path,
			Err:    err,
		}, e.hookTimeout)
		if hookErr != nil {
			e.logger.Error("on_error hook failed",
				slog.String("stage", stage.Label()),
				slog.String("hook", stage.OnError),
				slog.String("error", hookErr.Error()),
			)
		}
	}

	if !stage.BlockOnError {
		e.logger.Warn("stage failed, continuing",
			slog.String("run_id", rc.RunID),
			slog.String("stage", stage.Label()),
			slog.String("kind", string(stage.Kind)),
			slog.String("error_kind", string(kind)),
			slog.String("error", err.Error()),
		)
		e.record(ctx, rc, stage, ports.OutcomeFailed, err, elapsed)
		return true
	}

	rc.Abort(Detail(stage, err, rc.Diagnostics))
	e.logger.Info("run aborted",
		slog.String("run_id", rc.RunID),
		slog.String("stage", stage.Label()),
		slog.String("kind", string(stage.Kind)),
		slog.String("error_kind", string(kind)),
		slog.String("error", err.Error()),
	)
	e.record(ctx, rc, stage, ports.OutcomeAborted, err, elapsed)
	return false
}

// Detail is the client-visible message for a blocking failure. Rule
// violations report every condition that failed so far in the run.
func Detail(stage *domain.StageDescriptor, err error, diagnostics []string) string {
	if stage.ErrorMessage != "" {
		return stage.ErrorMessage
	}
	msg := err.Error()
	var rv *domain.RuleViolationError
	if errors.As(err, &rv) && !rv.Missing() && len(diagnostics) > 0 {
		msg = domain.VerificationFailed(diagnostics)
	}
	return fmt.Sprintf("Error while running interceptor (%s): %s", stage.Kind, msg)
}

func (e *Executor) dispatch(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", stage.Label(), r)
		}
	}()

	resolved, err := e.resolveCacheRefs(ctx, stage)
	if err != nil {
		return err
	}
	h, ok := e.handlers[stage.Kind]
	if !ok {
		return fmt.Errorf("no handler for stage kind %q", stage.Kind)
	}
	return h.Handle(ctx, rc, resolved)
}

func (e *Executor) record(ctx context.Context, rc *domain.RequestContext, stage *domain.StageDescriptor, outcome ports.StageOutcome, err error, elapsed time.Duration) {
	if e.recorder == nil {
		return
	}
	ev := ports.StageEvent{
		RunID:     rc.RunID,
		Stage:     stage.Label(),
		Kind:      stage.Kind,
		Position:  stage.Position,
		Outcome:   outcome,
		Duration:  elapsed,
		CreatedAt: time.Now().UTC(),
	}
	if err != nil {
		ev.ErrorKind = domain.KindOf(err)
		ev.Error = err.Error()
	}
	e.recorder.RecordStage(ctx, ev)
}
