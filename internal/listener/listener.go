// Package listener runs long-lived trigger sources (API pollers and Kafka
// consumers) that feed records through the same pipeline as inbound
// requests.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/dotpath"
	"github.com/tjfontaine/provisioning-gateway/internal/pipeline"
)

// Event is one record to provision, derived from a listener trigger.
type Event struct {
	// Source is the listener stage label.
	Source    string
	Port      string
	Resource  domain.ResourceType
	Operation domain.Operation
	ID        string
	Body      map[string]any
}

// Path returns the engine path the event addresses, e.g. "/Users/42".
func (e Event) Path() string {
	p := "/" + e.Resource.Collection()
	if e.ID != "" && e.Operation != domain.OpCreate {
		p += "/" + url.PathEscape(e.ID)
	}
	return p
}

// Dispatcher runs an event through the port's pipeline and engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) (status int, err error)
}

// Metrics observes listener activity. Optional.
type Metrics interface {
	ListenerEvent(listener, outcome string)
	ListenerRestart(listener string)
}

// Task is a long-running listener body. Run returns when ctx is done or the
// listener fails; the supervisor restarts failed tasks.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// base holds what every listener kind shares.
type base struct {
	stage      *domain.StageDescriptor
	dispatcher Dispatcher
	mapper     ports.AttributeMapper
	hooks      *pipeline.Hooks
	metrics    Metrics
	logger     *slog.Logger
}

// Deps are shared listener collaborators.
type Deps struct {
	Dispatcher Dispatcher
	Mapper     ports.AttributeMapper
	Hooks      *pipeline.Hooks
	Metrics    Metrics
	Logger     *slog.Logger
}

func newBase(stage *domain.StageDescriptor, deps Deps) base {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hooks := deps.Hooks
	if hooks == nil {
		hooks = pipeline.NewHooks()
	}
	return base{
		stage:      stage,
		dispatcher: deps.Dispatcher,
		mapper:     deps.Mapper,
		hooks:      hooks,
		metrics:    deps.Metrics,
		logger:     logger.With(slog.String("listener", stage.Label()), slog.String("kind", string(stage.Kind))),
	}
}

func (b *base) Name() string { return b.stage.Label() }

// toEvent builds an event from a raw record. When the record holds an object
// at the data field that object is the payload; the payload is mapped
// inbound and the id is read from the id field of the record or payload.
func (b *base) toEvent(record map[string]any) (Event, error) {
	opts := b.stage.Listener
	data := record
	if opts.DataField != "" {
		if m, ok := dotpath.Get(record, opts.DataField); ok {
			if obj, ok := m.(map[string]any); ok {
				data = obj
			}
		}
	}

	body := dotpath.Copy(data)
	if b.mapper != nil && len(b.stage.Mapping) > 0 {
		mapped, err := b.mapper.MapAttributes(domain.Inbound, data, b.stage.Mapping)
		if err != nil {
			return Event{}, fmt.Errorf("map record: %w", err)
		}
		body = mapped
	}

	ev := Event{
		Source:    b.stage.Label(),
		Port:      b.stage.Port,
		Resource:  opts.Resource,
		Operation: opts.Operation,
		Body:      body,
	}
	if id, ok := dotpath.Get(record, opts.IDField); ok && id != nil {
		ev.ID = fmt.Sprint(id)
	} else if id, ok := dotpath.Get(data, opts.IDField); ok && id != nil {
		ev.ID = fmt.Sprint(id)
	}
	if ev.ID == "" && ev.Operation != domain.OpCreate {
		return Event{}, fmt.Errorf("record has no %q id for %s", opts.IDField, ev.Operation)
	}
	return ev, nil
}

// handle dispatches one record. Failures are logged, passed to the stage's
// on_error hook and never stop the listener.
func (b *base) handle(ctx context.Context, record map[string]any) bool {
	ev, err := b.toEvent(record)
	if err == nil {
		var status int
		status, err = b.dispatcher.Dispatch(ctx, ev)
		if err == nil && status >= 400 {
			err = fmt.Errorf("dispatch returned status %d", status)
		}
	}
	if err != nil {
		b.fail(ctx, err)
		b.observe("failed")
		return false
	}
	b.logger.Debug("listener event dispatched",
		slog.String("operation", string(ev.Operation)),
		slog.String("id", ev.ID),
	)
	b.observe("ok")
	return true
}

func (b *base) fail(ctx context.Context, err error) {
	b.logger.Error("listener event failed", slog.String("error", err.Error()))
	if b.stage.OnError == "" {
		return
	}
	hookErr := b.hooks.Run(ctx, b.stage.OnError, pipeline.HookEvent{
		Stage: b.stage,
		Port:  b.stage.Port,
		Err:   err,
	}, pipeline.DefaultHookTimeout)
	if hookErr != nil {
		b.logger.Error("on_error hook failed",
			slog.String("hook", b.stage.OnError),
			slog.String("error", hookErr.Error()),
		)
	}
}

func (b *base) observe(outcome string) {
	if b.metrics != nil {
		b.metrics.ListenerEvent(b.stage.Label(), outcome)
	}
}

// Build creates the task for a listener stage.
func Build(stage *domain.StageDescriptor, deps Deps, opts ...Option) (Task, error) {
	if stage.Listener == nil {
		return nil, fmt.Errorf("stage %s has no listener options", stage.Label())
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	switch stage.Kind {
	case domain.KindAPIListener:
		if o.fetch == nil {
			return nil, fmt.Errorf("api-listener %s requires a fetch client", stage.Label())
		}
		return NewAPIListener(stage, o.fetch, o.callback, deps), nil
	case domain.KindEventListener:
		return NewEventListener(stage, o.groupFactory, deps), nil
	}
	return nil, fmt.Errorf("stage %s is not a listener", stage.Label())
}
