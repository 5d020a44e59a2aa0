package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
)

// DefaultHookTimeout bounds a single on_error hook invocation.
const DefaultHookTimeout = 5 * time.Second

// HookEvent describes a stage failure passed to an on_error hook.
type HookEvent struct {
	Stage  *domain.StageDescriptor
	RunID  string
	Port   string
	Method string
	Path   string
	Err    error
}

// HookFunc handles a stage failure. Its result is logged, never escalated.
type HookFunc func(ctx context.Context, ev HookEvent) error

// NoopHook ignores the failure.
func NoopHook(context.Context, HookEvent) error { return nil }

// Hooks is the registry of named on_error hooks. Stages reference hooks by
// name; unknown names are rejected when descriptors load.
type Hooks struct {
	mu    sync.RWMutex
	hooks map[string]HookFunc
}

// NewHooks returns a registry holding the built-in hooks "log" and "none".
func NewHooks() *Hooks {
	h := &Hooks{hooks: make(map[string]HookFunc)}
	h.Register("none", NoopHook)
	h.Register("log", func(ctx context.Context, ev HookEvent) error {
		slog.Default().WarnContext(ctx, "stage failed",
			slog.String("stage", ev.Stage.Label()),
			slog.String("kind", string(ev.Stage.Kind)),
			slog.String("run_id", ev.RunID),
			slog.String("error", ev.Err.Error()),
		)
		return nil
	})
	return h
}

// Register adds or replaces a hook.
func (h *Hooks) Register(name string, fn HookFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[name] = fn
}

// Has reports whether name is registered.
func (h *Hooks) Has(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.hooks[name]
	return ok
}

// Names lists registered hooks.
func (h *Hooks) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.hooks))
	for n := range h.hooks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run invokes the named hook with panic recovery and a deadline. The hook's
// context is canceled at the deadline and Run returns only once the hook has
// returned, so hooks must honor ctx.
func (h *Hooks) Run(ctx context.Context, name string, ev HookEvent, timeout time.Duration) (err error) {
	h.mu.RLock()
	fn, ok := h.hooks[name]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown on_error hook %q", name)
	}
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("on_error hook %q panicked: %v", name, r)
		}
	}()

	err = fn(ctx, ev)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("on_error hook %q: %w", name, ctxErr)
	}
	return err
}
