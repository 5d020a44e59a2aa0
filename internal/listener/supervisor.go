package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRestartInterval paces restarts of a failing listener.
const DefaultRestartInterval = 5 * time.Second

// Supervisor runs listener tasks in their own goroutines. A task that
// returns an error or panics is restarted, at most once per restart
// interval; it never affects other tasks.
type Supervisor struct {
	tasks   []Task
	every   time.Duration
	metrics Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithRestartInterval overrides DefaultRestartInterval.
func WithRestartInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.every = d }
}

// WithSupervisorMetrics records restarts.
func WithSupervisorMetrics(m Metrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = m }
}

// WithSupervisorLogger sets the logger.
func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor creates a supervisor for tasks.
func NewSupervisor(tasks []Task, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		tasks:  tasks,
		every:  DefaultRestartInterval,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches every task. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(t Task) {
			defer s.wg.Done()
			s.supervise(ctx, t)
		}(t)
	}
	s.logger.Info("listeners started", slog.Int("count", len(s.tasks)))
}

// Stop cancels every task and waits for them to return or for ctx to end.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("listeners did not stop: %w", ctx.Err())
	}
}

func (s *Supervisor) supervise(ctx context.Context, t Task) {
	limiter := rate.NewLimiter(rate.Every(s.every), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		err := runTask(ctx, t)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("listener returned unexpectedly")
		}
		s.logger.Error("listener failed, restarting",
			slog.String("listener", t.Name()),
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.ListenerRestart(t.Name())
		}
	}
}

func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener %s panicked: %v", t.Name(), r)
		}
	}()
	return t.Run(ctx)
}
