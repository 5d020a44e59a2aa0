// Package runtime provides the Gateway struct and lifecycle management for
// the provisioning gateway: it builds the shared pipeline from configuration
// and runs the gateway ports, the listeners and the admin API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"github.com/tjfontaine/provisioning-gateway/internal/auth"
	"github.com/tjfontaine/provisioning-gateway/internal/cache"
	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/engine"
	"github.com/tjfontaine/provisioning-gateway/internal/extconfig"
	"github.com/tjfontaine/provisioning-gateway/internal/fetch"
	"github.com/tjfontaine/provisioning-gateway/internal/listener"
	"github.com/tjfontaine/provisioning-gateway/internal/pipeline"
	"github.com/tjfontaine/provisioning-gateway/internal/pipeline/handlers"
	"github.com/tjfontaine/provisioning-gateway/internal/pkg/config"
	"github.com/tjfontaine/provisioning-gateway/internal/server"
	"github.com/tjfontaine/provisioning-gateway/internal/telemetry"
)

// Gateway is the main entry point for running the provisioning gateway.
// It can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	config       ports.ConfigProvider
	journal      ports.RunJournal
	events       ports.EventPublisher
	hooks        *pipeline.Hooks
	registry     *prometheus.Registry
	metrics      *telemetry.Metrics
	httpClient   *http.Client
	groupFactory listener.GroupFactory
	chat         handlers.ChatSender
	sms          handlers.SMSSender
	subscribers  []subscription
	logger       *slog.Logger

	// Built by Start
	cfg            *config.Config
	pipeline       *pipeline.Pipeline
	servers        map[string]*server.Server
	admin          *http.Server
	adminHandler   http.Handler
	supervisor     *listener.Supervisor
	shutdownTracer func(context.Context) error

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	started bool
}

// New creates a new Gateway with the given options. A config provider is
// required; everything else is taken from the configuration.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger:  slog.Default(),
		hooks:   pipeline.NewHooks(),
		servers: make(map[string]*server.Server),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	if gw.registry == nil {
		gw.registry = prometheus.NewRegistry()
		gw.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	gw.metrics = telemetry.NewMetrics(gw.registry)
	return gw, nil
}

// Resolved is the validated stage and cache table of a configuration.
type Resolved struct {
	Registry *pipeline.Registry
	Caches   []domain.CacheDescriptor
}

// Resolve resolves external references in the raw descriptors of cfg and
// decodes them. Unknown hook names, invalid descriptors and listeners bound
// to unconfigured ports are configuration errors.
func Resolve(cfg *config.Config, hooks *pipeline.Hooks, resolver ports.ConfigResolver) (*Resolved, error) {
	if resolver == nil {
		resolver = extconfig.New()
	}
	stages, err := pipeline.LoadStages(cfg.Stages, resolver, hooks)
	if err != nil {
		return nil, err
	}
	caches, err := pipeline.LoadCaches(cfg.Caches, resolver)
	if err != nil {
		return nil, err
	}
	reg := pipeline.NewRegistry(stages)
	if err := checkStagePorts(cfg, reg.Listeners()); err != nil {
		return nil, err
	}
	return &Resolved{Registry: reg, Caches: caches}, nil
}

// Start loads the configuration, builds the pipeline and starts the gateway
// ports, the listener supervisor and the admin API.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return errors.New("gateway already started")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)

	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	g.cfg = cfg

	if err := g.build(cfg); err != nil {
		_ = g.closeResources()
		return err
	}

	for _, s := range g.servers {
		go g.serve(s)
	}
	if g.admin != nil {
		go func() {
			g.logger.Info("admin API listening", slog.String("addr", g.admin.Addr))
			if err := g.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.logger.Error("admin server error", slog.String("error", err.Error()))
			}
		}()
	}
	g.supervisor.Start(g.ctx)
	g.started = true

	g.logger.Info("gateway started",
		slog.Int("ports", len(g.servers)),
		slog.Int("stages", g.pipeline.Registry().Len()),
		slog.Int("listeners", len(g.pipeline.Registry().Listeners())),
	)
	return nil
}

func (g *Gateway) serve(s *server.Server) {
	if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		g.logger.Error("gateway port error",
			slog.String("port", s.Name()),
			slog.String("error", err.Error()),
		)
	}
}

// build wires every component from cfg.
func (g *Gateway) build(cfg *config.Config) error {
	shutdownTracer, err := telemetry.InitTracer(telemetry.TracerOptions{
		Exporter:    cfg.Telemetry.Tracing,
		ServiceName: cfg.Telemetry.ServiceName,
	}, g.logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	g.shutdownTracer = shutdownTracer

	resolved, err := Resolve(cfg, g.hooks, nil)
	if err != nil {
		return fmt.Errorf("resolve stages: %w", err)
	}

	metrics := g.metrics
	g.servers = make(map[string]*server.Server, len(cfg.Ports))

	if g.journal == nil {
		if g.journal, err = openJournal(cfg.Journal, g.logger); err != nil {
			return err
		}
	}
	if g.events == nil {
		if g.events, err = openPublisher(cfg.Events, g.subscribers, g.logger); err != nil {
			return err
		}
	}

	httpClient := g.httpClient
	formatter := auth.NewFormatter(httpClient)
	fetchOpts := []fetch.Option{fetch.WithLogger(g.logger)}
	if httpClient != nil {
		fetchOpts = append(fetchOpts, fetch.WithHTTPClient(httpClient))
	}
	fetchClient := fetch.NewClient(formatter, fetchOpts...)
	callback := callbackBaseURLs(cfg)

	sources := make([]cache.Source, 0, len(resolved.Caches))
	for _, desc := range resolved.Caches {
		sources = append(sources, cache.FromDescriptor(desc, fetchClient, callback(desc.Port)))
	}
	lookup, err := cache.New(sources,
		cache.WithLogger(g.logger),
		cache.WithObserver(metrics.CacheRefresh),
	)
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}

	table := handlers.New(handlers.Deps{
		Fetch:           fetchClient,
		Auth:            formatter,
		Mapper:          engine.Mapper{},
		Publisher:       g.events,
		Chat:            g.chat,
		SMS:             g.sms,
		Logger:          g.logger,
		CallbackBaseURL: callback,
	}).Table()

	exec, err := pipeline.NewExecutor(table,
		pipeline.WithHooks(g.hooks),
		pipeline.WithCache(lookup),
		pipeline.WithRecorder(telemetry.Recorders(g.journal, metrics)),
		pipeline.WithTracer(otel.Tracer(telemetry.TracerName)),
		pipeline.WithLogger(g.logger),
	)
	if err != nil {
		_ = lookup.Close()
		return fmt.Errorf("build executor: %w", err)
	}

	g.pipeline = pipeline.New(pipeline.Config{
		Registry: resolved.Registry,
		Executor: exec,
		Journal:  g.journal,
		Logger:   g.logger,
		Closers:  []func() error{lookup.Close},
	})

	dispatcher := make(portDispatcher, len(cfg.Ports))
	for _, p := range cfg.Ports {
		engineOpts := []engine.ClientOption{engine.WithAuth(p.EngineAuth, formatter, callback(p.Name))}
		if httpClient != nil {
			engineOpts = append(engineOpts, engine.WithHTTPClient(httpClient))
		}
		s := server.New(server.Options{
			Name:          p.Name,
			Addr:          p.Listen,
			Timeout:       p.Timeout,
			Authenticator: auth.NewAuthenticator(credentials(p.Credentials)),
			RateLimit:     p.RateLimit,
			Burst:         p.Burst,
			Observer:      metrics,
			Logger:        g.logger,
		}, g.pipeline, engine.NewClient(p.EngineURL, engineOpts...))
		g.servers[p.Name] = s
		dispatcher[p.Name] = s
	}

	var tasks []listener.Task
	deps := listener.Deps{
		Dispatcher: dispatcher,
		Mapper:     engine.Mapper{},
		Hooks:      g.hooks,
		Metrics:    metrics,
		Logger:     g.logger,
	}
	for _, st := range resolved.Registry.Listeners() {
		task, err := listener.Build(st, deps,
			listener.WithFetchClient(fetchClient, callback),
			listener.WithGroupFactory(g.groupFactory),
		)
		if err != nil {
			return fmt.Errorf("build listener: %w", err)
		}
		tasks = append(tasks, task)
	}
	g.supervisor = listener.NewSupervisor(tasks,
		listener.WithRestartInterval(cfg.Listeners.RestartInterval),
		listener.WithSupervisorMetrics(metrics),
		listener.WithSupervisorLogger(g.logger),
	)

	g.adminHandler = server.NewAdminRouter(server.AdminOptions{
		Registry:      resolved.Registry,
		Journal:       g.journal,
		Gatherer:      g.registry,
		Authenticator: auth.NewAuthenticator(credentials(cfg.Admin.Credentials)),
		Logger:        g.logger,
	})
	if cfg.Admin.Listen != "" {
		g.admin = &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           g.adminHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return nil
}

// Server returns the server of the named port, for embedding and tests.
func (g *Gateway) Server(name string) (*server.Server, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.servers[name]
	return s, ok
}

// AdminHandler returns the admin API handler, or nil before Start.
func (g *Gateway) AdminHandler() http.Handler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.adminHandler
}

// Pipeline returns the shared pipeline, or nil before Start.
func (g *Gateway) Pipeline() *pipeline.Pipeline {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pipeline
}

// Shutdown stops listeners, drains in-flight runs on every port and
// releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	var errs []error
	if g.supervisor != nil {
		if err := g.supervisor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop listeners: %w", err))
		}
	}
	if g.cancel != nil {
		g.cancel()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, s := range g.servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				g.logger.Error("failed to shutdown port",
					slog.String("port", name),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				errs = append(errs, fmt.Errorf("port %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if g.admin != nil {
		if err := g.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server: %w", err))
		}
	}

	errs = append(errs, g.closeResources())
	g.started = false

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

// closeResources releases the pipeline, journal, publisher, config provider
// and tracer. Each is closed once.
func (g *Gateway) closeResources() error {
	var errs []error
	if g.pipeline != nil {
		if err := g.pipeline.Close(); err != nil {
			g.logger.Error("failed to close pipeline", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		g.pipeline = nil
	}
	if g.journal != nil {
		if err := g.journal.Close(); err != nil {
			g.logger.Error("failed to close journal", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		g.journal = nil
	}
	if g.events != nil {
		if err := g.events.Close(); err != nil {
			g.logger.Error("failed to close events", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		g.events = nil
	}
	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if g.shutdownTracer != nil {
		if err := g.shutdownTracer(context.Background()); err != nil {
			errs = append(errs, err)
		}
		g.shutdownTracer = nil
	}
	return errors.Join(errs...)
}
