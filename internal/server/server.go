// Package server exposes a gateway port over HTTP: it runs each inbound
// request through the pipeline, forwards it to the port's protocol engine
// and returns the engine's reply.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/provisioning-gateway/internal/auth"
	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/engine"
	"github.com/tjfontaine/provisioning-gateway/internal/listener"
	"github.com/tjfontaine/provisioning-gateway/internal/pipeline"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 1 << 20

// Engine forwards a request to the protocol engine.
type Engine interface {
	Do(ctx context.Context, method, path, rawQuery string, body map[string]any) (*engine.Response, error)
}

// RunObserver counts finished runs. Optional.
type RunObserver interface {
	Run(port, source string, status int)
}

// Options configures a port server.
type Options struct {
	// Name identifies the port; stages select it by this name.
	Name          string
	Addr          string
	Timeout       time.Duration
	Authenticator *auth.Authenticator
	RateLimit     float64
	Burst         int
	Observer      RunObserver
	Logger        *slog.Logger
}

// Server is one gateway port.
type Server struct {
	Router *chi.Mux

	name     string
	addr     string
	pipeline *pipeline.Pipeline
	engine   Engine
	observer RunObserver
	logger   *slog.Logger

	httpServer *http.Server
	// after-phase adapters still running
	pending sync.WaitGroup
}

var _ listener.Dispatcher = (*Server)(nil)

// New creates the server for one port.
func New(opts Options, p *pipeline.Pipeline, eng Engine) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("port", opts.Name))

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(RateLimitMiddleware(opts.RateLimit, opts.Burst))
	r.Use(AuthMiddleware(opts.Authenticator))
	r.Use(TimeoutMiddleware(opts.Timeout))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "provisioning-gateway:"+opts.Name)
	})

	s := &Server{
		Router:   r,
		name:     opts.Name,
		addr:     opts.Addr,
		pipeline: p,
		engine:   eng,
		observer: opts.Observer,
		logger:   logger,
	}
	r.HandleFunc("/*", s.handle)
	return s
}

// Name returns the port name.
func (s *Server) Name() string { return s.name }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID := GetRequestID(r.Context())
	if runID == "" {
		runID = uuid.New().String()
	}
	rc := domain.NewRequestContext(runID, s.name, r.Method, r.URL.Path, r.Header.Clone(), body)

	started := time.Now()
	ctx := r.Context()
	aborted, err := s.forward(ctx, rc, r.URL.RawQuery, requestBody)
	AddError(ctx, err)
	if aborted {
		AddLogField(ctx, "aborted", "true")
		AddLogField(ctx, "detail", detail(rc))
	}

	status := rc.Status
	if status == 0 {
		status = http.StatusOK
	}
	if rc.Response != nil {
		writeBody(w, status, scimContentType, rc.Response)
	} else {
		w.WriteHeader(status)
	}

	if aborted || err != nil {
		s.finish(ctx, rc, "http", aborted, started)
		return
	}

	// The reply is already on its way; after-phase adapters must not be
	// cancelled with the request.
	bg := context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.pipeline.Notify(bg, rc, domain.PhaseAfter)
		s.finish(bg, rc, "http", false, started)
	}()
}

// forward runs interceptors and before-phase adapters, then calls the engine
// with the body chosen by engineBody. It reports whether the pipeline aborted
// the run; an unreachable engine yields a 502 reply and a non-nil error.
func (s *Server) forward(ctx context.Context, rc *domain.RequestContext, rawQuery string, engineBody func(*domain.RequestContext) map[string]any) (bool, error) {
	if !s.pipeline.Intercept(ctx, rc) {
		return true, nil
	}
	if !s.pipeline.Notify(ctx, rc, domain.PhaseBefore) {
		return true, nil
	}

	resp, err := s.engine.Do(ctx, rc.Method, rc.Path, rawQuery, engineBody(rc))
	if err != nil {
		s.logger.Error("protocol engine call failed",
			slog.String("run_id", rc.RunID),
			slog.String("error", err.Error()),
		)
		errBody := domain.NewErrorBody("Protocol engine unavailable: " + err.Error())
		errBody.Status = http.StatusBadGateway
		rc.Status = errBody.Status
		rc.Response = errBody.Map()
		return false, err
	}
	rc.Status = resp.Status
	rc.Response = resp.Body
	return false, nil
}

// requestBody forwards the (mutated) body for methods that carry one.
func requestBody(rc *domain.RequestContext) map[string]any {
	switch rc.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return rc.Body
	}
	return nil
}

// operationBody builds the engine body for a listener operation.
func operationBody(op domain.Operation) func(*domain.RequestContext) map[string]any {
	return func(rc *domain.RequestContext) map[string]any {
		switch op {
		case domain.OpCreate:
			return rc.Body
		case domain.OpModify:
			return engine.ReplacePatch(rc.Body)
		}
		return nil
	}
}

// Dispatch runs a listener event through the port synchronously, including
// after-phase adapters, and returns the resulting status.
func (s *Server) Dispatch(ctx context.Context, ev listener.Event) (int, error) {
	rc := domain.NewRequestContext(uuid.New().String(), s.name, ev.Operation.HTTPMethod(), ev.Path(), nil, ev.Body)
	started := time.Now()

	aborted, err := s.forward(ctx, rc, "", operationBody(ev.Operation))
	if !aborted && err == nil {
		s.pipeline.Notify(ctx, rc, domain.PhaseAfter)
	}
	s.finish(ctx, rc, ev.Source, aborted, started)

	switch {
	case err != nil:
		return rc.Status, err
	case aborted:
		return rc.Status, fmt.Errorf("run aborted: %s", detail(rc))
	}
	return rc.Status, nil
}

func (s *Server) finish(ctx context.Context, rc *domain.RequestContext, source string, aborted bool, started time.Time) {
	s.pipeline.Finish(ctx, rc, source, aborted, started)
	if s.observer != nil {
		s.observer.Run(s.name, source, rc.Status)
	}
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting gateway port", slog.String("addr", s.addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, waits for in-flight runs and their
// after-phase adapters, or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if waitErr := s.Wait(ctx); waitErr != nil && err == nil {
		err = waitErr
	}
	return err
}

// Wait blocks until pending after-phase adapters finish or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("adapters still running: %w", ctx.Err())
	}
}

func readBody(r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(raw) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return body, nil
}

func detail(rc *domain.RequestContext) string {
	d, _ := rc.Response["detail"].(string)
	return d
}
