package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/provisioning-gateway/internal/auth"
	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/pipeline"
	"github.com/tjfontaine/provisioning-gateway/internal/storage"
)

// AdminOptions configures the operator API.
type AdminOptions struct {
	Registry *pipeline.Registry
	// Journal is optional; without it the run endpoints return 404.
	Journal       ports.RunJournal
	Gatherer      prometheus.Gatherer
	Authenticator *auth.Authenticator
	Logger        *slog.Logger
}

// StageView is the admin representation of a resolved stage.
type StageView struct {
	Name            string                  `json:"name"`
	Kind            domain.StageKind        `json:"kind"`
	Port            string                  `json:"port"`
	Position        int                     `json:"position"`
	AllowedRequests []domain.AllowedRequest `json:"allowed_requests,omitempty"`
	BlockOnError    bool                    `json:"block_on_error"`
	OnError         string                  `json:"on_error,omitempty"`
	RetryCount      int                     `json:"retry_count,omitempty"`
	Phase           domain.NotifyPhase      `json:"phase,omitempty"`
	URL             string                  `json:"url,omitempty"`
}

// RunView is a run with its stage outcomes.
type RunView struct {
	*ports.RunRecord
	Stages []*ports.StageEvent `json:"stages"`
}

// NewAdminRouter builds the operator API: /healthz and /metrics are open,
// /admin/* requires an admin credential when any is configured.
func NewAdminRouter(opts AdminOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	a := &admin{registry: opts.Registry, journal: opts.Journal}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger.With(slog.String("component", "admin"))))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/admin", func(r chi.Router) {
		r.Use(AuthMiddleware(opts.Authenticator))
		r.Use(TimeoutMiddleware(30 * time.Second))
		r.Get("/stages", a.listStages)
		r.Get("/runs", a.listRuns)
		r.Get("/runs/{id}", a.getRun)
	})
	return r
}

type admin struct {
	registry *pipeline.Registry
	journal  ports.RunJournal
}

func (a *admin) listStages(w http.ResponseWriter, r *http.Request) {
	stages := a.registry.Stages(r.URL.Query().Get("port"))
	out := make([]StageView, 0, len(stages))
	for _, s := range stages {
		v := StageView{
			Name:            s.Label(),
			Kind:            s.Kind,
			Port:            s.Port,
			Position:        s.Position,
			AllowedRequests: s.AllowedRequests,
			BlockOnError:    s.BlockOnError,
			OnError:         s.OnError,
			RetryCount:      s.RetryCount,
			URL:             s.URL,
		}
		if s.Notify != nil {
			v.Phase = s.Notify.Phase
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": out})
}

func (a *admin) listRuns(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeError(w, http.StatusNotFound, "run journal is disabled")
		return
	}
	q := r.URL.Query()
	opts := ports.RunListOptions{Port: q.Get("port")}
	if v := q.Get("aborted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid aborted filter")
			return
		}
		opts.Aborted = &b
	}
	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	runs, err := a.journal.ListRuns(r.Context(), opts)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*ports.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *admin) getRun(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeError(w, http.StatusNotFound, "run journal is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	run, err := a.journal.GetRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	events, err := a.journal.ListStageEvents(r.Context(), id)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to list stage events")
		return
	}
	if events == nil {
		events = []*ports.StageEvent{}
	}
	writeJSON(w, http.StatusOK, RunView{RunRecord: run, Stages: events})
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}
