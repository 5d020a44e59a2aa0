package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
)

const namespace = "provisioning_gateway"

// Metrics holds the gateway's Prometheus collectors. It observes stage
// outcomes, cache refreshes, listener activity and finished runs.
type Metrics struct {
	stageRuns       *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	cacheRefreshes  *prometheus.CounterVec
	cacheDuration   *prometheus.HistogramVec
	listenerEvents  *prometheus.CounterVec
	listenerRestart *prometheus.CounterVec
	runs            *prometheus.CounterVec
}

var _ ports.Recorder = (*Metrics)(nil)

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		stageRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Stage executions by stage, kind and outcome.",
		}, []string{"stage", "kind", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time by kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		cacheRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_refreshes_total",
			Help:      "Cache refreshes by cache and result.",
		}, []string{"cache", "result"}),
		cacheDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_refresh_duration_seconds",
			Help:      "Cache refresh time, including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cache"}),
		listenerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_events_total",
			Help:      "Listener records by listener and outcome.",
		}, []string{"listener", "outcome"}),
		listenerRestart: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_restarts_total",
			Help:      "Listener restarts after a failure or panic.",
		}, []string{"listener"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by port, source and status.",
		}, []string{"port", "source", "status"}),
	}
}

// RecordStage implements ports.Recorder.
func (m *Metrics) RecordStage(_ context.Context, ev ports.StageEvent) {
	m.stageRuns.WithLabelValues(ev.Stage, string(ev.Kind), string(ev.Outcome)).Inc()
	m.stageDuration.WithLabelValues(string(ev.Kind)).Observe(ev.Duration.Seconds())
}

// CacheRefresh matches cache.RefreshObserver.
func (m *Metrics) CacheRefresh(name string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cacheRefreshes.WithLabelValues(name, result).Inc()
	m.cacheDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// ListenerEvent counts a listener record outcome.
func (m *Metrics) ListenerEvent(listener, outcome string) {
	m.listenerEvents.WithLabelValues(listener, outcome).Inc()
}

// ListenerRestart counts a listener restart.
func (m *Metrics) ListenerRestart(listener string) {
	m.listenerRestart.WithLabelValues(listener).Inc()
}

// Run counts a finished run.
func (m *Metrics) Run(port, source string, status int) {
	m.runs.WithLabelValues(port, source, strconv.Itoa(status)).Inc()
}

// Recorders fans stage events out to every non-nil recorder.
func Recorders(rs ...ports.Recorder) ports.Recorder {
	var out multiRecorder
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multiRecorder []ports.Recorder

func (m multiRecorder) RecordStage(ctx context.Context, ev ports.StageEvent) {
	for _, r := range m {
		r.RecordStage(ctx, ev)
	}
}
