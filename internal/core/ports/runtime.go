package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/pkg/config"
)

// ConfigProvider loads the gateway configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Close() error
}

// StageEvent is the outcome of one stage within a run.
type StageEvent struct {
	RunID     string           `json:"run_id"`
	Stage     string           `json:"stage"`
	Kind      domain.StageKind `json:"kind"`
	Position  int              `json:"position"`
	Outcome   StageOutcome     `json:"outcome"`
	ErrorKind domain.ErrorKind `json:"error_kind,omitempty"`
	Error     string           `json:"error,omitempty"`
	Duration  time.Duration    `json:"duration_ns"`
	CreatedAt time.Time        `json:"created_at"`
}

// StageOutcome summarizes how a stage finished.
type StageOutcome string

const (
	OutcomeOK      StageOutcome = "ok"
	OutcomeSkipped StageOutcome = "skipped"
	OutcomeFailed  StageOutcome = "failed"  // failed, run continued
	OutcomeAborted StageOutcome = "aborted" // failed, run aborted
)

// Recorder observes stage outcomes (metrics, journals).
type Recorder interface {
	RecordStage(ctx context.Context, ev StageEvent)
}

// RunRecord summarizes a finished pipeline run.
type RunRecord struct {
	ID          string            `json:"id"`
	Port        string            `json:"port"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Source      string            `json:"source"` // "http" or a listener stage name
	Status      int               `json:"status"`
	Aborted     bool              `json:"aborted"`
	Detail      string            `json:"detail,omitempty"`
	Diagnostics []string          `json:"diagnostics,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Duration    time.Duration     `json:"duration_ns"`
	CreatedAt   time.Time         `json:"created_at"`
}

// RunListOptions filters journal listings.
type RunListOptions struct {
	Port    string
	Aborted *bool
	Limit   int
	Offset  int
}

// RunJournal stores an audit trail of pipeline runs. The pipeline never reads
// it back; it exists for operators.
// Implementations: SQLite (default), in-memory.
type RunJournal interface {
	Recorder
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, opts RunListOptions) ([]*RunRecord, error)
	ListStageEvents(ctx context.Context, runID string) ([]*StageEvent, error)
	Close() error
}

// EventPublisher publishes notification envelopes to a message bus.
// Implementations: NATS, in-process.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Close() error
}
