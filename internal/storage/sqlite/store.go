package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/storage"
)

// Store is a SQLite run journal.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.RunJournal = (*Store)(nil)

// New opens (creating if needed) the journal at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, logger: slog.Default()}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			port TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			source TEXT NOT NULL,
			status INTEGER NOT NULL,
			aborted INTEGER NOT NULL DEFAULT 0,
			detail TEXT,
			diagnostics TEXT,
			metadata TEXT,
			duration_ns INTEGER,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stage_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			kind TEXT NOT NULL,
			position INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error_kind TEXT,
			error TEXT,
			duration_ns INTEGER,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_port ON runs(port)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_events_run ON stage_events(run_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// RecordStage stores a stage outcome. Failures are logged; the pipeline never
// waits on the journal.
func (s *Store) RecordStage(ctx context.Context, ev ports.StageEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO stage_events (run_id, stage, kind, position, outcome, error_kind, error, duration_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(context.WithoutCancel(ctx), query,
		ev.RunID, ev.Stage, string(ev.Kind), ev.Position, string(ev.Outcome),
		nullString(string(ev.ErrorKind)), nullString(ev.Error), int64(ev.Duration), ev.CreatedAt)
	if err != nil {
		s.logger.Error("failed to journal stage event",
			slog.String("run_id", ev.RunID),
			slog.String("stage", ev.Stage),
			slog.String("error", err.Error()),
		)
	}
}

// SaveRun inserts or replaces a run.
func (s *Store) SaveRun(ctx context.Context, run *ports.RunRecord) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	diagnostics, err := json.Marshal(run.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}
	metadata, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `INSERT OR REPLACE INTO runs
		(id, port, method, path, source, status, aborted, detail, diagnostics, metadata, duration_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.Port, run.Method, run.Path, run.Source, run.Status, boolInt(run.Aborted),
		nullString(run.Detail), string(diagnostics), string(metadata), int64(run.Duration), run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `id, port, method, path, source, status, aborted, detail, diagnostics, metadata, duration_ns, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*ports.RunRecord, error) {
	var (
		run                   ports.RunRecord
		aborted               int
		durationNs            int64
		detail                sql.NullString
		diagnostics, metadata sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Port, &run.Method, &run.Path, &run.Source, &run.Status,
		&aborted, &detail, &diagnostics, &metadata, &durationNs, &run.CreatedAt); err != nil {
		return nil, err
	}
	run.Aborted = aborted == 1
	run.Duration = time.Duration(durationNs)
	run.Detail = detail.String
	if diagnostics.Valid && diagnostics.String != "" {
		if err := json.Unmarshal([]byte(diagnostics.String), &run.Diagnostics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal diagnostics: %w", err)
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &run, nil
}

// GetRun returns storage.ErrNotFound for unknown ids.
func (s *Store) GetRun(ctx context.Context, id string) (*ports.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, opts ports.RunListOptions) ([]*ports.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if opts.Port != "" {
		query += " AND port = ?"
		args = append(args, opts.Port)
	}
	if opts.Aborted != nil {
		query += " AND aborted = ?"
		args = append(args, boolInt(*opts.Aborted))
	}

	query += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*ports.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListStageEvents returns a run's stage outcomes in execution order.
func (s *Store) ListStageEvents(ctx context.Context, runID string) ([]*ports.StageEvent, error) {
	query := `SELECT run_id, stage, kind, position, outcome, error_kind, error, duration_ns, created_at
		FROM stage_events WHERE run_id = ? ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage events: %w", err)
	}
	defer rows.Close()

	var events []*ports.StageEvent
	for rows.Next() {
		var (
			ev                ports.StageEvent
			kind, outcome     string
			errorKind, errMsg sql.NullString
			durationNs        int64
		)
		if err := rows.Scan(&ev.RunID, &ev.Stage, &kind, &ev.Position, &outcome,
			&errorKind, &errMsg, &durationNs, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage event: %w", err)
		}
		ev.Kind = domain.StageKind(kind)
		ev.Outcome = ports.StageOutcome(outcome)
		ev.ErrorKind = domain.ErrorKind(errorKind.String)
		ev.Error = errMsg.String
		ev.Duration = time.Duration(durationNs)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
