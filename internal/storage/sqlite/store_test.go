package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_SaveAndGetRun(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	run := &ports.RunRecord{
		ID:          "run-1",
		Port:        "8880",
		Method:      "POST",
		Path:        "/Users",
		Source:      "http",
		Status:      400,
		Aborted:     true,
		Detail:      "Error while running interceptor (rule): userName notEqual root",
		Diagnostics: []string{"userName notEqual root"},
		Metadata:    map[string]string{"client": "hr"},
		Duration:    15 * time.Millisecond,
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if !got.Aborted || got.Status != 400 || got.Detail != run.Detail {
		t.Errorf("GetRun() = %+v", got)
	}
	if len(got.Diagnostics) != 1 || got.Diagnostics[0] != "userName notEqual root" {
		t.Errorf("Diagnostics = %v", got.Diagnostics)
	}
	if got.Metadata["client"] != "hr" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if got.Duration != run.Duration {
		t.Errorf("Duration = %v, want %v", got.Duration, run.Duration)
	}
	if !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, run.CreatedAt)
	}
}

func TestSQLiteStore_GetRunNotFound(t *testing.T) {
	store := newStore(t)
	_, err := store.GetRun(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetRun() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_ListRuns(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		run := &ports.RunRecord{
			ID:        id,
			Port:      "8880",
			Method:    "POST",
			Path:      "/Users",
			Source:    "http",
			Status:    201,
			Aborted:   id == "b",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if id == "c" {
			run.Port = "9990"
		}
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun(%s) error = %v", id, err)
		}
	}

	tests := []struct {
		name string
		opts ports.RunListOptions
		want []string
	}{
		{"all newest first", ports.RunListOptions{}, []string{"c", "b", "a"}},
		{"by port", ports.RunListOptions{Port: "8880"}, []string{"b", "a"}},
		{"aborted", ports.RunListOptions{Aborted: ptr(true)}, []string{"b"}},
		{"not aborted", ports.RunListOptions{Aborted: ptr(false)}, []string{"c", "a"}},
		{"paged", ports.RunListOptions{Limit: 1, Offset: 1}, []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := store.ListRuns(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListRuns() error = %v", err)
			}
			if len(runs) != len(tt.want) {
				t.Fatalf("ListRuns() returned %d runs, want %d", len(runs), len(tt.want))
			}
			for i, r := range runs {
				if r.ID != tt.want[i] {
					t.Errorf("runs[%d] = %s, want %s", i, r.ID, tt.want[i])
				}
			}
		})
	}
}

func TestSQLiteStore_StageEvents(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	store.RecordStage(ctx, ports.StageEvent{
		RunID: "run-1", Stage: "enrich", Kind: domain.KindRequest, Position: 1,
		Outcome: ports.OutcomeOK, Duration: time.Millisecond,
	})
	store.RecordStage(ctx, ports.StageEvent{
		RunID: "run-1", Stage: "gate", Kind: domain.KindRule, Position: 2,
		Outcome: ports.OutcomeAborted, ErrorKind: domain.ErrorKindRuleViolation, Error: "denied",
	})
	store.RecordStage(ctx, ports.StageEvent{RunID: "run-2", Stage: "other", Kind: domain.KindRule, Outcome: ports.OutcomeOK})

	events, err := store.ListStageEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListStageEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ListStageEvents() returned %d events, want 2", len(events))
	}
	if events[0].Stage != "enrich" || events[0].Duration != time.Millisecond || events[0].Error != "" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Outcome != ports.OutcomeAborted || events[1].ErrorKind != domain.ErrorKindRuleViolation {
		t.Errorf("events[1] = %+v", events[1])
	}
}

func ptr[T any](v T) *T { return &v }
