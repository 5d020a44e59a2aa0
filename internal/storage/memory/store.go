// Package memory is an in-process run journal, used when no database is
// configured and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/storage"
)

// DefaultCapacity bounds the number of runs kept.
const DefaultCapacity = 1000

// Store keeps the most recent runs in memory.
type Store struct {
	mu       sync.RWMutex
	capacity int
	runs     map[string]*ports.RunRecord
	order    []string // run ids, oldest first
	events   map[string][]*ports.StageEvent
}

var _ storage.RunJournal = (*Store)(nil)

// New creates a store holding at most capacity runs (DefaultCapacity when
// capacity <= 0).
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		runs:     make(map[string]*ports.RunRecord),
		events:   make(map[string][]*ports.StageEvent),
	}
}

func (s *Store) RecordStage(ctx context.Context, ev ports.StageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.events[ev.RunID] = append(s.events[ev.RunID], &ev)
}

func (s *Store) SaveRun(ctx context.Context, run *ports.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	cp := *run
	if _, exists := s.runs[run.ID]; !exists {
		s.order = append(s.order, run.ID)
	}
	s.runs[run.ID] = &cp

	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.runs, oldest)
		delete(s.events, oldest)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*ports.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	cp := *run
	return &cp, nil
}

func (s *Store) ListRuns(ctx context.Context, opts ports.RunListOptions) ([]*ports.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*ports.RunRecord
	for _, run := range s.runs {
		if opts.Port != "" && run.Port != opts.Port {
			continue
		}
		if opts.Aborted != nil && run.Aborted != *opts.Aborted {
			continue
		}
		cp := *run
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	if opts.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) ListStageEvents(ctx context.Context, runID string) ([]*ports.StageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[runID]
	out := make([]*ports.StageEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
