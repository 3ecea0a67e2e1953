// Package storage provides in-memory run storage.
//
// Information Hiding:
// - Map storage structure hidden from users
// - Thread-safe access via RWMutex hidden behind interface
// - Suitable for testing and runs without a journal file

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// InMemoryStorage implements RunStorage using in-memory maps.
// Data is lost when process terminates.
type InMemoryStorage struct {
	mu     sync.RWMutex
	runs   map[string]Run
	order  []string
	slices map[string]map[uint64]SliceRecord
}

// NewInMemoryStorage creates a new in-memory storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		runs:   make(map[string]Run),
		slices: make(map[string]map[uint64]SliceRecord),
	}
}

// BeginRun stores a new running run.
func (s *InMemoryStorage) BeginRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("failed to begin run: duplicate run id %s", run.ID)
	}
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	return nil
}

// FinishRun records the outcome of a run.
func (s *InMemoryStorage) FinishRun(ctx context.Context, runID string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	s.runs[runID] = finish(run, outcome)
	return nil
}

// GetRun loads a run by ID.
func (s *InMemoryStorage) GetRun(ctx context.Context, runID string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// ListRuns lists runs, most recent first.
func (s *InMemoryStorage) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := []Run{}
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(runs) == limit {
			break
		}
		runs = append(runs, s.runs[s.order[i]])
	}
	return runs, nil
}

// DeleteRun removes a run and its slices.
func (s *InMemoryStorage) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, runID)
	delete(s.slices, runID)
	for i, id := range s.order {
		if id == runID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// RecordSlice stores one slice record.
func (s *InMemoryStorage) RecordSlice(ctx context.Context, rec SliceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySeq, ok := s.slices[rec.RunID]
	if !ok {
		bySeq = make(map[uint64]SliceRecord)
		s.slices[rec.RunID] = bySeq
	}
	bySeq[rec.Sequence] = rec
	return nil
}

// LoadSlices loads a run's slice records in sequence order.
func (s *InMemoryStorage) LoadSlices(ctx context.Context, runID string) ([]SliceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]SliceRecord, 0, len(s.slices[runID]))
	for _, rec := range s.slices[runID] {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })
	return records, nil
}

var _ RunStorage = (*InMemoryStorage)(nil)
