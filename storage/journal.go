package storage

import (
	"context"
	"errors"
	"time"

	"github.com/richinex/mtcollect/mtconnect"
	"github.com/richinex/mtcollect/sink"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// RunStorage persists runs and the slices recorded during them.
type RunStorage interface {
	// BeginRun stores a new running run.
	BeginRun(ctx context.Context, run Run) error

	// FinishRun records the outcome of a run.
	FinishRun(ctx context.Context, runID string, outcome Outcome) error

	// GetRun loads a run by ID. Returns ErrRunNotFound if missing.
	GetRun(ctx context.Context, runID string) (Run, error)

	// ListRuns lists runs, most recent first. limit <= 0 means no limit.
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// DeleteRun removes a run and its slices.
	DeleteRun(ctx context.Context, runID string) error

	// RecordSlice stores one slice record.
	RecordSlice(ctx context.Context, rec SliceRecord) error

	// LoadSlices loads a run's slice records in sequence order.
	LoadSlices(ctx context.Context, runID string) ([]SliceRecord, error)
}

// finish applies an outcome to a run.
func finish(run Run, outcome Outcome) Run {
	run.FirstSequence = outcome.FirstSequence
	run.LastSequence = outcome.LastSequence
	run.StartPosition = outcome.StartPosition
	run.FinalPosition = outcome.FinalPosition
	run.Fetches = outcome.Fetches
	run.FinishedAt = time.Now().Unix()
	if outcome.Err != nil {
		run.Status = RunFailed
		run.Error = outcome.Err.Error()
	} else {
		run.Status = RunCompleted
		run.Error = ""
	}
	return run
}

// SliceJournal records every persisted slice of one run.
type SliceJournal struct {
	store RunStorage
	runID string
}

// NewSliceJournal returns a sink that records slices for runID in store.
func NewSliceJournal(store RunStorage, runID string) *SliceJournal {
	return &SliceJournal{store: store, runID: runID}
}

// Persist implements sink.Sink.
func (j *SliceJournal) Persist(ctx context.Context, seq uint64, doc *mtconnect.Document) error {
	return j.store.RecordSlice(ctx, SliceRecord{
		RunID:     j.runID,
		Sequence:  seq,
		URL:       doc.URL(),
		ByteSize:  doc.Size(),
		Checksum:  sink.Checksum(doc.Bytes()),
		FetchedAt: time.Now().Unix(),
	})
}

var _ sink.Sink = (*SliceJournal)(nil)
