// Package storage provides persistence for the collector's run journal.
//
// Each follow or traverse run gets a Run record; every slice persisted during
// the run gets a SliceRecord. The journal answers "what did we collect, from
// where, and how did it end" after the process exits.
package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	// RunRunning means the run has started and not yet finished.
	RunRunning RunStatus = "running"
	// RunCompleted means the run caught up to the agent's lastSequence.
	RunCompleted RunStatus = "completed"
	// RunFailed means the run was aborted by an error.
	RunFailed RunStatus = "failed"
)

// String returns the string representation of the status.
func (s RunStatus) String() string {
	return string(s)
}

// ParseRunStatus parses a string into a RunStatus.
func ParseRunStatus(s string) (RunStatus, error) {
	switch strings.ToLower(s) {
	case "running":
		return RunRunning, nil
	case "completed":
		return RunCompleted, nil
	case "failed":
		return RunFailed, nil
	default:
		return "", fmt.Errorf("unknown run status: %s", s)
	}
}

// Run is one pass of the sequence tracker against an agent.
type Run struct {
	// ID is a unique identifier for this run.
	ID string `json:"id"`
	// Mode is "parse" or "traverse".
	Mode string `json:"mode"`
	// Agent is the agent base URL.
	Agent string `json:"agent"`
	// Lookahead is the buffer added to firstSequence.
	Lookahead uint64 `json:"lookahead"`
	// FirstSequence and LastSequence are the window from the initial snapshot.
	FirstSequence uint64 `json:"first_sequence"`
	LastSequence  uint64 `json:"last_sequence"`
	// StartPosition is the first position requested.
	StartPosition uint64 `json:"start_position"`
	// FinalPosition is where the run ended: lastSequence on completion,
	// the failing position otherwise.
	FinalPosition uint64 `json:"final_position"`
	// Fetches is the number of sample slices fetched.
	Fetches int `json:"fetches"`
	// Status is the lifecycle state.
	Status RunStatus `json:"status"`
	// Error is the abort reason for failed runs (empty otherwise).
	Error string `json:"error,omitempty"`
	// StartedAt and FinishedAt are Unix timestamps; FinishedAt is 0 while running.
	StartedAt  int64 `json:"started_at"`
	FinishedAt int64 `json:"finished_at"`
}

// NewRun creates a running Run with a fresh ID.
func NewRun(mode, agent string, lookahead uint64) Run {
	return Run{
		ID:        uuid.New().String(),
		Mode:      mode,
		Agent:     agent,
		Lookahead: lookahead,
		Status:    RunRunning,
		StartedAt: time.Now().Unix(),
	}
}

// Outcome is what a run reports when it finishes.
type Outcome struct {
	FirstSequence uint64
	LastSequence  uint64
	StartPosition uint64
	FinalPosition uint64
	Fetches       int
	Err           error
}

// SliceRecord is the journal entry for one persisted slice.
type SliceRecord struct {
	RunID     string `json:"run_id"`
	Sequence  uint64 `json:"sequence"`
	URL       string `json:"url"`
	ByteSize  int    `json:"byte_size"`
	Checksum  string `json:"checksum"`
	FetchedAt int64  `json:"fetched_at"`
}
