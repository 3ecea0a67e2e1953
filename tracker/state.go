package tracker

import (
	"fmt"
	"strings"
	"time"

	"github.com/richinex/mtcollect/mtconnect"
)

// Mode selects how the upper bound evolves while following the stream.
type Mode string

const (
	// ModeParse processes every fetched slice and refreshes the window from
	// it, so the loop chases a moving lastSequence.
	ModeParse Mode = "parse"

	// ModeTraverse skips processing after the initial snapshot. The window
	// stays frozen, which isolates network fetch throughput from parsing cost
	// but does not follow the agent's advancing buffer.
	ModeTraverse Mode = "traverse"
)

// ParseMode converts a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeParse:
		return ModeParse, nil
	case ModeTraverse:
		return ModeTraverse, nil
	default:
		return "", fmt.Errorf("unknown mode %q (expected %q or %q)", s, ModeParse, ModeTraverse)
	}
}

// Window is the range of sequence numbers an agent currently retains.
type Window struct {
	First uint64
	Last  uint64
}

// State is the loop state between iterations. Each iteration produces a new
// State; nothing is mutated in place.
//
// Position is the next sequence number to request. Once the run is done it
// is the final position fetched, which equals Window.Last.
type State struct {
	Position uint64
	Start    uint64
	Window   Window
	Document *mtconnect.Document
	Fetches  int
}

// Difference returns Window.Last - Position as a signed value.
func (s State) Difference() int64 {
	return int64(s.Window.Last) - int64(s.Position)
}

// Result summarizes a run. On failure Final is the last state that completed
// successfully.
type Result struct {
	Mode      Mode
	Lookahead uint64
	Start     uint64
	// Window is the window resolved from the initial snapshot.
	Window  Window
	Final   State
	Fetches int
	Elapsed time.Duration
}
