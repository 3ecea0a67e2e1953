// Package tracker follows an agent's sequence stream.
//
// A run resolves the agent's window from a current snapshot, starts at
// firstSequence plus a lookahead buffer, and fetches one sample slice per
// position until the position reaches the held lastSequence.
//
// Information Hiding:
// - Fetch/stage/persist ordering hidden inside Step
// - Mode differences reduced to a single Stage function
// - Progress reporting and metrics hooks hidden from callers

package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/richinex/mtcollect/mtconnect"
	"github.com/richinex/mtcollect/processor"
)

// DefaultLookahead is added to firstSequence to get the starting position.
// The agent's buffer can advance several times per second, so starting at
// firstSequence risks requesting data that has already rolled out.
const DefaultLookahead = 10

// ErrPositionBeyondWindow means the position passed the frozen lastSequence
// of a traverse run, so the difference can never reach zero.
var ErrPositionBeyondWindow = errors.New("position beyond window")

// Source fetches documents from an agent. *mtconnect.Client implements it.
type Source interface {
	Current(ctx context.Context) (*mtconnect.Document, error)
	Sample(ctx context.Context, from uint64) (*mtconnect.Document, error)
}

// Sink persists one fetched slice keyed by its sequence number.
type Sink interface {
	Persist(ctx context.Context, seq uint64, doc *mtconnect.Document) error
}

// Recorder observes fetches and loop progress.
type Recorder interface {
	ObserveFetch(mode Mode, endpoint string, elapsed time.Duration, err error)
	ObserveState(mode Mode, s State)
}

// Options configures a Tracker. Zero values select defaults.
type Options struct {
	Mode Mode

	// Stage overrides the mode's default stage.
	Stage Stage

	// Lookahead defaults to DefaultLookahead.
	Lookahead uint64

	// ReportEvery defaults to DefaultReportEvery.
	ReportEvery uint64

	// Report receives interval lines. Defaults to os.Stdout.
	Report io.Writer

	// Sink, when set, receives every slice whose position is a multiple of
	// PersistEvery (default 1, i.e. every slice).
	Sink         Sink
	PersistEvery uint64

	Recorder Recorder
	Logger   *slog.Logger
}

// Tracker drives the sequence-following loop. It holds configuration only;
// all per-run state lives in State values owned by Run.
type Tracker struct {
	source       Source
	proc         *processor.Processor
	mode         Mode
	stage        Stage
	lookahead    uint64
	reportEvery  uint64
	report       io.Writer
	sink         Sink
	persistEvery uint64
	recorder     Recorder
	logger       *slog.Logger
}

// New creates a Tracker reading from source. proc reads window bounds from
// snapshots and, in parse mode, from every slice.
func New(source Source, proc *processor.Processor, opts Options) (*Tracker, error) {
	if source == nil {
		return nil, fmt.Errorf("tracker: source is required")
	}
	if proc == nil {
		return nil, fmt.Errorf("tracker: processor is required")
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeParse
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}

	t := &Tracker{
		source:       source,
		proc:         proc,
		mode:         mode,
		stage:        opts.Stage,
		lookahead:    opts.Lookahead,
		reportEvery:  opts.ReportEvery,
		report:       opts.Report,
		sink:         opts.Sink,
		persistEvery: opts.PersistEvery,
		recorder:     opts.Recorder,
		logger:       opts.Logger,
	}
	if t.stage == nil {
		t.stage = StageFor(mode, proc)
	}
	if t.lookahead == 0 {
		t.lookahead = DefaultLookahead
	}
	if t.reportEvery == 0 {
		t.reportEvery = DefaultReportEvery
	}
	if t.report == nil {
		t.report = os.Stdout
	}
	if t.persistEvery == 0 {
		t.persistEvery = 1
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t, nil
}

// Mode returns the tracker's mode.
func (t *Tracker) Mode() Mode {
	return t.mode
}

// Lookahead returns the lookahead in effect, after defaults.
func (t *Tracker) Lookahead() uint64 {
	return t.lookahead
}

// Resolve fetches the current snapshot and returns the initial state,
// positioned at firstSequence + lookahead.
func (t *Tracker) Resolve(ctx context.Context) (State, error) {
	start := time.Now()
	doc, err := t.source.Current(ctx)
	t.observeFetch("current", time.Since(start), err)
	if err != nil {
		return State{}, fmt.Errorf("resolve window: %w", err)
	}

	first, last, err := t.proc.Bounds(doc)
	if err != nil {
		return State{}, fmt.Errorf("resolve window: %w", err)
	}

	pos := first + t.lookahead
	return State{
		Position: pos,
		Start:    pos,
		Window:   Window{First: first, Last: last},
		Document: doc,
	}, nil
}

// Step runs one iteration from s: fetch the slice at s.Position, run the
// stage, persist, report, and check termination. It returns the next state
// and whether the run is done. On error the returned state is s unchanged.
func (t *Tracker) Step(ctx context.Context, s State) (State, bool, error) {
	if err := ctx.Err(); err != nil {
		return s, false, fmt.Errorf("position %d: %w", s.Position, err)
	}

	start := time.Now()
	doc, err := t.source.Sample(ctx, s.Position)
	t.observeFetch("sample", time.Since(start), err)
	if err != nil {
		return s, false, fmt.Errorf("fetch position %d: %w", s.Position, err)
	}

	window, err := t.stage(ctx, doc, s.Window)
	if err != nil {
		return s, false, fmt.Errorf("process position %d: %w", s.Position, err)
	}

	next := State{
		Position: s.Position,
		Start:    s.Start,
		Window:   window,
		Document: doc,
		Fetches:  s.Fetches + 1,
	}

	if t.sink != nil && next.Position%t.persistEvery == 0 {
		if err := t.sink.Persist(ctx, next.Position, doc); err != nil {
			return s, false, fmt.Errorf("persist position %d: %w", next.Position, err)
		}
	}

	Report(t.report, next.Position, next.Window.Last, t.reportEvery)
	if t.recorder != nil {
		t.recorder.ObserveState(t.mode, next)
	}

	switch diff := next.Difference(); {
	case diff == 0:
		return next, true, nil
	case diff < 0 && t.mode == ModeTraverse:
		// The held window never moves in traverse mode.
		return s, false, fmt.Errorf("%w: position %d, last %d", ErrPositionBeyondWindow, next.Position, next.Window.Last)
	default:
		next.Position++
		return next, false, nil
	}
}

// Run resolves the window and steps until the position reaches the held
// lastSequence. Any error ends the run immediately; nothing is retried.
func (t *Tracker) Run(ctx context.Context) (Result, error) {
	started := time.Now()
	res := Result{Mode: t.mode, Lookahead: t.lookahead}

	s, err := t.Resolve(ctx)
	if err != nil {
		res.Elapsed = time.Since(started)
		return res, err
	}
	res.Start = s.Start
	res.Window = s.Window
	res.Final = s

	if t.mode == ModeParse {
		if err := t.proc.Print(s.Document); err != nil {
			res.Elapsed = time.Since(started)
			return res, fmt.Errorf("render snapshot: %w", err)
		}
	}

	t.logger.Info("following sequence stream",
		"mode", t.mode,
		"first_sequence", s.Window.First,
		"last_sequence", s.Window.Last,
		"start", s.Start,
		"lookahead", t.lookahead)

	for {
		next, done, err := t.Step(ctx, s)
		if err != nil {
			res.Final = s
			res.Fetches = s.Fetches
			res.Elapsed = time.Since(started)
			t.logger.Error("run aborted",
				"mode", t.mode,
				"position", s.Position,
				"fetches", s.Fetches,
				"error", err)
			return res, err
		}
		s = next
		if done {
			break
		}
	}

	res.Final = s
	res.Fetches = s.Fetches
	res.Elapsed = time.Since(started)
	t.logger.Info("caught up",
		"mode", t.mode,
		"position", s.Position,
		"last_sequence", s.Window.Last,
		"fetches", s.Fetches,
		"elapsed", res.Elapsed)
	return res, nil
}

func (t *Tracker) observeFetch(endpoint string, elapsed time.Duration, err error) {
	if t.recorder != nil {
		t.recorder.ObserveFetch(t.mode, endpoint, elapsed, err)
	}
}
