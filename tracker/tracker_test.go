package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/richinex/mtcollect/mtconnect"
	"github.com/richinex/mtcollect/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent serves synthetic snapshots and slices.
type fakeAgent struct {
	first, last uint64
	lastAt      func(pos uint64) uint64
	failAt      map[uint64]error
	currentErr  error
	onSample    func(pos uint64)

	currentCalls int
	requested    []uint64
}

func windowDoc(url string, first, last uint64) *mtconnect.Document {
	body := fmt.Sprintf(`<MTConnectStreams><Header firstSequence="%d" lastSequence="%d"/><Streams/></MTConnectStreams>`, first, last)
	doc, err := mtconnect.Parse(url, []byte(body))
	if err != nil {
		panic(err)
	}
	return doc
}

func (f *fakeAgent) Current(ctx context.Context) (*mtconnect.Document, error) {
	f.currentCalls++
	if f.currentErr != nil {
		return nil, f.currentErr
	}
	return windowDoc("http://agent/current", f.first, f.last), nil
}

func (f *fakeAgent) Sample(ctx context.Context, from uint64) (*mtconnect.Document, error) {
	f.requested = append(f.requested, from)
	if f.onSample != nil {
		f.onSample(from)
	}
	if err, ok := f.failAt[from]; ok {
		return nil, err
	}
	last := f.last
	if f.lastAt != nil {
		last = f.lastAt(from)
	}
	return windowDoc(fmt.Sprintf("http://agent/sample?from=%d", from), f.first, last), nil
}

type recorder struct {
	fetches []string
	lasts   []uint64
}

func (r *recorder) ObserveFetch(mode Mode, endpoint string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.fetches = append(r.fetches, endpoint+":"+status)
}

func (r *recorder) ObserveState(mode Mode, s State) {
	r.lasts = append(r.lasts, s.Window.Last)
}

type memorySink struct {
	seqs []uint64
	err  error
}

func (m *memorySink) Persist(ctx context.Context, seq uint64, doc *mtconnect.Document) error {
	if m.err != nil {
		return m.err
	}
	m.seqs = append(m.seqs, seq)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTracker(t *testing.T, agent *fakeAgent, render io.Writer, opts Options) *Tracker {
	t.Helper()
	if opts.Report == nil {
		opts.Report = io.Discard
	}
	opts.Logger = quietLogger()
	tr, err := New(agent, processor.New(render, quietLogger()), opts)
	require.NoError(t, err)
	return tr
}

func positions(from, to uint64) []uint64 {
	var out []uint64
	for p := from; p <= to; p++ {
		out = append(out, p)
	}
	return out
}

func TestResolveStartsAtFirstPlusLookahead(t *testing.T) {
	windows := []Window{{0, 0}, {0, 50}, {100, 120}, {100, 100}, {131072, 262144}}
	for _, w := range windows {
		agent := &fakeAgent{first: w.First, last: w.Last}
		tr := newTracker(t, agent, nil, Options{})

		s, err := tr.Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, w.First+10, s.Position, "window %+v", w)
		assert.Equal(t, s.Position, s.Start)
		assert.Equal(t, w, s.Window)
		assert.Empty(t, agent.requested, "resolve must not fetch slices")
	}
}

func TestResolveCustomLookahead(t *testing.T) {
	agent := &fakeAgent{first: 100, last: 500}
	tr := newTracker(t, agent, nil, Options{Lookahead: 25})

	s, err := tr.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(125), s.Position)
}

func TestResolveMissingBoundIsFatal(t *testing.T) {
	agent := &fakeAgent{}
	tr, err := New(sourceFunc(func() (*mtconnect.Document, error) {
		return mtconnect.Parse("http://agent/current", []byte(`<MTConnectStreams><Header lastSequence="5"/></MTConnectStreams>`))
	}, agent), processor.New(nil, quietLogger()), Options{Logger: quietLogger(), Report: io.Discard})
	require.NoError(t, err)

	_, err = tr.Run(context.Background())
	require.ErrorIs(t, err, processor.ErrMissingBound)
	assert.Empty(t, agent.requested)
}

// overrideCurrent replaces Current while delegating Sample to a fake agent.
type overrideCurrent struct {
	*fakeAgent
	current func() (*mtconnect.Document, error)
}

func (o overrideCurrent) Current(ctx context.Context) (*mtconnect.Document, error) {
	return o.current()
}

func sourceFunc(current func() (*mtconnect.Document, error), agent *fakeAgent) Source {
	return overrideCurrent{fakeAgent: agent, current: current}
}

func TestResolveConnectionFailure(t *testing.T) {
	agent := &fakeAgent{currentErr: fmt.Errorf("%w: dial tcp: refused", mtconnect.ErrConnectionFailure)}
	rec := &recorder{}
	tr := newTracker(t, agent, nil, Options{Recorder: rec})

	res, err := tr.Run(context.Background())
	require.ErrorIs(t, err, mtconnect.ErrConnectionFailure)
	assert.Empty(t, agent.requested)
	assert.Equal(t, 0, res.Fetches)
	assert.Equal(t, []string{"current:error"}, rec.fetches)
}

func TestParseModeScenario(t *testing.T) {
	agent := &fakeAgent{first: 100, last: 120}
	var render bytes.Buffer
	rec := &recorder{}
	tr := newTracker(t, agent, &render, Options{Mode: ModeParse, Recorder: rec})

	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, positions(110, 120), agent.requested)
	assert.Equal(t, 11, res.Fetches)
	assert.Equal(t, uint64(110), res.Start)
	assert.Equal(t, uint64(120), res.Final.Position)
	assert.Equal(t, int64(0), res.Final.Difference())
	assert.Equal(t, 1, agent.currentCalls)
	assert.Equal(t, 12, strings.Count(render.String(), processor.Separator), "snapshot and every slice are rendered")
	assert.True(t, strings.HasPrefix(render.String(), "MTConnectStreams"), "snapshot is rendered first")
	assert.Equal(t, Window{First: 100, Last: 120}, res.Window)
	assert.Equal(t, uint64(10), res.Lookahead)
	assert.Len(t, rec.lasts, 11)
}

func TestTraverseModeScenario(t *testing.T) {
	// Slices advertise a much larger last; traverse mode must ignore it.
	agent := &fakeAgent{first: 100, last: 120, lastAt: func(uint64) uint64 { return 5000 }}
	var render bytes.Buffer
	rec := &recorder{}
	tr := newTracker(t, agent, &render, Options{Mode: ModeTraverse, Recorder: rec})

	res, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, positions(110, 120), agent.requested)
	assert.Equal(t, 11, res.Fetches)
	assert.Equal(t, uint64(120), res.Final.Position)
	assert.Zero(t, render.Len(), "traverse mode must not process slices")
	for i, last := range rec.lasts {
		assert.Equal(t, uint64(120), last, "iteration %d", i)
	}
}

func TestModesDivergeOnMovingWindow(t *testing.T) {
	lastAt := func(pos uint64) uint64 {
		if pos >= 115 {
			return 125
		}
		return 120
	}

	parseAgent := &fakeAgent{first: 100, last: 120, lastAt: lastAt}
	rec := &recorder{}
	res, err := newTracker(t, parseAgent, nil, Options{Mode: ModeParse, Recorder: rec}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, positions(110, 125), parseAgent.requested)
	assert.Equal(t, 16, res.Fetches)
	for i := 1; i < len(rec.lasts); i++ {
		assert.GreaterOrEqual(t, rec.lasts[i], rec.lasts[i-1], "last must not decrease")
	}

	traverseAgent := &fakeAgent{first: 100, last: 120, lastAt: lastAt}
	res, err = newTracker(t, traverseAgent, nil, Options{Mode: ModeTraverse}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, positions(110, 120), traverseAgent.requested)
	assert.Equal(t, 11, res.Fetches)
}

func TestFailureAbortsImmediately(t *testing.T) {
	for _, mode := range []Mode{ModeParse, ModeTraverse} {
		t.Run(string(mode), func(t *testing.T) {
			agent := &fakeAgent{
				first:  100,
				last:   120,
				failAt: map[uint64]error{115: fmt.Errorf("%w: connection reset", mtconnect.ErrConnectionFailure)},
			}
			var report bytes.Buffer
			tr := newTracker(t, agent, nil, Options{Mode: mode, Report: &report, ReportEvery: 1})

			res, err := tr.Run(context.Background())
			require.ErrorIs(t, err, mtconnect.ErrConnectionFailure)

			assert.Equal(t, positions(110, 115), agent.requested, "no position after 115 may be requested")
			assert.Equal(t, 5, res.Fetches)
			assert.Equal(t, uint64(115), res.Final.Position)
			assert.NotContains(t, report.String(), "115 ")
			assert.NotContains(t, report.String(), "116 ")
		})
	}
}

func TestParseModeMalformedSliceAborts(t *testing.T) {
	agent := &fakeAgent{first: 100, last: 120}
	src := sampleOverride{fakeAgent: agent, at: 112, body: `<MTConnectStreams><Header firstSequence="100"/></MTConnectStreams>`}
	tr, err := New(src, processor.New(nil, quietLogger()), Options{Mode: ModeParse, Report: io.Discard, Logger: quietLogger()})
	require.NoError(t, err)

	_, err = tr.Run(context.Background())
	require.ErrorIs(t, err, processor.ErrMissingBound)
	assert.Equal(t, positions(110, 112), agent.requested)
}

type sampleOverride struct {
	*fakeAgent
	at   uint64
	body string
}

func (s sampleOverride) Sample(ctx context.Context, from uint64) (*mtconnect.Document, error) {
	doc, err := s.fakeAgent.Sample(ctx, from)
	if from == s.at {
		return mtconnect.Parse("http://agent/sample", []byte(s.body))
	}
	return doc, err
}

func TestIntervalScenario(t *testing.T) {
	agent := &fakeAgent{first: 890, last: 1100}
	var report bytes.Buffer
	tr := newTracker(t, agent, nil, Options{Mode: ModeTraverse, Report: &report})

	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(900), res.Start)
	assert.Equal(t, 201, res.Fetches)
	assert.Equal(t, "1000 1100 dif: 100\n", report.String())
}

func TestPositionBeyondWindow(t *testing.T) {
	// Lookahead pushes the start past last; the loop must not chase forever.
	agent := &fakeAgent{first: 100, last: 105}
	tr := newTracker(t, agent, nil, Options{Mode: ModeTraverse})

	_, err := tr.Run(context.Background())
	require.ErrorIs(t, err, ErrPositionBeyondWindow)
	assert.Equal(t, []uint64{110}, agent.requested)
}

func TestParseModeChasesClimbingLast(t *testing.T) {
	// The start overshoots the snapshot's last; later slices catch up.
	lastAt := func(pos uint64) uint64 {
		if pos < 112 {
			return pos - 2
		}
		return 112
	}
	agent := &fakeAgent{first: 100, last: 105, lastAt: lastAt}
	tr := newTracker(t, agent, nil, Options{Mode: ModeParse})

	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, positions(110, 112), agent.requested)
	assert.Equal(t, uint64(112), res.Final.Position)
	assert.Equal(t, Window{First: 100, Last: 105}, res.Window, "result keeps the snapshot window")
	assert.Equal(t, uint64(112), res.Final.Window.Last)
}

func TestResultReportsEffectiveLookahead(t *testing.T) {
	agent := &fakeAgent{first: 100, last: 140}
	tr := newTracker(t, agent, nil, Options{Mode: ModeTraverse, Lookahead: 0})
	assert.Equal(t, uint64(DefaultLookahead), tr.Lookahead())

	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultLookahead), res.Lookahead)
	assert.Equal(t, uint64(110), res.Start)

	tr = newTracker(t, &fakeAgent{first: 100, last: 140}, nil, Options{Mode: ModeTraverse, Lookahead: 30})
	assert.Equal(t, uint64(30), tr.Lookahead())
}

func TestNeverFetchesBelowStart(t *testing.T) {
	agent := &fakeAgent{first: 4000, last: 4100, lastAt: func(pos uint64) uint64 { return 4100 }}
	tr := newTracker(t, agent, nil, Options{Mode: ModeParse, Lookahead: 30})

	res, err := tr.Run(context.Background())
	require.NoError(t, err)
	for _, p := range agent.requested {
		assert.GreaterOrEqual(t, p, res.Start)
	}
	assert.Equal(t, uint64(4030), agent.requested[0])
	assert.Equal(t, uint64(4100), agent.requested[len(agent.requested)-1])
}

func TestSinkPersistsSlices(t *testing.T) {
	agent := &fakeAgent{first: 100, last: 120}
	sink := &memorySink{}
	tr := newTracker(t, agent, nil, Options{Mode: ModeTraverse, Sink: sink})

	_, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, positions(110, 120), sink.seqs)
}

func TestSinkPersistEvery(t *testing.T) {
	agent := &fakeAgent{first: 100, last: 120}
	sink := &memorySink{}
	tr := newTracker(t, agent, nil, Options{Mode: ModeTraverse, Sink: sink, PersistEvery: 5})

	_, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{110, 115, 120}, sink.seqs)
}

func TestSinkFailureAborts(t *testing.T) {
	agent := &fakeAgent{first: 100, last: 120}
	diskFull := errors.New("disk full")
	tr := newTracker(t, agent, nil, Options{Mode: ModeParse, Sink: &memorySink{err: diskFull}})

	_, err := tr.Run(context.Background())
	require.ErrorIs(t, err, diskFull)
	assert.Equal(t, []uint64{110}, agent.requested)
}

func TestCancellationStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := &fakeAgent{first: 100, last: 120}
	agent.onSample = func(pos uint64) {
		if pos == 113 {
			cancel()
		}
	}
	tr := newTracker(t, agent, nil, Options{Mode: ModeTraverse})

	_, err := tr.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, positions(110, 113), agent.requested)
}

func TestStepProducesNewState(t *testing.T) {
	agent := &fakeAgent{first: 100, last: 120}
	tr := newTracker(t, agent, nil, Options{Mode: ModeParse})

	s0, err := tr.Resolve(context.Background())
	require.NoError(t, err)

	s1, done, err := tr.Step(context.Background(), s0)
	require.NoError(t, err)
	assert.False(t, done)

	assert.Equal(t, uint64(110), s0.Position, "input state must be unchanged")
	assert.Equal(t, 0, s0.Fetches)
	assert.Equal(t, uint64(111), s1.Position)
	assert.Equal(t, 1, s1.Fetches)
	assert.NotSame(t, s0.Document, s1.Document)
	assert.Equal(t, "http://agent/sample?from=110", s1.Document.URL())
}

func TestNewValidation(t *testing.T) {
	proc := processor.New(nil, quietLogger())

	_, err := New(nil, proc, Options{})
	assert.Error(t, err)

	_, err = New(&fakeAgent{}, nil, Options{})
	assert.Error(t, err)

	_, err = New(&fakeAgent{}, proc, Options{Mode: "sideways"})
	assert.Error(t, err)

	tr, err := New(&fakeAgent{}, proc, Options{})
	require.NoError(t, err)
	assert.Equal(t, ModeParse, tr.Mode())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Traverse ")
	require.NoError(t, err)
	assert.Equal(t, ModeTraverse, m)

	m, err = ParseMode("parse")
	require.NoError(t, err)
	assert.Equal(t, ModeParse, m)

	_, err = ParseMode("")
	assert.Error(t, err)
}
