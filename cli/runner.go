// Command execution for CLI commands.
//
// Information Hiding:
// - Client/processor/tracker wiring hidden
// - Sink, journal and metrics server setup hidden
// - Output formatting hidden

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/richinex/mtcollect/config"
	"github.com/richinex/mtcollect/internal/logging"
	"github.com/richinex/mtcollect/metrics"
	"github.com/richinex/mtcollect/mtconnect"
	"github.com/richinex/mtcollect/processor"
	"github.com/richinex/mtcollect/sink"
	"github.com/richinex/mtcollect/storage"
	"github.com/richinex/mtcollect/tracker"
)

// Options holds CLI execution options.
type Options struct {
	// Verbose enables debug logging.
	Verbose bool
	// Quiet suppresses document rendering in parse mode and for current.
	Quiet bool
	// Stdout receives reports and renderings. Defaults to os.Stdout.
	Stdout io.Writer
	// Stderr receives log records. Defaults to os.Stderr.
	Stderr io.Writer
}

// DefaultOptions returns default CLI options.
func DefaultOptions() Options {
	return Options{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

func (o Options) withDefaults() Options {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

// Follow runs the sequence tracker in the configured mode until it catches
// up with the agent, persisting slices to every configured sink. Every run
// is journaled: in SQLite when a database is configured, in memory otherwise.
// It returns the journal record of the run.
func Follow(ctx context.Context, settings config.Settings, opts Options) (storage.Run, error) {
	opts = opts.withDefaults()

	logger, err := createLogger(settings, opts)
	if err != nil {
		return storage.Run{}, err
	}

	mode, err := tracker.ParseMode(settings.Agent.Mode)
	if err != nil {
		return storage.Run{}, err
	}

	client, err := createClient(settings, logger)
	if err != nil {
		return storage.Run{}, err
	}

	var renderOut io.Writer
	if mode == tracker.ModeParse && !opts.Quiet {
		renderOut = opts.Stdout
	}
	proc := processor.New(renderOut, logger)

	var sinks sink.Multi
	cleanups := []func(){}
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	if settings.Output.Dir != "" {
		files, err := sink.NewFile(sink.FileOptions{
			Dir:      settings.Output.Dir,
			Compress: settings.Output.Compress,
			Logger:   logger,
		})
		if err != nil {
			return storage.Run{}, err
		}
		cleanups = append(cleanups, func() { files.Close() })
		sinks = append(sinks, files)
	}

	if settings.Influx.Enabled() {
		ic := influxdb2.NewClient(settings.Influx.URL, settings.Influx.Token)
		cleanups = append(cleanups, ic.Close)
		writeAPI := ic.WriteAPIBlocking(settings.Influx.Org, settings.Influx.Bucket)
		sinks = append(sinks, sink.NewInflux(writeAPI, logger))
	}

	var journal storage.RunStorage = storage.NewInMemoryStorage()
	journalName := "memory"
	if settings.Output.DB != "" {
		store, err := storage.OpenSqlite(settings.Output.DB)
		if err != nil {
			return storage.Run{}, fmt.Errorf("failed to open journal: %w", err)
		}
		cleanups = append(cleanups, func() { store.Close() })
		journal = store
		journalName = settings.Output.DB
	}
	run := storage.NewRun(string(mode), client.BaseURL(), settings.Agent.Lookahead)
	sinks = append(sinks, storage.NewSliceJournal(journal, run.ID))

	trackerOpts := tracker.Options{
		Mode:         mode,
		Lookahead:    settings.Agent.Lookahead,
		ReportEvery:  settings.Agent.ReportEvery,
		Report:       opts.Stdout,
		PersistEvery: settings.Output.PersistEvery,
		Sink:         sinks,
		Logger:       logger,
	}

	if settings.Metrics.Addr != "" {
		collector, err := metrics.New(prometheus.NewRegistry())
		if err != nil {
			return storage.Run{}, fmt.Errorf("failed to create metrics: %w", err)
		}
		stop, err := serveMetrics(settings.Metrics.Addr, collector.Handler(), logger)
		if err != nil {
			return storage.Run{}, err
		}
		cleanups = append(cleanups, stop)
		trackerOpts.Recorder = collector
	}

	t, err := tracker.New(client, proc, trackerOpts)
	if err != nil {
		return storage.Run{}, err
	}

	run.Lookahead = t.Lookahead()
	if err := journal.BeginRun(ctx, run); err != nil {
		return storage.Run{}, err
	}
	logger.Info("journal run started", "run_id", run.ID, "journal", journalName)

	res, runErr := t.Run(ctx)

	outcome := storage.Outcome{
		FirstSequence: res.Window.First,
		LastSequence:  res.Window.Last,
		StartPosition: res.Start,
		FinalPosition: res.Final.Position,
		Fetches:       res.Fetches,
		Err:           runErr,
	}
	// The run context may already be cancelled; the outcome is still recorded.
	finishCtx := context.WithoutCancel(ctx)
	if err := journal.FinishRun(finishCtx, run.ID, outcome); err != nil {
		logger.Error("failed to finish journal run", "run_id", run.ID, "error", err)
	}
	if recorded, err := journal.GetRun(finishCtx, run.ID); err == nil {
		run = recorded
	}

	if runErr != nil {
		return run, fmt.Errorf("%s run failed at position %d: %w", mode, res.Final.Position, runErr)
	}

	logger.Info("run complete",
		"run_id", run.ID,
		"mode", mode,
		"start", res.Start,
		"final", res.Final.Position,
		"fetches", res.Fetches,
		"elapsed", res.Elapsed.Round(time.Millisecond))
	return run, nil
}

// Current fetches the agent snapshot and prints its window, followed by the
// rendered document unless quiet.
func Current(ctx context.Context, settings config.Settings, opts Options) error {
	opts = opts.withDefaults()

	logger, err := createLogger(settings, opts)
	if err != nil {
		return err
	}

	client, err := createClient(settings, logger)
	if err != nil {
		return err
	}

	doc, err := client.Current(ctx)
	if err != nil {
		return err
	}

	h, err := processor.ReadHeader(doc)
	if err != nil {
		return err
	}

	fmt.Fprintf(opts.Stdout, "agent:          %s\n", client.BaseURL())
	if h.InstanceID != "" {
		fmt.Fprintf(opts.Stdout, "instance:       %s\n", h.InstanceID)
	}
	if h.Sender != "" {
		fmt.Fprintf(opts.Stdout, "sender:         %s\n", h.Sender)
	}
	fmt.Fprintf(opts.Stdout, "firstSequence:  %d\n", h.FirstSequence)
	fmt.Fprintf(opts.Stdout, "lastSequence:   %d\n", h.LastSequence)
	if h.NextSequence != 0 {
		fmt.Fprintf(opts.Stdout, "nextSequence:   %d\n", h.NextSequence)
	}
	fmt.Fprintf(opts.Stdout, "window size:    %d\n", h.LastSequence-h.FirstSequence+1)

	if opts.Quiet {
		return nil
	}
	fmt.Fprintln(opts.Stdout)
	return processor.Render(opts.Stdout, doc)
}

// ListRuns prints the most recent runs in the journal.
func ListRuns(ctx context.Context, settings config.Settings, limit int, opts Options) error {
	opts = opts.withDefaults()

	store, err := openJournal(settings)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Fprintln(opts.Stdout, "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tMODE\tSTATUS\tSTART\tFINAL\tLAST\tFETCHES\tSTARTED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.Mode, r.Status, r.StartPosition, r.FinalPosition, r.LastSequence,
			r.Fetches, time.Unix(r.StartedAt, 0).Format(time.DateTime), truncateString(r.Error, 60))
	}
	return tw.Flush()
}

// ShowRun prints one run and its slice records. With verify set, every
// slice's artifact in settings.Output.Dir is read back and its checksum
// compared against the journal; any missing or mismatched artifact makes
// ShowRun return an error after printing the full listing.
func ShowRun(ctx context.Context, settings config.Settings, runID string, verify bool, opts Options) error {
	opts = opts.withDefaults()

	if verify && settings.Output.Dir == "" {
		return errors.New("no artifact directory configured (set --out or MTCOLLECT_OUTPUT_DIR)")
	}

	store, err := openJournal(settings)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	records, err := store.LoadSlices(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(opts.Stdout, "run:            %s\n", run.ID)
	fmt.Fprintf(opts.Stdout, "mode:           %s\n", run.Mode)
	fmt.Fprintf(opts.Stdout, "agent:          %s\n", run.Agent)
	fmt.Fprintf(opts.Stdout, "status:         %s\n", run.Status)
	fmt.Fprintf(opts.Stdout, "window:         %d..%d\n", run.FirstSequence, run.LastSequence)
	fmt.Fprintf(opts.Stdout, "lookahead:      %d\n", run.Lookahead)
	fmt.Fprintf(opts.Stdout, "positions:      %d..%d\n", run.StartPosition, run.FinalPosition)
	fmt.Fprintf(opts.Stdout, "fetches:        %d\n", run.Fetches)
	if run.Error != "" {
		fmt.Fprintf(opts.Stdout, "error:          %s\n", run.Error)
	}
	fmt.Fprintf(opts.Stdout, "slices:         %d\n", len(records))

	if len(records) == 0 {
		return nil
	}
	fmt.Fprintln(opts.Stdout)

	failed := 0
	tw := tabwriter.NewWriter(opts.Stdout, 0, 4, 2, ' ', 0)
	header := "SEQUENCE\tBYTES\tCHECKSUM\tFETCHED"
	if verify {
		header += "\tARTIFACT"
	}
	fmt.Fprintln(tw, header)
	for _, rec := range records {
		line := fmt.Sprintf("%d\t%d\t%s\t%s", rec.Sequence, rec.ByteSize,
			truncateString(rec.Checksum, 16), time.Unix(rec.FetchedAt, 0).Format(time.DateTime))
		if verify {
			status := verifyArtifact(settings.Output.Dir, rec)
			if status != "ok" {
				failed++
			}
			line += "\t" + status
		}
		fmt.Fprintln(tw, line)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d artifacts failed verification", failed, len(records))
	}
	return nil
}

// verifyArtifact reads the artifact for rec back and compares checksums.
func verifyArtifact(dir string, rec storage.SliceRecord) string {
	path, err := sink.FindArtifact(dir, rec.Sequence)
	if err != nil {
		return "missing"
	}
	data, err := sink.ReadArtifact(path)
	if err != nil {
		return "unreadable"
	}
	if sink.Checksum(data) != rec.Checksum {
		return "mismatch"
	}
	return "ok"
}

// DeleteRun removes a run and its slice records from the journal.
// Artifacts on disk are left in place.
func DeleteRun(ctx context.Context, settings config.Settings, runID string, opts Options) error {
	opts = opts.withDefaults()

	store, err := openJournal(settings)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.GetRun(ctx, runID); err != nil {
		return err
	}
	if err := store.DeleteRun(ctx, runID); err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "Deleted run %s\n", runID)
	return nil
}

// openJournal opens the configured SQLite journal.
func openJournal(settings config.Settings) (*storage.SqliteStorage, error) {
	if settings.Output.DB == "" {
		return nil, errors.New("no journal database configured (set --db or MTCOLLECT_DB)")
	}
	store, err := storage.OpenSqlite(settings.Output.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return store, nil
}

// createLogger builds the process logger from settings.
func createLogger(settings config.Settings, opts Options) (*slog.Logger, error) {
	cfg := logging.Config{
		Level:   settings.Log.Level,
		Format:  settings.Log.Format,
		Service: "mtcollect",
	}
	if opts.Verbose {
		cfg.Level = "debug"
	}
	return logging.New(opts.Stderr, cfg)
}

// createClient builds the agent client from settings.
func createClient(settings config.Settings, logger *slog.Logger) (*mtconnect.Client, error) {
	clientOpts := []mtconnect.ClientOption{
		mtconnect.WithLogger(logger),
	}
	if settings.Agent.FetchTimeout > 0 {
		clientOpts = append(clientOpts, mtconnect.WithTimeout(settings.Agent.FetchTimeout))
	}
	if settings.Agent.UserAgent != "" {
		clientOpts = append(clientOpts, mtconnect.WithUserAgent(settings.Agent.UserAgent))
	}
	return mtconnect.NewClient(settings.Agent.URL, clientOpts...)
}

// serveMetrics starts the Prometheus endpoint and returns a stop function.
func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on metrics address %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// truncateString shortens s to maxLen characters.
func truncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
