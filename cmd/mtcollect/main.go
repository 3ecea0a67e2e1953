// Package main provides the mtcollect CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/richinex/mtcollect/cli"
	"github.com/richinex/mtcollect/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	agentURL   string
	lookahead  uint64
	timeout    time.Duration
	dbPath     string
	verbose    bool
	quiet      bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "mtcollect",
		Short: "Follow the sequence stream of an MTConnect agent",
		Long: `A CLI tool that follows the sample stream of an MTConnect agent.

It reads the agent's buffer window from /current, starts a few sequence
numbers past firstSequence, and fetches /sample?from=N for each position
until it reaches lastSequence. Progress is printed every 1000 positions.

Two modes available:
- follow: parse every slice and chase the advancing lastSequence
- traverse: fetch only, against the window frozen at startup`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVarP(&agentURL, "agent", "a", "", "Agent base URL (default "+config.DefaultAgentURL+")")
	rootCmd.PersistentFlags().Uint64VarP(&lookahead, "lookahead", "l", config.DefaultLookahead, "Offset added to firstSequence for the start position")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Per-fetch timeout (0 disables)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Run journal database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Do not render documents")

	// Add commands
	rootCmd.AddCommand(followCmd("follow", "parse", "Follow the stream, parsing every slice"))
	rootCmd.AddCommand(followCmd("traverse", "traverse", "Fetch every slice of the startup window without parsing"))
	rootCmd.AddCommand(currentCmd())
	rootCmd.AddCommand(runsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// loadSettings builds settings from the config file and environment, then
// applies any global flags set on the command line.
func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	settings, err := config.New(configPath)
	if err != nil {
		return config.Settings{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("agent") {
		settings.Agent.URL = agentURL
	}
	if flags.Changed("lookahead") {
		settings.Agent.Lookahead = lookahead
	}
	if flags.Changed("timeout") {
		settings.Agent.FetchTimeout = timeout
	}
	if flags.Changed("db") {
		settings.Output.DB = dbPath
	}
	return settings, settings.Validate()
}

func cliOptions() cli.Options {
	opts := cli.DefaultOptions()
	opts.Verbose = verbose
	opts.Quiet = quiet
	return opts
}

func followCmd(use, mode, short string) *cobra.Command {
	var outDir string
	var compress bool
	var persistEvery uint64
	var reportEvery uint64
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			settings.Agent.Mode = mode

			flags := cmd.Flags()
			if flags.Changed("out") {
				settings.Output.Dir = outDir
			}
			if flags.Changed("compress") {
				settings.Output.Compress = compress
			}
			if flags.Changed("persist-every") {
				settings.Output.PersistEvery = persistEvery
			}
			if flags.Changed("report-every") {
				settings.Agent.ReportEvery = reportEvery
			}
			if flags.Changed("metrics-addr") {
				settings.Metrics.Addr = metricsAddr
			}
			_, err = cli.Follow(cmd.Context(), settings, cliOptions())
			return err
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Directory for raw slice artifacts")
	cmd.Flags().BoolVar(&compress, "compress", false, "Compress slice artifacts with zstd")
	cmd.Flags().Uint64Var(&persistEvery, "persist-every", config.DefaultPersistEvery, "Persist slices whose position is a multiple of N")
	cmd.Flags().Uint64Var(&reportEvery, "report-every", config.DefaultReportEvery, "Print progress when position is a multiple of N")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9108)")

	return cmd
}

func currentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Print the agent's current window and snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			return cli.Current(cmd.Context(), settings, cliOptions())
		},
	}
}

func runsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			return cli.ListRuns(cmd.Context(), settings, limit, cliOptions())
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list (0 for all)")

	cmd.AddCommand(runsShowCmd())
	cmd.AddCommand(runsDeleteCmd())

	return cmd
}

func runsShowCmd() *cobra.Command {
	var verify bool
	var outDir string

	cmd := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show a run and its recorded slices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("out") {
				settings.Output.Dir = outDir
			}
			return cli.ShowRun(cmd.Context(), settings, args[0], verify, cliOptions())
		},
	}

	cmd.Flags().BoolVar(&verify, "verify", false, "Read artifacts back and compare checksums")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Directory holding the run's slice artifacts")

	return cmd
}

func runsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [run-id]",
		Short: "Delete a run and its slice records from the journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			return cli.DeleteRun(cmd.Context(), settings, args[0], cliOptions())
		},
	}
}
