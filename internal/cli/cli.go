// ============================================================================
// Beaver-Batch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for running a job and controlling a running one
//
// Command Structure:
//   beaver-batch                   # Root command
//   ├── run                        # Run one job to completion
//   ├── status                     # Show job statistics
//   │   └── --file, -f             # Read a stats document instead of the admin server
//   ├── pause                      # Hold units that have not started
//   ├── resume                     # Release held units
//   ├── threads <n>                # Resize the worker pool
//   ├── stop                       # Halt the job
//   ├── init [path]                # Write the default config file
//   ├── --config, -c               # Config file (YAML)
//   └── --version
//
// Configuration precedence (highest first):
//   run flags → BEAVER_* environment → config file → defaults
//
// Exit codes (run):
//   0 success   1 fatal error   2 stopped by command   3 no work
//
// Signal Handling:
//   SIGINT/SIGTERM during run stops the job: running units are cancelled,
//   queued units are discarded, the stats file is still written and the
//   process exits with code 2.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ChuLiYu/beaver-batch/internal/config"
	"github.com/ChuLiYu/beaver-batch/internal/logging"
	"github.com/ChuLiYu/beaver-batch/internal/manager"
	"github.com/ChuLiYu/beaver-batch/internal/metrics"
	"github.com/ChuLiYu/beaver-batch/internal/server"
	"github.com/ChuLiYu/beaver-batch/internal/snapshot"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// Version is reported by --version
const Version = "1.0.0"

// Process exit codes
const (
	ExitSuccess = 0
	ExitFatal   = 1
	ExitStopped = 2
	ExitNoWork  = 3
)

// ExitCode maps a job outcome to the process exit code
func ExitCode(outcome types.Outcome, err error) int {
	switch {
	case err != nil, outcome == types.OutcomeFailed:
		return ExitFatal
	case outcome == types.OutcomeStopped:
		return ExitStopped
	case outcome == types.OutcomeNoWork:
		return ExitNoWork
	default:
		return ExitSuccess
	}
}

// app holds the state shared by the commands of one invocation
type app struct {
	configFile string

	ran     bool
	outcome types.Outcome
}

// Execute runs the command line and returns the process exit code
func Execute(args []string, stdout, stderr io.Writer) int {
	a := &app{}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if a.ran {
		return ExitCode(a.outcome, err)
	}
	if err != nil {
		return ExitFatal
	}
	return ExitSuccess
}

// BuildCLI returns the root command
func BuildCLI() *cobra.Command {
	return (&app{}).rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-batch",
		Short: "Beaver-Batch: a bulk batch-processing engine",
		Long: `Beaver-Batch reads work identifiers from a loader, groups them into
batches and runs a work unit for every batch on a pool of workers against a
set of upstream connections, with:
- disk-spilling identifier queue
- connection failover and retry
- pause, resume and live resizing
- progress, throughput and ETC reporting`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path (YAML)")

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildPauseCommand())
	rootCmd.AddCommand(a.buildResumeCommand())
	rootCmd.AddCommand(a.buildThreadsCommand())
	rootCmd.AddCommand(a.buildStopCommand())
	rootCmd.AddCommand(a.buildInitCommand())

	return rootCmd
}

// newViper reads the config file and binds the given flags to their keys
func (a *app) newViper(flags *pflag.FlagSet, keys map[string]string) (*viper.Viper, error) {
	v, err := config.NewViper(a.configFile)
	if err != nil {
		return nil, err
	}
	for name, key := range keys {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
			}
		}
	}
	return v, nil
}

// ============================================================================
// run
// ============================================================================

// runFlagKeys maps run flags to config keys
var runFlagKeys = map[string]string{
	"threads":        "job.thread_count",
	"batch-size":     "job.batch_size",
	"fail-on-error":  "job.fail_on_error",
	"stats-file":     "job.stats_file",
	"uris":           "upstream.uris",
	"policy":         "upstream.policy",
	"loader":         "loader.type",
	"file":           "loader.file",
	"uris-module":    "loader.module",
	"process":        "task.process",
	"process-module": "task.process_module",
	"export-dir":     "task.export_dir",
	"admin":          "admin.enabled",
	"admin-addr":     "admin.addr",
	"log-level":      "logging.level",
	"log-format":     "logging.format",
}

func (a *app) buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a batch job and wait for it to finish",
		Long:  "Load the work identifiers, dispatch them to the worker pool and exit with the job outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runJob(cmd)
		},
	}

	f := cmd.Flags()
	f.Int("threads", 1, "worker threads")
	f.Int("batch-size", 1, "identifiers per work unit")
	f.Bool("fail-on-error", false, "halt the job on the first failed work unit")
	f.String("stats-file", "", "write the final job stats to this file (.json, .yaml)")
	f.StringSlice("uris", nil, "upstream connection URIs (http://, grpc://, sim://)")
	f.String("policy", "round-robin", "connection policy: round-robin, random, load")
	f.String("loader", "file", "identifier loader: file, query, sql, static")
	f.String("file", "", "identifier file for the file loader")
	f.String("uris-module", "", "module invoked by the query loader")
	f.String("process", "invoke", "work unit run for every batch")
	f.String("process-module", "", "module invoked by the work unit")
	f.String("export-dir", "", "directory for export work units")
	f.Bool("admin", false, "serve the admin HTTP endpoint")
	f.String("admin-addr", ":9080", "admin HTTP listen address")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("log-format", "console", "log format: console, json")

	return cmd
}

func (a *app) runJob(cmd *cobra.Command) error {
	v, err := a.newViper(cmd.Flags(), runFlagKeys)
	if err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := manager.New(cfg, manager.Options{
		Metrics: metrics.NewCollector(reg),
		Logger:  logger,
	})

	if cfg.Admin.Enabled {
		srv := server.New(m, server.Config{Addr: cfg.Admin.Addr, Gatherer: reg, Logger: logger})
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("Admin server shutdown failed", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Warn("Received shutdown signal, stopping job", "signal", sig.String())
			m.Stop()
		case <-done:
		}
	}()

	a.ran = true
	a.outcome, err = m.Run(context.Background())
	return err
}

// ============================================================================
// status
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	var statsFile string
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job status",
		Long:  "Display the statistics of a running job, or of a finished one from its stats file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if statsFile != "" {
				doc, err := snapshot.NewManager(statsFile).Load()
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), doc.Stats, string(doc.Outcome), doc.Error)
				return nil
			}

			client, err := a.adminClient(addr)
			if err != nil {
				return err
			}
			s, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), s, "", "")
			return nil
		},
	}

	cmd.Flags().StringVarP(&statsFile, "file", "f", "", "stats document written by a finished job")
	addAddrFlag(cmd, &addr)
	return cmd
}

func printStats(w io.Writer, s types.JobStats, outcome, errMsg string) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Beaver-Batch Job Status                         ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(w, "  Job:          %s\n", s.JobID)
	fmt.Fprintf(w, "  State:        %s\n", s.State)
	if outcome != "" {
		fmt.Fprintf(w, "  Outcome:      %s\n", outcome)
	}
	if errMsg != "" {
		fmt.Fprintf(w, "  Error:        %s\n", errMsg)
	}
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(w, "  Started:      %s\n", s.StartedAt.Format(time.DateTime))
	}

	pct := 0.0
	if s.ExpectedCount > 0 {
		pct = float64(s.CompletedCount) / float64(s.ExpectedCount) * 100
	}
	fmt.Fprintf(w, "  Progress:     %d/%d (%.1f%%)\n", s.CompletedCount, s.ExpectedCount, pct)
	fmt.Fprintf(w, "  Throughput:   %.1f tps average, %.1f tps current\n", s.AvgTPS, s.CurrentTPS)
	if s.ETC != "" {
		fmt.Fprintf(w, "  ETC:          %s\n", s.ETC)
	}
	fmt.Fprintf(w, "  Threads:      %d (active %d, queued %d)\n", s.ThreadCount, s.ActiveCount, s.QueuedCount)
	if s.Paused {
		fmt.Fprintln(w, "  Paused:       yes")
	}
	fmt.Fprintf(w, "  Units:        %d run, %d failed\n", s.TaskCount, s.FailedCount)

	if len(s.SlowUnits) > 0 {
		fmt.Fprintln(w, "  Slowest units:")
		for _, u := range s.SlowUnits {
			fmt.Fprintf(w, "    %-12s %s\n", u.Duration.Round(time.Millisecond), u.IDs)
		}
	}
	if len(s.FailedIDs) > 0 {
		fmt.Fprintf(w, "  Failed identifiers: %s\n", strings.Join(s.FailedIDs, ", "))
	}
}

// ============================================================================
// pause / resume / threads / stop
// ============================================================================

func (a *app) buildPauseCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause a running job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.command(cmd, addr, func(c *AdminClient) error { return c.Pause(cmd.Context()) }, "Job paused")
		},
	}
	addAddrFlag(cmd, &addr)
	return cmd
}

func (a *app) buildResumeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.command(cmd, addr, func(c *AdminClient) error { return c.Resume(cmd.Context()) }, "Job resumed")
		},
	}
	addAddrFlag(cmd, &addr)
	return cmd
}

func (a *app) buildThreadsCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "threads <count>",
		Short: "Change the worker thread count of a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("thread count must be a positive integer, got %q", args[0])
			}
			return a.command(cmd, addr, func(c *AdminClient) error {
				return c.SetThreads(cmd.Context(), n)
			}, fmt.Sprintf("Thread count set to %d", n))
		},
	}
	addAddrFlag(cmd, &addr)
	return cmd
}

func (a *app) buildStopCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.command(cmd, addr, func(c *AdminClient) error { return c.Stop(cmd.Context()) }, "Stop requested")
		},
	}
	addAddrFlag(cmd, &addr)
	return cmd
}

func (a *app) command(cmd *cobra.Command, addr string, fn func(*AdminClient) error, done string) error {
	client, err := a.adminClient(addr)
	if err != nil {
		return err
	}
	if err := fn(client); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), done)
	return nil
}

func addAddrFlag(cmd *cobra.Command, addr *string) {
	cmd.Flags().StringVar(addr, "addr", "", "admin server address (default: admin.addr from config)")
}

// adminClient resolves the admin address from the flag or the config
func (a *app) adminClient(addr string) (*AdminClient, error) {
	if addr == "" {
		v, err := config.NewViper(a.configFile)
		if err != nil {
			return nil, err
		}
		addr = v.GetString("admin.addr")
	}
	return NewAdminClient(addr), nil
}

// ============================================================================
// init
// ============================================================================

func (a *app) buildInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "beaver-batch.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}
}
