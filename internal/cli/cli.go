// ============================================================================
// Reconcile CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands driving the batch reconciliation orchestrator
//
// Command Structure:
//   reconcile                      # Root command
//   ├── run                        # Process a batch of district jobs
//   │   ├── --file, -f            # Job JSON file (required)
//   │   ├── --output, -o          # Write results JSON
//   │   ├── --progress-interval   # Progress line period (0 disables)
//   │   └── --fail-on-error       # Non-zero exit when any job failed
//   ├── status                     # Configuration and stored job counts
//   ├── jobs                       # List stored reconciliation jobs
//   │   └── --status              # Filter by job status
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Job file format:
//   [
//     {"district_id": "42", "target_period": "2024-10", "priority": 1},
//     {"district_id": "57", "target_period": "2024-10",
//      "current_data": {...}, "cached_data": {...}}
//   ]
//
// run Command:
//   1. Load config and build the logger
//   2. Wire cache, storage, orchestrator, metrics and coordinator (app.go)
//   3. Start metrics HTTP and gRPC health servers (if enabled)
//   4. Process the batch; SIGINT/SIGTERM cancels the remaining queue
//   5. Print statistics, write results, always clean up
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/district-reconcile/internal/config"
	"github.com/ChuLiYu/district-reconcile/internal/logging"
	"github.com/ChuLiYu/district-reconcile/internal/metrics"
	"github.com/ChuLiYu/district-reconcile/internal/server"
	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

// Version is reported by --version. It is overridden at link time.
var Version = "dev"

type rootOptions struct {
	configFile string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Batch reconciliation of district performance data",
		Long: `reconcile runs month-end reconciliation jobs for many districts at once with:
- bounded concurrency and per-job retries
- a completed-job cache and buffered job storage (file or Redis)
- memory-aware throttling
- Prometheus metrics and gRPC health`,
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildJobsCommand(opts))

	return rootCmd
}

// RunOptions controls RunBatch.
type RunOptions struct {
	Output           string        // results JSON path, empty to skip
	ProgressInterval time.Duration // 0 disables progress lines
	FailOnError      bool
}

func buildRunCommand(opts *rootOptions) *cobra.Command {
	var jobFile string
	var runOpts RunOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start processing a batch of reconciliation jobs",
		Long:  "Read batch jobs from a JSON file and reconcile them with bounded concurrency",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return errors.New("job file is required (use --file or -f)")
			}
			return runFromFile(cmd.Context(), cmd.OutOrStdout(), opts.configFile, jobFile, runOpts)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing batch jobs")
	cmd.Flags().StringVarP(&runOpts.Output, "output", "o", "", "write batch results to this JSON file")
	cmd.Flags().DurationVar(&runOpts.ProgressInterval, "progress-interval", 2*time.Second, "progress report period, 0 to disable")
	cmd.Flags().BoolVar(&runOpts.FailOnError, "fail-on-error", false, "exit with an error when any job failed")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runFromFile(ctx context.Context, out io.Writer, configFile, jobFile string, runOpts RunOptions) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	jobs, err := readJobs(jobFile)
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}
	app, err := NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(context.Background()); err != nil {
			log.Error("Cleanup failed", zap.Error(err))
		}
	}()

	_, err = RunBatch(ctx, out, app, jobs, runOpts)
	return err
}

// readJobs parses a JSON array of batch jobs.
func readJobs(path string) ([]types.BatchJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read job file")
	}
	var jobs []types.BatchJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, errors.Wrap(err, "failed to parse job file")
	}
	return jobs, nil
}

// RunBatch processes jobs on app's coordinator. It serves metrics and gRPC
// health when configured, prints progress and a summary to out, and writes
// the results file. SIGINT or SIGTERM cancels the rest of the batch; results
// settled so far are still reported.
func RunBatch(ctx context.Context, out io.Writer, app *App, jobs []types.BatchJob, opts RunOptions) ([]types.BatchResult, error) {
	log := app.Log
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopServices, err := startServices(sigCtx, app)
	if err != nil {
		return nil, err
	}
	defer stopServices()

	fmt.Fprintf(out, "🚀 Processing %d jobs (max %d concurrent, %s)\n",
		len(jobs), app.Config.Batch.MaxConcurrentJobs, app.Config.Batch.Timeout)

	done := make(chan struct{})
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		printProgress(out, app, opts.ProgressInterval, done)
	}()

	results, err := app.Coordinator.ProcessBatch(sigCtx, jobs)
	close(done)
	<-printerDone

	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrap(err, "batch failed")
		}
		log.Warn("Batch cancelled", zap.Int("settled", len(results)), zap.Error(err))
		fmt.Fprintln(out, "⚠️  Batch cancelled, remaining jobs were dropped")
	}

	printSummary(out, app.Coordinator.GetStatistics())

	if opts.Output != "" {
		if err := writeResults(opts.Output, results); err != nil {
			return results, err
		}
		fmt.Fprintf(out, "📄 Results written to %s\n", opts.Output)
	}

	if opts.FailOnError {
		failed := 0
		for _, r := range results {
			if !r.Success {
				failed++
			}
		}
		if failed > 0 {
			return results, errors.Newf("%d of %d jobs failed", failed, len(results))
		}
	}
	return results, nil
}

// startServices starts the optional metrics and gRPC health servers and
// returns a func stopping both.
func startServices(ctx context.Context, app *App) (func(), error) {
	log := app.Log
	cfg := app.Config
	var stops []func()

	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port, app.Registry)
		go func() {
			log.Info("Starting metrics server", zap.Int("port", cfg.Metrics.Port))
			if err := srv.ListenAndServe(); err != nil {
				log.Error("Metrics server error", zap.Error(err))
			}
		}()
		stops = append(stops, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			stopAll()
			return nil, errors.Wrapf(err, "failed to listen on port %d", cfg.GRPC.Port)
		}
		hs := server.New(log)
		go func() {
			if err := hs.Serve(lis); err != nil {
				log.Error("gRPC server error", zap.Error(err))
			}
		}()
		watchCtx, cancel := context.WithCancel(ctx)
		go hs.Watch(watchCtx, app.Coordinator, 500*time.Millisecond)
		stops = append(stops, func() {
			cancel()
			hs.Stop()
		})
	}

	return stopAll, nil
}

func printProgress(out io.Writer, app *App, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		<-done
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			fmt.Fprintln(out, progressLine(app.Coordinator.GetProgress()))
		}
	}
}

// progressLine renders one progress report. CompletedJobs counts every
// settled job, failures included.
func progressLine(p types.BatchProgress) string {
	return fmt.Sprintf("  ⏳ %d/%d done (%d failed) │ %d active │ %d queued │ ETA %s",
		p.CompletedJobs, p.TotalJobs, p.FailedJobs, p.ActiveJobs, p.QueuedJobs,
		(time.Duration(p.EstimatedTimeRemainingMs) * time.Millisecond).Round(time.Second))
}

func printSummary(out io.Writer, s types.BatchStatistics) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Batch Reconciliation Summary                    ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(out, "  ├─ Processed:     %d\n", s.TotalProcessed)
	fmt.Fprintf(out, "  ├─ ✅ Successful:  %d\n", s.Successful)
	fmt.Fprintf(out, "  ├─ ❌ Failed:      %d\n", s.Failed)
	fmt.Fprintf(out, "  ├─ Success Rate:  %.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(out, "  ├─ Avg Job Time:  %.0fms\n", s.AverageProcessingTimeMs)
	fmt.Fprintf(out, "  └─ Wall Time:     %s\n", time.Duration(s.TotalProcessingTimeMs)*time.Millisecond)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "🗄  Cache:")
	fmt.Fprintf(out, "  ├─ Entries:       %d\n", s.CacheStats.Entries)
	fmt.Fprintf(out, "  ├─ Hits/Misses:   %d/%d\n", s.CacheStats.Hits, s.CacheStats.Misses)
	fmt.Fprintf(out, "  └─ Hit Rate:      %.1f%%\n", s.CacheStats.HitRate*100)
	fmt.Fprintln(out)
}

func writeResults(path string, results []types.BatchResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode results")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write results")
	}
	return nil
}

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and stored job status",
		Long:  "Display the effective configuration and reconciliation job counts from storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), opts.configFile)
		},
	}
}

// storedJobs lists every job in the configured storage.
func storedJobs(ctx context.Context, cfg *config.File) ([]*types.ReconciliationJob, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := NewStore(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	jobs, err := store.List(ctx)
	if cerr := store.Cleanup(ctx); err == nil && cerr != nil {
		err = cerr
	}
	return jobs, err
}

func showStatus(ctx context.Context, out io.Writer, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Reconcile System Status                         ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	b := cfg.Batch
	fmt.Fprintln(out, "📋 Batch Policy:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Max Concurrent:  %d\n", b.MaxConcurrentJobs)
	fmt.Fprintf(out, "  ├─ Retries:         %d (delay %s)\n", b.RetryAttempts, b.RetryDelay)
	fmt.Fprintf(out, "  ├─ Job Timeout:     %s\n", b.Timeout)
	if b.EnableResourceThrottling {
		fmt.Fprintf(out, "  └─ Throttling:      %d MB (%s memory)\n", b.MemoryThresholdMB, cfg.Memory.Source)
	} else {
		fmt.Fprintln(out, "  └─ Throttling:      disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Storage:")
	switch cfg.Storage.Backend {
	case "redis":
		fmt.Fprintf(out, "  ├─ Backend:         redis %s/%d (prefix %q)\n", cfg.Storage.Redis.Addr, cfg.Storage.Redis.DB, cfg.Storage.Redis.Prefix)
	default:
		fmt.Fprintf(out, "  ├─ Backend:         file %s\n", cfg.Storage.Path)
	}
	fmt.Fprintf(out, "  ├─ Read Cache:      %d jobs\n", cfg.Storage.CacheSize)
	fmt.Fprintf(out, "  └─ Flush Every:     %d writes\n", cfg.Storage.FlushThreshold)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📊 Reconciliation Jobs:")
	jobs, err := storedJobs(ctx, cfg)
	if err != nil {
		fmt.Fprintf(out, "  └─ Storage unavailable: %v\n", err)
	} else {
		counts := make(map[types.ReconciliationJobStatus]int)
		for _, j := range jobs {
			counts[j.Status]++
		}
		fmt.Fprintf(out, "  ├─ Total:           %d\n", len(jobs))
		fmt.Fprintf(out, "  ├─ 🔄 Active:       %d\n", counts[types.JobActive])
		fmt.Fprintf(out, "  ├─ ✅ Completed:    %d\n", counts[types.JobCompleted])
		fmt.Fprintf(out, "  ├─ ❌ Failed:       %d\n", counts[types.JobFailed])
		fmt.Fprintf(out, "  └─ ⛔ Cancelled:    %d\n", counts[types.JobCancelled])
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out, "💓 gRPC Health:")
	if cfg.GRPC.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on :%d\n", cfg.GRPC.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

func buildJobsCommand(opts *rootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List stored reconciliation jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listJobs(cmd.Context(), cmd.OutOrStdout(), opts.configFile, status)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list jobs with this status (active, completed, failed, cancelled)")
	return cmd
}

func listJobs(ctx context.Context, out io.Writer, configFile, status string) error {
	switch types.ReconciliationJobStatus(status) {
	case "", types.JobActive, types.JobCompleted, types.JobFailed, types.JobCancelled:
	default:
		return errors.Newf("unknown job status %q", status)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	jobs, err := storedJobs(ctx, cfg)
	if err != nil {
		return err
	}

	filtered := jobs[:0]
	for _, j := range jobs {
		if status == "" || string(j.Status) == status {
			filtered = append(filtered, j)
		}
	}
	sort.SliceStable(filtered, func(a, b int) bool {
		return filtered[a].StartedAt.After(filtered[b].StartedAt)
	})

	if len(filtered) == 0 {
		fmt.Fprintln(out, "No reconciliation jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDISTRICT\tPERIOD\tSTATUS\tPHASE\tSTABLE\tSTARTED")
	for _, j := range filtered {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%dd\t%s\n",
			j.ID, j.DistrictID, j.TargetPeriod, j.Status, j.Progress.Phase,
			j.Progress.DaysStable, j.StartedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
