package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dhalvorsen/drover/internal/config"
	"github.com/dhalvorsen/drover/internal/distributor"
	"github.com/dhalvorsen/drover/internal/health"
	"github.com/dhalvorsen/drover/internal/manifest"
	"github.com/dhalvorsen/drover/internal/pool"
	"github.com/dhalvorsen/drover/internal/progress"
	"github.com/dhalvorsen/drover/internal/queue"
	"github.com/dhalvorsen/drover/internal/state"
	"github.com/dhalvorsen/drover/internal/transport"
	"github.com/dhalvorsen/drover/internal/version"
	"github.com/dhalvorsen/drover/pkg/models"
)

var (
	flagStrategy string
	flagWatch    bool
	flagNoSave   bool
	flagRunID    string
)

var runCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Distribute the manifest's features across its workers",
	Long: `Run executes a full distribution: the manifest's features are ordered
into dependency batches, assigned to workers, and dispatched batch by
batch. The first interrupt requests a cooperative stop after the current
batch; a second interrupt aborts immediately.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runRun,
}

func init() {
	runCmd.Flags().StringVar(&flagStrategy, "strategy", "", "Worker selection strategy (round-robin, least-loaded, priority)")
	runCmd.Flags().BoolVar(&flagWatch, "watch", false, "Watch the manifest and apply worker changes during the run")
	runCmd.Flags().BoolVar(&flagNoSave, "no-save", false, "Disable progress snapshot persistence")
	runCmd.Flags().StringVar(&flagRunID, "run-id", "", "Pin the run identifier instead of generating one")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagStrategy != "" {
		cfg.Distribution.Strategy = flagStrategy
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	m, err := loadManifest(args[0])
	if err != nil {
		return err
	}
	if len(m.Workers) == 0 {
		return fmt.Errorf("manifest %s defines no workers", args[0])
	}

	transport.Version = version.Get()

	var store progress.Store
	var db *state.DB
	if !flagNoSave {
		db, err = state.Open(statePath(cfg))
		if err != nil {
			return fmt.Errorf("open state database: %w", err)
		}
		defer db.Close()
		store = db
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	return runDistribution(ctx, cancel, cfg, m, args[0], store, db)
}

// runDistribution wires the pool, distributor, and event loop, then blocks
// until the run finishes.
func runDistribution(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, m *manifest.Manifest, manifestPath string, store progress.Store, db *state.DB) error {
	p := newPool(cfg)
	defer p.Stop()

	connected := 0
	for _, def := range m.Workers {
		err := p.AddWorker(ctx, def.ID, def.Address, def.AuthToken, def.ModelCapabilities())
		if err != nil {
			slog.Warn("worker unavailable, skipping", "worker", def.ID, "error", err)
			continue
		}
		connected++
		slog.Info("worker connected", "worker", def.ID, "address", def.Address)
	}
	if connected == 0 {
		return fmt.Errorf("no workers could be connected")
	}
	p.Start(ctx)

	logger := distributor.NopLogger()
	if flagDebugLog != "" {
		var err error
		logger, err = distributor.NewDebugLogger(flagDebugLog)
		if err != nil {
			return err
		}
		defer logger.Close()
	}

	opts := []distributor.Option{
		distributor.WithLogger(logger),
		distributor.WithEstimates(buildEstimates(cfg)),
		distributor.WithMaxFeatureRetries(cfg.Distribution.MaxFeatureRetries),
		distributor.WithRetryDelay(cfg.Distribution.RetryDelay),
		distributor.WithMaxRetryDelay(cfg.Distribution.MaxRetryDelay),
		distributor.WithFeatureTimeout(cfg.Distribution.FeatureTimeout),
		distributor.WithStore(store),
		distributor.WithProgressConfig(progress.Config{
			AutoSave:     cfg.Progress.AutoSave,
			SaveInterval: cfg.Progress.SaveInterval,
		}),
	}
	if flagRunID != "" {
		opts = append(opts, distributor.WithRunID(flagRunID))
	}
	d := distributor.New(p, opts...)

	slog.Info("starting distribution", "run", d.RunID(),
		"features", len(m.Features), "workers", connected)

	go handleSignals(d, cancel)
	go consumeEvents(d)

	if flagWatch {
		watcher, err := manifest.NewWatcher(manifestPath, m)
		if err != nil {
			return err
		}
		go watcher.Run(ctx)
		go applyWorkerDeltas(ctx, p, watcher)
	}

	result, err := d.DistributeWork(ctx, m.Features)
	if err != nil {
		return err
	}

	if db != nil && cfg.Progress.KeepSnapshots > 0 {
		if err := db.PruneSnapshots(result.RunID, cfg.Progress.KeepSnapshots); err != nil {
			slog.Warn("snapshot pruning failed", "error", err)
		}
	}

	printSummary(result)
	if result.Failed > 0 || result.Skipped > 0 {
		return fmt.Errorf("%d features failed, %d skipped", result.Failed, result.Skipped)
	}
	return nil
}

// handleSignals maps the first interrupt to a cooperative stop and the
// second to a hard cancel.
func handleSignals(d *distributor.Distributor, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	slog.Warn("interrupt received, stopping after current batch (interrupt again to abort)")
	d.Stop()

	<-sigCh
	slog.Warn("second interrupt, aborting")
	cancel()
}

// consumeEvents renders the event stream.
func consumeEvents(d *distributor.Distributor) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	for ev := range d.Events() {
		switch ev.Type {
		case distributor.EventDistributionStarted:
			slog.Info("distribution started", "run", ev.RunID, "detail", ev.Message)
		case distributor.EventBatchStarted:
			slog.Info("batch started", "batch", ev.Batch, "detail", ev.Message)
		case distributor.EventBatchComplete:
			slog.Info("batch complete", "batch", ev.Batch)
		case distributor.EventFeatureComplete:
			slog.Info(green("feature complete"), "feature", ev.FeatureID, "worker", ev.WorkerID)
		case distributor.EventFeatureFailed:
			slog.Error(red("feature failed"), "feature", ev.FeatureID, "attempts", ev.Attempt, "error", ev.Error)
		case distributor.EventFeatureRetry:
			slog.Warn(yellow("feature retry"), "feature", ev.FeatureID, "attempt", ev.Attempt, "error", ev.Error)
		case distributor.EventServerOffline:
			slog.Error(red("worker offline"), "worker", ev.WorkerID, "detail", ev.Message)
		case distributor.EventServerDegraded:
			slog.Warn(yellow("worker degraded"), "worker", ev.WorkerID)
		case distributor.EventServerRecovered:
			slog.Info(green("worker recovered"), "worker", ev.WorkerID)
		case distributor.EventSnapshotFailed:
			slog.Warn("snapshot save failed", "error", ev.Error)
		case distributor.EventDistributionComplete:
			slog.Info("distribution complete", "detail", ev.Message)
		default:
			slog.Debug(string(ev.Type), "feature", ev.FeatureID, "detail", ev.Message)
		}
	}
}

// applyWorkerDeltas adds and removes pool workers as the manifest changes.
func applyWorkerDeltas(ctx context.Context, p *pool.Pool, w *manifest.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-w.Errors():
			slog.Warn("manifest reload failed", "error", err)
		case delta := <-w.Deltas():
			for _, def := range delta.Added {
				if err := p.AddWorker(ctx, def.ID, def.Address, def.AuthToken, def.ModelCapabilities()); err != nil {
					slog.Warn("could not add worker", "worker", def.ID, "error", err)
					continue
				}
				slog.Info("worker added", "worker", def.ID)
			}
			for _, id := range delta.Removed {
				if err := p.RemoveWorker(id); err != nil {
					slog.Warn("could not remove worker", "worker", id, "error", err)
					continue
				}
				slog.Info("worker removed", "worker", id)
			}
		}
	}
}

// connectWorker opens an MCP connection to a worker.
func connectWorker(ctx context.Context, w *models.Worker) (pool.AgentExecutor, error) {
	return transport.Dial(ctx, w.Address, w.AuthToken)
}

// newPool builds the worker pool with the MCP transport.
func newPool(cfg *config.Config) *pool.Pool {
	return pool.New(pool.Config{
		Strategy: pool.Strategy(cfg.Distribution.Strategy),
		Health: health.Config{
			CheckInterval:        cfg.Health.CheckInterval,
			ProbeTimeout:         cfg.Health.ProbeTimeout,
			DegradedThreshold:    cfg.Health.DegradedThreshold,
			OfflineThreshold:     cfg.Health.OfflineThreshold,
			ReconnectBaseDelay:   cfg.Health.ReconnectBaseDelay,
			MaxReconnectAttempts: cfg.Health.MaxReconnectAttempts,
		},
		Queue: queue.Config{
			MaxConcurrent: cfg.Queue.MaxConcurrent,
			MaxRetries:    cfg.Queue.MaxRetries,
			RetryDelay:    cfg.Queue.RetryDelay,
			MaxRetryDelay: cfg.Queue.MaxRetryDelay,
		},
		Connect: connectWorker,
	})
}

// printSummary renders the final run report.
func printSummary(result *distributor.Result) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	bold.Printf("Run %s finished in %s\n", result.RunID, result.Elapsed.Round(0))
	green.Printf("  complete: %d/%d\n", result.Succeeded, result.Total)
	if result.Failed > 0 {
		red.Printf("  failed:   %d\n", result.Failed)
	}
	if result.Skipped > 0 {
		yellow.Printf("  skipped:  %d\n", result.Skipped)
	}
	if result.Pending > 0 {
		yellow.Printf("  pending:  %d (run stopped)\n", result.Pending)
	}
}
