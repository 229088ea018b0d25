package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagDebugLog string
	flagVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Distributed work orchestration engine",
	Long: `Drover distributes feature work across a fleet of agent workers.

It reads a run manifest describing workers and features, orders the
features by dependency, plans worker assignments, and dispatches each
dependency batch in parallel while monitoring worker health. Progress
snapshots are persisted so interrupted runs can be inspected later.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	})))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config file (default: XDG config + .drover.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagDebugLog, "debug-log", "", "Path to the debug log file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	Execute()
}
