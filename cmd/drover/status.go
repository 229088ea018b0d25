package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dhalvorsen/drover/internal/state"
	"github.com/dhalvorsen/drover/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the latest saved progress for a run",
	Long: `Status reads the snapshot database. With no argument it lists known
runs, newest first. With a run ID it prints that run's latest snapshot.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := state.Open(statePath(cfg))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	if len(args) == 0 {
		runs, err := db.Runs()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs recorded")
			return nil
		}
		for _, runID := range runs {
			fmt.Println(runID)
		}
		return nil
	}

	snap, err := db.LatestSnapshot(args[0])
	if errors.Is(err, state.ErrNoSnapshot) {
		return fmt.Errorf("no snapshots for run %s", args[0])
	}
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Printf("Run %s (saved %s)\n", snap.RunID, snap.Timestamp.Format("2006-01-02 15:04:05"))
	o := snap.Progress
	fmt.Printf("  %.1f%% complete (%d/%d), %d failed, %d skipped, %d in progress\n",
		o.PercentComplete, o.Completed, o.Total, o.Failed, o.Skipped, o.InProgress)
	fmt.Printf("  elapsed %s", o.Elapsed.Round(0))
	if o.ETA != nil {
		fmt.Printf(", eta %s", o.ETA.Round(0))
	}
	fmt.Println()

	for _, fp := range snap.Features {
		fmt.Printf("  %-24s %s%s\n", fp.FeatureID, statusLabel(fp.Status), featureDetail(fp))
	}
	return nil
}

func statusLabel(s models.FeatureStatus) string {
	switch s {
	case models.FeatureStatusComplete:
		return color.GreenString(string(s))
	case models.FeatureStatusFailed:
		return color.RedString(string(s))
	case models.FeatureStatusSkipped:
		return color.YellowString(string(s))
	case models.FeatureStatusInProgress:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}

func featureDetail(fp models.FeatureProgress) string {
	detail := ""
	if fp.WorkerID != "" {
		detail += " on " + fp.WorkerID
	}
	if fp.Retries > 0 {
		detail += fmt.Sprintf(" (%d retries)", fp.Retries)
	}
	if fp.LastError != "" {
		detail += ": " + fp.LastError
	}
	return detail
}
