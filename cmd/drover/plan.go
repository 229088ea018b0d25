package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dhalvorsen/drover/internal/graph"
	"github.com/dhalvorsen/drover/internal/planner"
)

var planCmd = &cobra.Command{
	Use:   "plan <manifest>",
	Short: "Show the dependency batches and worker assignments for a manifest",
	Long: `Plan computes the run order without dispatching anything: features are
grouped into dependency batches and each feature is assigned a worker by
the least-loaded heuristic. Use it to sanity-check a manifest before a run.`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := loadManifest(args[0])
	if err != nil {
		return err
	}
	if len(m.Workers) == 0 {
		return fmt.Errorf("manifest %s defines no workers", args[0])
	}

	g := graph.New()
	g.AddFeatures(m.Features)
	if err := g.Validate(); err != nil {
		return err
	}
	batches, err := g.GenerateBatches()
	if err != nil {
		return err
	}

	plan, err := planner.New(buildEstimates(cfg), nil).CreateExecutionPlan(batches, m.Features, planningWorkers(m))
	if err != nil {
		return err
	}

	printPlan(batches, plan)
	return nil
}

func printPlan(batches []graph.Batch, plan *planner.Plan) {
	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan).SprintFunc()

	bold.Printf("Execution plan: %d features, %d workers, %d batches\n\n",
		plan.Stats.TotalFeatures, plan.Stats.Workers, len(batches))

	for i, batch := range batches {
		fmt.Printf("Batch %d:\n", i+1)
		for _, id := range batch {
			fmt.Printf("  %-24s -> %s\n", id, cyan(plan.WorkerFor(id)))
		}
	}

	fmt.Println()
	bold.Println("Per-worker load:")
	for worker, count := range plan.Stats.PerWorker {
		fmt.Printf("  %-16s %d feature%s\n", worker, count, pluralize(count))
	}
	if plan.Stats.ExpectedDuration > 0 {
		fmt.Printf("\nEstimated duration: %s\n", plan.Stats.ExpectedDuration)
	}
	if plan.Stats.ExpectedPeakMemoryMB > 0 {
		fmt.Printf("Estimated peak memory: %d MB\n", plan.Stats.ExpectedPeakMemoryMB)
	}
}

func pluralize(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
