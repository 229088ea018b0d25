package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dhalvorsen/drover/internal/graph"
)

var validateCmd = &cobra.Command{
	Use:          "validate <manifest>",
	Short:        "Check a manifest for unknown dependencies and cycles",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	m, err := loadManifest(args[0])
	if err != nil {
		return err
	}

	g := graph.New()
	g.AddFeatures(m.Features)
	if err := g.Validate(); err != nil {
		return err
	}
	if cycles := g.DetectCycles(); len(cycles) > 0 {
		for _, cycle := range cycles {
			color.New(color.FgRed).Printf("cycle: %s\n", strings.Join(cycle, " -> "))
		}
		return fmt.Errorf("%d dependency cycle(s) found", len(cycles))
	}

	batches, err := g.GenerateBatches()
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Printf("manifest OK: %d features, %d workers, %d batches\n",
		len(m.Features), len(m.Workers), len(batches))
	return nil
}
