package main

import (
	"fmt"
	"os"

	"github.com/dhalvorsen/drover/internal/config"
	"github.com/dhalvorsen/drover/internal/manifest"
	"github.com/dhalvorsen/drover/internal/planner"
	"github.com/dhalvorsen/drover/internal/state"
	"github.com/dhalvorsen/drover/pkg/models"
)

// loadConfig resolves configuration from the --config flag or the default
// search paths.
func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		return config.LoadFromPath(flagConfig)
	}
	return config.Load()
}

// loadManifest reads and validates the run manifest.
func loadManifest(path string) (*manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	if len(m.Features) == 0 {
		return nil, fmt.Errorf("manifest %s defines no features", path)
	}
	return m, nil
}

// planningWorkers converts manifest worker definitions into worker models
// for planning without opening connections.
func planningWorkers(m *manifest.Manifest) []*models.Worker {
	workers := make([]*models.Worker, 0, len(m.Workers))
	for _, def := range m.Workers {
		workers = append(workers, &models.Worker{
			ID:           def.ID,
			Address:      def.Address,
			Capabilities: def.ModelCapabilities(),
		})
	}
	return workers
}

// buildEstimates converts configured resource estimates to planner form.
func buildEstimates(cfg *config.Config) map[string]planner.ResourceEstimate {
	if len(cfg.Resources.Estimates) == 0 {
		return nil
	}
	out := make(map[string]planner.ResourceEstimate, len(cfg.Resources.Estimates))
	for capability, est := range cfg.Resources.Estimates {
		out[capability] = planner.ResourceEstimate{
			Duration: est.Duration,
			MemoryMB: est.MemoryMB,
		}
	}
	return out
}

// statePath resolves the snapshot database location.
func statePath(cfg *config.Config) string {
	if cfg.Progress.StatePath != "" {
		return cfg.Progress.StatePath
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return state.DefaultPath(cwd)
}
