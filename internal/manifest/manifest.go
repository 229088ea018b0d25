// Package manifest loads the YAML run manifest describing the worker fleet
// and the features to distribute, and watches it for worker changes while a
// run is active.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dhalvorsen/drover/pkg/models"
)

// WorkerDef describes one worker entry in the manifest.
type WorkerDef struct {
	ID               string   `yaml:"id"`
	Address          string   `yaml:"address"`
	AuthToken        string   `yaml:"auth_token"`
	Priority         int      `yaml:"priority"`
	Capabilities     []string `yaml:"capabilities"`
	ConcurrencyLimit int      `yaml:"concurrency_limit"`
}

// Manifest is the top-level run manifest.
type Manifest struct {
	Workers  []WorkerDef       `yaml:"workers"`
	Features []*models.Feature `yaml:"features"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	workerIDs := make(map[string]bool, len(m.Workers))
	for _, w := range m.Workers {
		if w.ID == "" {
			return fmt.Errorf("worker with empty id")
		}
		if w.Address == "" {
			return fmt.Errorf("worker %s has no address", w.ID)
		}
		if len(w.Capabilities) == 0 {
			return fmt.Errorf("worker %s declares no capabilities", w.ID)
		}
		if workerIDs[w.ID] {
			return fmt.Errorf("duplicate worker id %s", w.ID)
		}
		workerIDs[w.ID] = true
	}

	featureIDs := make(map[string]bool, len(m.Features))
	for _, f := range m.Features {
		if f.ID == "" {
			return fmt.Errorf("feature with empty id")
		}
		if f.Capability == "" {
			return fmt.Errorf("feature %s has no capability", f.ID)
		}
		if featureIDs[f.ID] {
			return fmt.Errorf("duplicate feature id %s", f.ID)
		}
		featureIDs[f.ID] = true
	}
	return nil
}

// ModelCapabilities converts a worker definition to the model form.
func (w WorkerDef) ModelCapabilities() models.WorkerCapabilities {
	return models.WorkerCapabilities{
		Tags:             w.Capabilities,
		Priority:         w.Priority,
		ConcurrencyLimit: w.ConcurrencyLimit,
	}
}

// WorkerDelta is the difference between two manifests' worker sets.
type WorkerDelta struct {
	// Added holds workers present only in the new manifest.
	Added []WorkerDef
	// Removed holds IDs present only in the old manifest.
	Removed []string
}

// Empty returns true when the delta changes nothing.
func (d WorkerDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// DiffWorkers computes which workers joined or left between two manifests.
// Changed definitions for a surviving ID are ignored; an operator removes
// and re-adds a worker to change its registration.
func DiffWorkers(old, updated *Manifest) WorkerDelta {
	oldIDs := make(map[string]bool, len(old.Workers))
	for _, w := range old.Workers {
		oldIDs[w.ID] = true
	}
	newIDs := make(map[string]bool, len(updated.Workers))
	for _, w := range updated.Workers {
		newIDs[w.ID] = true
	}

	var delta WorkerDelta
	for _, w := range updated.Workers {
		if !oldIDs[w.ID] {
			delta.Added = append(delta.Added, w)
		}
	}
	for _, w := range old.Workers {
		if !newIDs[w.ID] {
			delta.Removed = append(delta.Removed, w.ID)
		}
	}
	return delta
}
