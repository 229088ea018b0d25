// Package graph builds and validates the feature dependency graph and
// partitions it into ordered batches that are safe to execute in parallel.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dhalvorsen/drover/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the feature graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// CycleError reports a dependency cycle along with the offending path.
type CycleError struct {
	// Path is the cycle, from the first node on the recursion stack back to
	// the node that closed it. For A→B→C→A the path is [A B C].
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency: %s -> %s", strings.Join(e.Path, " -> "), e.Path[0])
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// UnknownDependencyError reports a dependency reference to a feature that is
// not part of the request. This is a configuration error and is never retried.
type UnknownDependencyError struct {
	FeatureID    string
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("feature %s depends on unknown feature %s", e.FeatureID, e.DependencyID)
}

// Batch is an ordered group of feature IDs whose dependencies are all
// satisfied by strictly earlier batches, so its members may run concurrently.
type Batch []string

// DependencyGraph is a directed graph of feature dependencies.
// Edges point from a feature to the features it depends on.
type DependencyGraph struct {
	// nodes maps feature ID to the feature itself.
	nodes map[string]*models.Feature
	// edges maps feature ID to the IDs it depends on.
	edges map[string][]string
	// order preserves insertion order for deterministic traversal.
	order []string
}

// New creates an empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*models.Feature),
		edges: make(map[string][]string),
	}
}

// AddFeatures registers features as nodes and their dependency lists as edges.
// Duplicate IDs overwrite the earlier registration.
func (g *DependencyGraph) AddFeatures(features []*models.Feature) {
	for _, f := range features {
		if _, exists := g.nodes[f.ID]; !exists {
			g.order = append(g.order, f.ID)
		}
		g.nodes[f.ID] = f
		g.edges[f.ID] = append([]string(nil), f.DependsOn...)
	}
}

// Validate checks that every dependency references a known feature.
// Unknown references are fatal configuration errors.
func (g *DependencyGraph) Validate() error {
	for _, id := range g.order {
		for _, depID := range g.edges[id] {
			if _, exists := g.nodes[depID]; !exists {
				return &UnknownDependencyError{FeatureID: id, DependencyID: depID}
			}
		}
	}
	return nil
}

// DetectCycles runs a depth-first traversal tracking the recursion stack and
// returns every cycle found. A node revisited while still on the stack closes
// a cycle; the reported path runs from its first occurrence to the revisit.
func (g *DependencyGraph) DetectCycles() [][]string {
	// Color states: 0 = unvisited, 1 = on the recursion stack, 2 = done.
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge: slice the stack from the dep's first occurrence.
				for i, sid := range stack {
					if sid == depID {
						cycles = append(cycles, append([]string(nil), stack[i:]...))
						break
					}
				}
			case 0:
				visit(depID)
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
	}

	for _, id := range g.order {
		if colors[id] == 0 {
			visit(id)
		}
	}

	return cycles
}

// GenerateBatches partitions the graph into ordered batches using Kahn's
// algorithm. Each round collects every feature whose dependencies are all
// placed in earlier batches, so batches are maximal: a feature that could
// legally run in batch N is never deferred to a later batch.
// Returns a CycleError if a round makes no progress.
func (g *DependencyGraph) GenerateBatches() ([]Batch, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	placed := make(map[string]bool, len(g.nodes))
	remaining := len(g.order)
	var batches []Batch

	for remaining > 0 {
		var batch Batch
		for _, id := range g.order {
			if placed[id] {
				continue
			}
			ready := true
			for _, depID := range g.edges[id] {
				if !placed[depID] {
					ready = false
					break
				}
			}
			if ready {
				batch = append(batch, id)
			}
		}

		if len(batch) == 0 {
			// No progress means the unplaced remainder contains a cycle.
			if cycles := g.DetectCycles(); len(cycles) > 0 {
				return nil, &CycleError{Path: cycles[0]}
			}
			return nil, ErrCycleDetected
		}

		for _, id := range batch {
			placed[id] = true
		}
		remaining -= len(batch)
		batches = append(batches, batch)
	}

	return batches, nil
}

// Feature returns the feature for a given ID, or nil if not found.
func (g *DependencyGraph) Feature(id string) *models.Feature {
	return g.nodes[id]
}

// Dependencies returns the IDs the given feature depends on.
func (g *DependencyGraph) Dependencies(id string) []string {
	return g.edges[id]
}

// Dependents returns the IDs of features that depend on the given feature.
func (g *DependencyGraph) Dependents(id string) []string {
	var dependents []string
	for _, nid := range g.order {
		for _, depID := range g.edges[nid] {
			if depID == id {
				dependents = append(dependents, nid)
				break
			}
		}
	}
	return dependents
}

// Size returns the number of features in the graph.
func (g *DependencyGraph) Size() int {
	return len(g.nodes)
}
