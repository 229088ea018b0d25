// Package planner turns ordered batches into a resource-aware assignment of
// features to workers. Assignment is greedy least-loaded bin-packing over
// capability-eligible workers; per-worker concurrency caps are a balancing
// hint, not a hard limit — the work queue enforces the hard limit at
// execution time.
package planner

import (
	"fmt"
	"time"

	"github.com/dhalvorsen/drover/internal/clock"
	"github.com/dhalvorsen/drover/internal/graph"
	"github.com/dhalvorsen/drover/pkg/models"
)

// NoEligibleWorkerError reports a feature whose capability tag no registered
// worker declares. This is fatal at plan time.
type NoEligibleWorkerError struct {
	FeatureID  string
	Capability string
}

func (e *NoEligibleWorkerError) Error() string {
	return fmt.Sprintf("no worker declares capability %q required by feature %s", e.Capability, e.FeatureID)
}

// ResourceEstimate holds the expected cost of executing one feature of a
// capability tag. Estimates feed plan statistics and ETA only, never
// assignment correctness.
type ResourceEstimate struct {
	Duration time.Duration `mapstructure:"duration" yaml:"duration"`
	MemoryMB int           `mapstructure:"memory_mb" yaml:"memory_mb"`
}

// Assignment maps feature ID to the worker chosen for it.
type Assignment map[string]string

// Plan is the ordered sequence of batches plus a feature→worker assignment
// per batch.
type Plan struct {
	// Batches is the dependency-ordered partition from the graph.
	Batches []graph.Batch
	// Assignments holds one feature→worker map per batch.
	Assignments []Assignment
	// Stats summarizes expected load for operators; informational only.
	Stats Stats
	// CreatedAt is when the plan was produced.
	CreatedAt time.Time
}

// WorkerFor returns the planned worker for a feature, or "" if unplanned.
func (p *Plan) WorkerFor(featureID string) string {
	for _, a := range p.Assignments {
		if workerID, ok := a[featureID]; ok {
			return workerID
		}
	}
	return ""
}

// Stats summarizes a plan for observability.
type Stats struct {
	// TotalFeatures is the number of features across all batches.
	TotalFeatures int
	// Workers is the number of workers participating in the plan.
	Workers int
	// PerWorker counts planned features per worker.
	PerWorker map[string]int
	// ExpectedDuration sums estimated batch durations (max estimate within
	// each batch across its assigned workers' serial runs).
	ExpectedDuration time.Duration
	// ExpectedPeakMemoryMB is the largest estimated simultaneous memory use
	// of any single batch.
	ExpectedPeakMemoryMB int
}

// Planner produces and re-balances execution plans.
type Planner struct {
	estimates map[string]ResourceEstimate
	clk       clock.Clock
}

// New creates a planner. The estimate table may be nil, in which case plan
// statistics fall back to zero-cost estimates. A nil clock means the real
// clock.
func New(estimates map[string]ResourceEstimate, clk clock.Clock) *Planner {
	if clk == nil {
		clk = clock.Real()
	}
	return &Planner{estimates: estimates, clk: clk}
}

// CreateExecutionPlan assigns each batch's features to workers: eliminate
// workers lacking the required capability tag, then prefer the worker with
// the fewest features already assigned in the plan being built, breaking
// ties by declared priority weight (higher first), then by registration
// order. Batches larger than total eligible capacity are still fully
// assigned; caps only shape the balance.
func (p *Planner) CreateExecutionPlan(batches []graph.Batch, features []*models.Feature, workers []*models.Worker) (*Plan, error) {
	byID := make(map[string]*models.Feature, len(features))
	for _, f := range features {
		byID[f.ID] = f
	}

	load := make(map[string]int, len(workers))
	plan := &Plan{
		Batches:     batches,
		Assignments: make([]Assignment, len(batches)),
		CreatedAt:   p.clk.Now(),
	}

	for i, batch := range batches {
		assignment := make(Assignment, len(batch))
		for _, featureID := range batch {
			f, ok := byID[featureID]
			if !ok {
				return nil, fmt.Errorf("batch references unknown feature %s", featureID)
			}
			worker, err := pickWorker(f, workers, load)
			if err != nil {
				return nil, err
			}
			assignment[featureID] = worker.ID
			load[worker.ID]++
		}
		plan.Assignments[i] = assignment
	}

	plan.Stats = p.stats(plan, byID, workers, load)
	return plan, nil
}

// OptimizePlan re-runs the balancing over an existing plan's batches to
// correct skew after workers are added or removed.
func (p *Planner) OptimizePlan(plan *Plan, features []*models.Feature, workers []*models.Worker) (*Plan, error) {
	return p.CreateExecutionPlan(plan.Batches, features, workers)
}

// pickWorker selects the least-loaded eligible worker, ties broken by
// priority weight descending, then stable registration order.
func pickWorker(f *models.Feature, workers []*models.Worker, load map[string]int) (*models.Worker, error) {
	var best *models.Worker
	for _, w := range workers {
		if !w.Capabilities.HasTag(f.Capability) {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		switch {
		case load[w.ID] < load[best.ID]:
			best = w
		case load[w.ID] == load[best.ID] && w.Capabilities.Priority > best.Capabilities.Priority:
			best = w
		}
	}
	if best == nil {
		return nil, &NoEligibleWorkerError{FeatureID: f.ID, Capability: f.Capability}
	}
	return best, nil
}

func (p *Planner) stats(plan *Plan, byID map[string]*models.Feature, workers []*models.Worker, load map[string]int) Stats {
	stats := Stats{
		PerWorker: load,
		Workers:   len(workers),
	}

	for bi, batch := range plan.Batches {
		stats.TotalFeatures += len(batch)

		// Estimated batch duration: per worker, the serial run of its
		// features; the batch takes as long as its slowest worker.
		perWorkerDur := make(map[string]time.Duration)
		batchMemory := 0
		for _, featureID := range batch {
			f := byID[featureID]
			est := p.estimates[f.Capability]
			workerID := plan.Assignments[bi][featureID]
			perWorkerDur[workerID] += est.Duration
			batchMemory += est.MemoryMB
		}
		var slowest time.Duration
		for _, d := range perWorkerDur {
			if d > slowest {
				slowest = d
			}
		}
		stats.ExpectedDuration += slowest
		if batchMemory > stats.ExpectedPeakMemoryMB {
			stats.ExpectedPeakMemoryMB = batchMemory
		}
	}

	return stats
}
