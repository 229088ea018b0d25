package planner

import (
	"errors"
	"testing"
	"time"

	"github.com/dhalvorsen/drover/internal/clock"
	"github.com/dhalvorsen/drover/internal/graph"
	"github.com/dhalvorsen/drover/pkg/models"
)

func worker(id string, priority int, limit int, tags ...string) *models.Worker {
	return &models.Worker{
		ID: id,
		Capabilities: models.WorkerCapabilities{
			Tags:             tags,
			Priority:         priority,
			ConcurrencyLimit: limit,
		},
	}
}

func feature(id, capability string) *models.Feature {
	return &models.Feature{ID: id, Capability: capability}
}

func TestCreateExecutionPlanCapabilityFilter(t *testing.T) {
	p := New(nil, clock.NewFake())
	features := []*models.Feature{
		feature("f1", "backend"),
		feature("f2", "frontend"),
	}
	workers := []*models.Worker{
		worker("w-back", 0, 2, "backend"),
		worker("w-front", 0, 2, "frontend"),
	}
	batches := []graph.Batch{{"f1", "f2"}}

	plan, err := p.CreateExecutionPlan(batches, features, workers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := plan.WorkerFor("f1"); got != "w-back" {
		t.Errorf("f1 assigned to %s, want w-back", got)
	}
	if got := plan.WorkerFor("f2"); got != "w-front" {
		t.Errorf("f2 assigned to %s, want w-front", got)
	}
}

func TestCreateExecutionPlanLeastLoaded(t *testing.T) {
	p := New(nil, clock.NewFake())
	features := []*models.Feature{
		feature("f1", "backend"),
		feature("f2", "backend"),
		feature("f3", "backend"),
		feature("f4", "backend"),
	}
	workers := []*models.Worker{
		worker("w1", 0, 2, "backend"),
		worker("w2", 0, 2, "backend"),
	}
	batches := []graph.Batch{{"f1", "f2", "f3", "f4"}}

	plan, err := p.CreateExecutionPlan(batches, features, workers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Stats.PerWorker["w1"] != 2 || plan.Stats.PerWorker["w2"] != 2 {
		t.Errorf("expected 2/2 split, got %v", plan.Stats.PerWorker)
	}
}

func TestCreateExecutionPlanPriorityTieBreak(t *testing.T) {
	p := New(nil, clock.NewFake())
	features := []*models.Feature{feature("f1", "backend")}
	workers := []*models.Worker{
		worker("w-low", 1, 2, "backend"),
		worker("w-high", 9, 2, "backend"),
	}
	batches := []graph.Batch{{"f1"}}

	plan, err := p.CreateExecutionPlan(batches, features, workers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := plan.WorkerFor("f1"); got != "w-high" {
		t.Errorf("equal load should prefer higher priority weight, got %s", got)
	}
}

func TestCreateExecutionPlanRegistrationOrderTieBreak(t *testing.T) {
	p := New(nil, clock.NewFake())
	features := []*models.Feature{feature("f1", "backend")}
	workers := []*models.Worker{
		worker("w-first", 3, 2, "backend"),
		worker("w-second", 3, 2, "backend"),
	}
	batches := []graph.Batch{{"f1"}}

	plan, err := p.CreateExecutionPlan(batches, features, workers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := plan.WorkerFor("f1"); got != "w-first" {
		t.Errorf("full tie should keep registration order, got %s", got)
	}
}

func TestCreateExecutionPlanOverCapacity(t *testing.T) {
	// A batch larger than total eligible capacity is still fully assigned.
	p := New(nil, clock.NewFake())
	var features []*models.Feature
	batch := graph.Batch{}
	for _, id := range []string{"f1", "f2", "f3", "f4", "f5"} {
		features = append(features, feature(id, "backend"))
		batch = append(batch, id)
	}
	workers := []*models.Worker{worker("w1", 0, 1, "backend")}

	plan, err := p.CreateExecutionPlan([]graph.Batch{batch}, features, workers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Stats.PerWorker["w1"] != 5 {
		t.Errorf("expected all 5 features assigned despite cap 1, got %d", plan.Stats.PerWorker["w1"])
	}
}

func TestCreateExecutionPlanNoEligibleWorker(t *testing.T) {
	p := New(nil, clock.NewFake())
	features := []*models.Feature{feature("f1", "mobile")}
	workers := []*models.Worker{worker("w1", 0, 2, "backend")}

	_, err := p.CreateExecutionPlan([]graph.Batch{{"f1"}}, features, workers)
	var noWorker *NoEligibleWorkerError
	if !errors.As(err, &noWorker) {
		t.Fatalf("expected NoEligibleWorkerError, got %v", err)
	}
	if noWorker.FeatureID != "f1" || noWorker.Capability != "mobile" {
		t.Errorf("unexpected error fields: %+v", noWorker)
	}
}

func TestOptimizePlanRebalances(t *testing.T) {
	p := New(nil, clock.NewFake())
	features := []*models.Feature{
		feature("f1", "backend"),
		feature("f2", "backend"),
	}
	one := []*models.Worker{worker("w1", 0, 2, "backend")}
	batches := []graph.Batch{{"f1", "f2"}}

	plan, err := p.CreateExecutionPlan(batches, features, one)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Stats.PerWorker["w1"] != 2 {
		t.Fatalf("expected both features on w1, got %v", plan.Stats.PerWorker)
	}

	// A second worker joins; re-optimizing spreads the load.
	two := append(one, worker("w2", 0, 2, "backend"))
	rebalanced, err := p.OptimizePlan(plan, features, two)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rebalanced.Stats.PerWorker["w1"] != 1 || rebalanced.Stats.PerWorker["w2"] != 1 {
		t.Errorf("expected 1/1 split after rebalance, got %v", rebalanced.Stats.PerWorker)
	}
}

func TestPlanCreatedAtFromClock(t *testing.T) {
	clk := clock.NewFake()
	clk.Advance(42 * time.Hour)
	p := New(nil, clk)

	plan, err := p.CreateExecutionPlan(
		[]graph.Batch{{"f1"}},
		[]*models.Feature{feature("f1", "backend")},
		[]*models.Worker{worker("w1", 0, 2, "backend")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.CreatedAt.Equal(clk.Now()) {
		t.Errorf("CreatedAt = %v, want clock time %v", plan.CreatedAt, clk.Now())
	}
}

func TestPlanStatsUseEstimates(t *testing.T) {
	p := New(map[string]ResourceEstimate{
		"backend": {Duration: 2 * time.Minute, MemoryMB: 512},
	}, clock.NewFake())
	features := []*models.Feature{
		feature("f1", "backend"),
		feature("f2", "backend"),
	}
	workers := []*models.Worker{worker("w1", 0, 2, "backend")}
	batches := []graph.Batch{{"f1"}, {"f2"}}

	plan, err := p.CreateExecutionPlan(batches, features, workers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Stats.ExpectedDuration != 4*time.Minute {
		t.Errorf("expected 4m estimated duration, got %v", plan.Stats.ExpectedDuration)
	}
	if plan.Stats.ExpectedPeakMemoryMB != 512 {
		t.Errorf("expected 512MB peak, got %d", plan.Stats.ExpectedPeakMemoryMB)
	}
	if plan.Stats.TotalFeatures != 2 {
		t.Errorf("expected 2 total features, got %d", plan.Stats.TotalFeatures)
	}
}
