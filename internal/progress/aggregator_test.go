package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dhalvorsen/drover/internal/clock"
	"github.com/dhalvorsen/drover/internal/graph"
	"github.com/dhalvorsen/drover/internal/planner"
	"github.com/dhalvorsen/drover/pkg/models"
)

type memStore struct {
	mu    sync.Mutex
	saved []*Snapshot
	err   error
}

func (s *memStore) SaveSnapshot(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, snap)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func testFeatures() []*models.Feature {
	return []*models.Feature{
		{ID: "f1", Capability: "backend"},
		{ID: "f2", Capability: "backend"},
		{ID: "f3", Capability: "frontend"},
		{ID: "f4", Capability: "frontend"},
	}
}

func testPlan(t *testing.T) *planner.Plan {
	t.Helper()
	workers := []*models.Worker{
		{ID: "w1", Capabilities: models.WorkerCapabilities{Tags: []string{"backend", "frontend"}}},
	}
	plan, err := planner.New(nil, clock.NewFake()).CreateExecutionPlan(
		[]graph.Batch{{"f1", "f2", "f3", "f4"}}, testFeatures(), workers)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	return plan
}

func TestInitializeSeedsPending(t *testing.T) {
	a := NewAggregator("run-1", Config{}, nil, clock.NewFake())
	a.Initialize(testFeatures(), testPlan(t))

	fp, ok := a.Feature("f1")
	if !ok || fp.Status != models.FeatureStatusPending {
		t.Fatalf("expected pending f1, got %+v (ok=%v)", fp, ok)
	}

	snap := a.Snapshot()
	if snap.Progress.Total != 4 {
		t.Errorf("expected 4 total, got %d", snap.Progress.Total)
	}
	if len(snap.Workers) != 1 {
		t.Errorf("expected 1 worker record, got %d", len(snap.Workers))
	}
}

func TestPercentCompleteTracksCompletions(t *testing.T) {
	a := NewAggregator("run-1", Config{}, nil, clock.NewFake())
	a.Initialize(testFeatures(), nil)

	if got := a.PercentComplete(); got != 0 {
		t.Fatalf("expected 0%%, got %v", got)
	}

	a.UpdateFeature("f1", Update{Status: models.FeatureStatusComplete})
	if got := a.PercentComplete(); got != 25 {
		t.Errorf("expected 25%%, got %v", got)
	}

	a.UpdateFeature("f2", Update{Status: models.FeatureStatusComplete})
	a.UpdateFeature("f3", Update{Status: models.FeatureStatusFailed})
	if got := a.PercentComplete(); got != 50 {
		t.Errorf("failed features must not raise percent: got %v", got)
	}

	a.UpdateFeature("f4", Update{Status: models.FeatureStatusComplete})
	if got := a.PercentComplete(); got != 75 {
		t.Errorf("expected 75%%, got %v", got)
	}
}

func TestPercentMonotonic(t *testing.T) {
	a := NewAggregator("run-1", Config{}, nil, clock.NewFake())
	a.Initialize(testFeatures(), nil)

	last := a.PercentComplete()
	updates := []Update{
		{Status: models.FeatureStatusInProgress, WorkerID: "w1"},
		{Status: models.FeatureStatusComplete},
	}
	for _, id := range []string{"f1", "f2", "f3", "f4"} {
		for _, u := range updates {
			a.UpdateFeature(id, u)
			if got := a.PercentComplete(); got < last {
				t.Fatalf("percent regressed from %v to %v", last, got)
			} else {
				last = got
			}
		}
	}
	if last != 100 {
		t.Errorf("expected 100%% after all complete, got %v", last)
	}
}

func TestETAUndefinedUntilFirstCompletion(t *testing.T) {
	clk := clock.NewFake()
	a := NewAggregator("run-1", Config{}, nil, clk)
	a.Initialize(testFeatures(), nil)

	if eta := a.ETA(); eta != nil {
		t.Fatalf("ETA must be undefined before first completion, got %v", *eta)
	}

	clk.Advance(10 * time.Second)
	a.UpdateFeature("f1", Update{Status: models.FeatureStatusComplete})

	eta := a.ETA()
	if eta == nil {
		t.Fatal("expected defined ETA after first completion")
	}
	// One completion in 10s leaves three features: 30s remaining.
	if *eta != 30*time.Second {
		t.Errorf("expected 30s ETA, got %v", *eta)
	}
}

func TestWorkerAggregates(t *testing.T) {
	a := NewAggregator("run-1", Config{}, nil, clock.NewFake())
	a.Initialize(testFeatures(), testPlan(t))

	a.UpdateFeature("f1", Update{Status: models.FeatureStatusInProgress, WorkerID: "w1"})
	snap := a.Snapshot()
	if snap.Workers[0].ActiveFeature != "f1" {
		t.Errorf("expected active feature f1, got %q", snap.Workers[0].ActiveFeature)
	}

	a.UpdateFeature("f1", Update{Status: models.FeatureStatusComplete})
	a.UpdateFeature("f2", Update{Status: models.FeatureStatusInProgress, WorkerID: "w1"})
	a.UpdateFeature("f2", Update{Status: models.FeatureStatusFailed, Error: "build broke"})

	snap = a.Snapshot()
	ws := snap.Workers[0]
	if ws.Completed != 1 || ws.Failed != 1 || ws.ActiveFeature != "" {
		t.Errorf("unexpected worker aggregates: %+v", ws)
	}

	fp, _ := a.Feature("f2")
	if fp.LastError != "build broke" {
		t.Errorf("expected error recorded, got %q", fp.LastError)
	}
}

func TestTerminalUpdateCreditsActualWorker(t *testing.T) {
	a := NewAggregator("run-1", Config{}, nil, clock.NewFake())
	a.Initialize(testFeatures(), testPlan(t))

	// The feature starts on the planned worker but finishes on another,
	// even one the plan never mentioned.
	a.UpdateFeature("f1", Update{Status: models.FeatureStatusInProgress, WorkerID: "w1"})
	a.UpdateFeature("f1", Update{Status: models.FeatureStatusComplete, WorkerID: "w2"})

	fp, _ := a.Feature("f1")
	if fp.WorkerID != "w2" {
		t.Errorf("expected worker w2 recorded, got %q", fp.WorkerID)
	}

	snap := a.Snapshot()
	byID := make(map[string]models.WorkerStatus, len(snap.Workers))
	for _, ws := range snap.Workers {
		byID[ws.WorkerID] = ws
	}
	if byID["w2"].Completed != 1 {
		t.Errorf("w2 completed = %d, want 1", byID["w2"].Completed)
	}
	if byID["w1"].Completed != 0 {
		t.Errorf("w1 completed = %d, want 0", byID["w1"].Completed)
	}
}

func TestRetryDeltaAndPartialUpdates(t *testing.T) {
	a := NewAggregator("run-1", Config{}, nil, clock.NewFake())
	a.Initialize(testFeatures(), nil)

	pct := 40.0
	a.UpdateFeature("f1", Update{Status: models.FeatureStatusInProgress, WorkerID: "w1"})
	a.UpdateFeature("f1", Update{Percent: &pct})
	a.UpdateFeature("f1", Update{RetryDelta: 1, Error: "flaky"})

	fp, _ := a.Feature("f1")
	if fp.Percent != 40 || fp.Retries != 1 || fp.WorkerID != "w1" {
		t.Errorf("partial updates lost fields: %+v", fp)
	}
	if fp.Status != models.FeatureStatusInProgress {
		t.Errorf("partial update must not change status, got %s", fp.Status)
	}
}

func TestUnknownFeatureIgnored(t *testing.T) {
	a := NewAggregator("run-1", Config{}, nil, clock.NewFake())
	a.Initialize(testFeatures(), nil)

	a.UpdateFeature("ghost", Update{Status: models.FeatureStatusComplete})
	if got := a.PercentComplete(); got != 0 {
		t.Errorf("unknown feature must not change metrics, got %v", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	clk := clock.NewFake()
	a := NewAggregator("run-1", Config{}, nil, clk)
	a.Initialize(testFeatures(), testPlan(t))
	a.UpdateFeature("f1", Update{Status: models.FeatureStatusInProgress, WorkerID: "w1"})
	a.UpdateFeature("f1", Update{Status: models.FeatureStatusComplete})

	snap := a.Snapshot()

	restored := NewAggregator("", Config{}, nil, clk)
	restored.LoadSnapshot(snap)

	if restored.PercentComplete() != a.PercentComplete() {
		t.Errorf("percent mismatch after reload: %v vs %v",
			restored.PercentComplete(), a.PercentComplete())
	}
	fp, ok := restored.Feature("f1")
	if !ok || fp.Status != models.FeatureStatusComplete {
		t.Errorf("feature state lost in round trip: %+v", fp)
	}
}

func TestAutoSavePersistsOnTimer(t *testing.T) {
	clk := clock.NewFake()
	store := &memStore{}
	a := NewAggregator("run-1", Config{AutoSave: true, SaveInterval: 5 * time.Second}, store, clk)
	a.Initialize(testFeatures(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	clk.BlockUntil(1)
	clk.Advance(5 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && store.count() == 0 {
		time.Sleep(time.Millisecond)
	}
	if store.count() == 0 {
		t.Fatal("expected a snapshot saved on the timer")
	}

	a.Stop()
	if store.count() < 2 {
		t.Errorf("Stop should write a final snapshot, got %d saves", store.count())
	}
}

func TestPersistFailureReportedNotThrown(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	a := NewAggregator("run-1", Config{AutoSave: true}, store, clock.NewFake())
	a.Initialize(testFeatures(), nil)

	var reported error
	a.OnPersistError(func(err error) { reported = err })

	a.Persist()
	if reported == nil || reported.Error() != "disk full" {
		t.Errorf("expected persist error reported, got %v", reported)
	}
}
