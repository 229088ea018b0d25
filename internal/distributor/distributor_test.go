package distributor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dhalvorsen/drover/internal/clock"
	"github.com/dhalvorsen/drover/internal/health"
	"github.com/dhalvorsen/drover/internal/pool"
	"github.com/dhalvorsen/drover/internal/queue"
	"github.com/dhalvorsen/drover/pkg/models"
)

// fakeExec is an in-memory worker connection whose behavior is keyed by
// the feature_id in the payload.
type fakeExec struct {
	mu       sync.Mutex
	behavior map[string]func() (*models.ExecutionResult, error)
	pingErr  error
	started  []string
	finished []string
	onStart  func(featureID string)
}

func newFakeExec() *fakeExec {
	return &fakeExec{behavior: make(map[string]func() (*models.ExecutionResult, error))}
}

func (f *fakeExec) ExecuteAgent(ctx context.Context, capability string, payload map[string]any) (*models.ExecutionResult, error) {
	id, _ := payload["feature_id"].(string)
	f.mu.Lock()
	f.started = append(f.started, id)
	fn := f.behavior[id]
	hook := f.onStart
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}

	var result *models.ExecutionResult
	var err error
	if fn != nil {
		result, err = fn()
	} else {
		result = &models.ExecutionResult{Success: true, ExecutionID: "exec-" + id}
	}

	f.mu.Lock()
	f.finished = append(f.finished, id)
	f.mu.Unlock()
	return result, err
}

func (f *fakeExec) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeExec) Close() error { return nil }

func (f *fakeExec) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

// failTimes returns a behavior that fails n times before succeeding.
func failTimes(n int) func() (*models.ExecutionResult, error) {
	var mu sync.Mutex
	count := 0
	return func() (*models.ExecutionResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if count < n {
			count++
			return nil, errors.New("transient failure")
		}
		return &models.ExecutionResult{Success: true, ExecutionID: "exec-retry"}, nil
	}
}

func alwaysFail() (*models.ExecutionResult, error) {
	return &models.ExecutionResult{Success: false, Error: "boom"}, nil
}

func (f *fakeExec) finishedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.finished))
	copy(out, f.finished)
	return out
}

func newTestPool(t *testing.T, exec *fakeExec, workerIDs ...string) *pool.Pool {
	t.Helper()
	execs := make(map[string]*fakeExec, len(workerIDs))
	for _, id := range workerIDs {
		execs[id] = exec
	}
	return newTestPoolWith(t, execs, workerIDs...)
}

// newTestPoolWith wires a distinct connection per worker so tests can fail
// one worker's probes independently.
func newTestPoolWith(t *testing.T, execs map[string]*fakeExec, workerIDs ...string) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Config{
		Strategy: pool.StrategyLeastLoaded,
		Clock:    clock.Real(),
		Health:   health.Config{OfflineThreshold: 3, DegradedThreshold: 2, MaxReconnectAttempts: 1},
		Queue:    queue.Config{MaxConcurrent: 8},
		Connect: func(ctx context.Context, w *models.Worker) (pool.AgentExecutor, error) {
			return execs[w.ID], nil
		},
	})
	for _, id := range workerIDs {
		err := p.AddWorker(context.Background(), id, "http://"+id+".local", "", models.WorkerCapabilities{
			Tags:             []string{"build"},
			ConcurrencyLimit: 4,
		})
		if err != nil {
			t.Fatalf("add worker %s: %v", id, err)
		}
	}
	t.Cleanup(p.Stop)
	return p
}

func newTestDistributor(p *pool.Pool, opts ...Option) *Distributor {
	base := []Option{
		WithRunID("test-run"),
		WithRetryDelay(time.Millisecond),
		WithMaxRetryDelay(10 * time.Millisecond),
		WithMaxFeatureRetries(1),
	}
	return New(p, append(base, opts...)...)
}

// drainEvents collects everything buffered on the event channel.
func drainEvents(d *Distributor) []Event {
	var events []Event
	for {
		select {
		case ev := <-d.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func countEvents(events []Event, t EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func feat(id string, deps ...string) *models.Feature {
	return &models.Feature{ID: id, Capability: "build", DependsOn: deps}
}

func TestDistributeAllBatches(t *testing.T) {
	exec := newFakeExec()
	p := newTestPool(t, exec, "w1", "w2")
	d := newTestDistributor(p)

	features := []*models.Feature{
		feat("a"), feat("b"),
		feat("c", "a"), feat("d", "b"),
		feat("e", "c", "d"),
	}

	result, err := d.DistributeWork(context.Background(), features)
	if err != nil {
		t.Fatalf("DistributeWork() error = %v", err)
	}
	if result.Succeeded != 5 || result.Failed != 0 || result.Skipped != 0 || result.Pending != 0 {
		t.Fatalf("result = %+v, want 5 succeeded", result)
	}
	if !result.AllComplete() {
		t.Error("AllComplete() = false")
	}
	if d.State() != StateCompleted {
		t.Errorf("State() = %s, want completed", d.State())
	}

	// The barrier means e runs only after c and d, which run after a and b.
	order := exec.finishedOrder()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["c"] < pos["a"] || pos["d"] < pos["b"] {
		t.Errorf("batch order violated: %v", order)
	}
	if pos["e"] < pos["c"] || pos["e"] < pos["d"] {
		t.Errorf("final feature ran before its dependencies: %v", order)
	}

	events := drainEvents(d)
	if n := countEvents(events, EventDistributionStarted); n != 1 {
		t.Errorf("distribution-started count = %d, want 1", n)
	}
	if n := countEvents(events, EventBatchStarted); n != 3 {
		t.Errorf("batch-started count = %d, want 3", n)
	}
	if n := countEvents(events, EventBatchComplete); n != 3 {
		t.Errorf("batch-complete count = %d, want 3", n)
	}
	if n := countEvents(events, EventFeatureComplete); n != 5 {
		t.Errorf("feature-complete count = %d, want 5", n)
	}
	if n := countEvents(events, EventDistributionComplete); n != 1 {
		t.Errorf("distribution-complete count = %d, want 1", n)
	}
}

func TestFailureSkipsDependents(t *testing.T) {
	exec := newFakeExec()
	exec.behavior["auth"] = alwaysFail
	p := newTestPool(t, exec, "w1")
	d := newTestDistributor(p)

	features := []*models.Feature{
		feat("auth"), feat("db"),
		feat("ui", "auth"),
		feat("reports", "db"),
	}

	result, err := d.DistributeWork(context.Background(), features)
	if err != nil {
		t.Fatalf("DistributeWork() error = %v", err)
	}
	if result.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2 (db, reports)", result.Succeeded)
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1 (auth)", result.Failed)
	}
	if result.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1 (ui)", result.Skipped)
	}

	if fp := result.Features["ui"]; fp.Status != models.FeatureStatusSkipped {
		t.Errorf("ui status = %s, want skipped", fp.Status)
	}
	if fp := result.Features["reports"]; fp.Status != models.FeatureStatusComplete {
		t.Errorf("reports status = %s, want complete", fp.Status)
	}

	events := drainEvents(d)
	if n := countEvents(events, EventFeatureRetry); n != 1 {
		t.Errorf("feature-retry count = %d, want 1", n)
	}
	if n := countEvents(events, EventFeatureFailed); n != 1 {
		t.Errorf("feature-failed count = %d, want 1", n)
	}
}

func TestTransitiveSkip(t *testing.T) {
	exec := newFakeExec()
	exec.behavior["a"] = alwaysFail
	p := newTestPool(t, exec, "w1")
	d := newTestDistributor(p, WithMaxFeatureRetries(0))

	features := []*models.Feature{
		feat("a"),
		feat("b", "a"),
		feat("c", "b"),
	}

	result, err := d.DistributeWork(context.Background(), features)
	if err != nil {
		t.Fatalf("DistributeWork() error = %v", err)
	}
	if result.Failed != 1 || result.Skipped != 2 {
		t.Errorf("result = %+v, want 1 failed and 2 skipped", result)
	}
	if fp := result.Features["c"]; fp.Status != models.FeatureStatusSkipped {
		t.Errorf("c status = %s, want skipped", fp.Status)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	exec := newFakeExec()
	exec.behavior["flaky"] = failTimes(1)
	p := newTestPool(t, exec, "w1")
	d := newTestDistributor(p, WithMaxFeatureRetries(2))

	result, err := d.DistributeWork(context.Background(), []*models.Feature{feat("flaky")})
	if err != nil {
		t.Fatalf("DistributeWork() error = %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", result.Succeeded)
	}
	if fp := result.Features["flaky"]; fp.Retries != 1 {
		t.Errorf("Retries = %d, want 1", fp.Retries)
	}
}

func TestFallbackWorkerRecorded(t *testing.T) {
	execs := map[string]*fakeExec{"w1": newFakeExec(), "w2": newFakeExec()}
	p := newTestPoolWith(t, execs, "w1", "w2")
	d := newTestDistributor(p)

	// The plan assigns the sole feature to w1, but w1 goes offline before
	// the run, so the strategy moves it to w2.
	execs["w1"].setPingErr(errors.New("connection refused"))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p.Monitor().CheckNow(ctx)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status, _ := p.Monitor().Status("w1"); status == models.HealthOffline {
			break
		}
		time.Sleep(time.Millisecond)
	}

	result, err := d.DistributeWork(ctx, []*models.Feature{feat("a")})
	if err != nil {
		t.Fatalf("DistributeWork() error = %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", result.Succeeded)
	}
	if got := execs["w2"].finishedOrder(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("w2 finished %v, want [a]", got)
	}
	if got := execs["w1"].finishedOrder(); len(got) != 0 {
		t.Fatalf("offline w1 ran %v", got)
	}

	if fp := result.Features["a"]; fp.WorkerID != "w2" {
		t.Errorf("recorded worker = %q, want w2", fp.WorkerID)
	}
	for _, ev := range drainEvents(d) {
		if ev.Type == EventFeatureComplete && ev.WorkerID != "w2" {
			t.Errorf("feature-complete worker = %q, want w2", ev.WorkerID)
		}
	}
}

func TestStopAfterCurrentBatch(t *testing.T) {
	exec := newFakeExec()
	p := newTestPool(t, exec, "w1")
	d := newTestDistributor(p)

	// Stop is requested while the first batch is executing, so the second
	// batch never dispatches.
	exec.onStart = func(id string) {
		if id == "first" {
			d.Stop()
		}
	}

	result, err := d.DistributeWork(context.Background(), []*models.Feature{
		feat("first"),
		feat("second", "first"),
	})
	if err != nil {
		t.Fatalf("DistributeWork() error = %v", err)
	}
	if !result.Stopped {
		t.Error("Stopped = false, want true")
	}
	if result.Succeeded != 1 || result.Pending != 1 {
		t.Errorf("result = %+v, want 1 succeeded and 1 pending", result)
	}
	if fp := result.Features["second"]; fp.Status != models.FeatureStatusPending {
		t.Errorf("second status = %s, want pending", fp.Status)
	}
	if d.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", d.State())
	}
}

func TestConfigurationErrors(t *testing.T) {
	tests := []struct {
		name     string
		features []*models.Feature
		workers  []string
	}{
		{
			name:     "no features",
			features: nil,
			workers:  []string{"w1"},
		},
		{
			name:     "no workers",
			features: []*models.Feature{feat("a")},
			workers:  nil,
		},
		{
			name:     "unknown dependency",
			features: []*models.Feature{feat("a", "ghost")},
			workers:  []string{"w1"},
		},
		{
			name:     "dependency cycle",
			features: []*models.Feature{feat("a", "b"), feat("b", "a")},
			workers:  []string{"w1"},
		},
		{
			name: "no capable worker",
			features: []*models.Feature{
				{ID: "a", Capability: "deploy"},
			},
			workers: []string{"w1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newFakeExec()
			p := newTestPool(t, exec, tt.workers...)
			d := newTestDistributor(p)

			_, err := d.DistributeWork(context.Background(), tt.features)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error = %v, want ConfigurationError", err)
			}
			if len(exec.finishedOrder()) != 0 {
				t.Error("features were dispatched despite configuration error")
			}
		})
	}
}

func TestSecondRunRejected(t *testing.T) {
	exec := newFakeExec()
	p := newTestPool(t, exec, "w1")
	d := newTestDistributor(p)

	if _, err := d.DistributeWork(context.Background(), []*models.Feature{feat("a")}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := d.DistributeWork(context.Background(), []*models.Feature{feat("a")}); err == nil {
		t.Fatal("expected error on second run")
	}
}
