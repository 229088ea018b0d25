package distributor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dhalvorsen/drover/internal/clock"
	"github.com/dhalvorsen/drover/internal/graph"
	"github.com/dhalvorsen/drover/internal/health"
	"github.com/dhalvorsen/drover/internal/planner"
	"github.com/dhalvorsen/drover/internal/pool"
	"github.com/dhalvorsen/drover/internal/progress"
	"github.com/dhalvorsen/drover/internal/queue"
	"github.com/dhalvorsen/drover/pkg/models"
)

// ConfigurationError indicates the feature set or worker fleet cannot
// support a run. It is returned before any feature is dispatched.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// State tracks the distributor lifecycle. A distributor drives exactly
// one run.
type State string

const (
	// StateCreated means DistributeWork has not been called yet.
	StateCreated State = "created"
	// StateRunning means a run is in flight.
	StateRunning State = "running"
	// StateCompleted means the run finished on its own.
	StateCompleted State = "completed"
	// StateStopped means the run was stopped by the operator.
	StateStopped State = "stopped"
)

// Result summarizes a finished distribution run.
type Result struct {
	// RunID identifies the run.
	RunID string
	// Total is the number of features in the run.
	Total int
	// Succeeded is the number of features that completed.
	Succeeded int
	// Failed is the number of features that exhausted retries.
	Failed int
	// Skipped is the number of features skipped because a dependency failed.
	Skipped int
	// Pending is the number of features never dispatched. Non-zero only
	// when the run was stopped.
	Pending int
	// Stopped reports whether the run ended via Stop.
	Stopped bool
	// Elapsed is the wall time of the run.
	Elapsed time.Duration
	// Features holds the final per-feature progress keyed by feature ID.
	Features map[string]models.FeatureProgress
}

// AllComplete reports whether every feature completed.
func (r *Result) AllComplete() bool {
	return r.Succeeded == r.Total
}

// Distributor coordinates a distribution run over the worker pool.
// Create one per run; reuse returns an error.
type Distributor struct {
	pool    *pool.Pool
	opts    *distributorOptions
	clk     clock.Clock
	logger  *DebugLogger
	emitter *EventEmitter
	runID   string

	mu      sync.Mutex
	state   State
	blocked map[string]bool

	stopFlag atomic.Bool
}

// New creates a distributor over the given pool.
func New(p *pool.Pool, opts ...Option) *Distributor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	runID := o.runID
	if runID == "" {
		runID = uuid.New().String()[:8]
	}
	return &Distributor{
		pool:    p,
		opts:    o,
		clk:     o.clk,
		logger:  o.logger,
		emitter: NewEventEmitter(o.eventBuffer, o.clk),
		runID:   runID,
		state:   StateCreated,
		blocked: make(map[string]bool),
	}
}

// RunID returns the run identifier.
func (d *Distributor) RunID() string { return d.runID }

// Events returns the run's event stream.
func (d *Distributor) Events() <-chan Event { return d.emitter.Events() }

// DroppedEvents returns how many events were dropped by slow consumers.
func (d *Distributor) DroppedEvents() uint64 { return d.emitter.DroppedCount() }

// State returns the current lifecycle state.
func (d *Distributor) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stop requests a cooperative stop. Features already dispatched run to
// completion; the current batch finishes and no new batch starts.
func (d *Distributor) Stop() {
	if d.stopFlag.CompareAndSwap(false, true) {
		d.logger.Log("stop requested for run %s", d.runID)
	}
}

// DistributeWork runs the full distribution: validate the dependency
// graph, plan assignments, then dispatch batch by batch. It blocks until
// the run finishes or is stopped. Validation and planning failures are
// returned as ConfigurationError before anything is dispatched.
func (d *Distributor) DistributeWork(ctx context.Context, features []*models.Feature) (*Result, error) {
	d.mu.Lock()
	if d.state != StateCreated {
		state := d.state
		d.mu.Unlock()
		return nil, fmt.Errorf("distribution already %s", state)
	}
	d.state = StateRunning
	d.mu.Unlock()

	finish := func(s State) {
		d.mu.Lock()
		d.state = s
		d.mu.Unlock()
	}

	batches, plan, err := d.prepare(features)
	if err != nil {
		finish(StateCompleted)
		return nil, err
	}
	d.logger.Log("run %s: %d features in %d batches across %d workers",
		d.runID, len(features), len(batches), plan.Stats.Workers)

	agg := progress.NewAggregator(d.runID, d.opts.progressConfig, d.opts.store, d.clk)
	agg.OnPersistError(func(err error) {
		d.emit(Event{Type: EventSnapshotFailed, Error: err})
	})
	agg.Initialize(features, plan)

	forwardCtx, stopForward := context.WithCancel(ctx)
	defer stopForward()
	d.forwardEvents(forwardCtx)

	agg.Start(ctx)
	start := d.clk.Now()
	d.emit(Event{Type: EventDistributionStarted,
		Message: fmt.Sprintf("%d features, %d batches", len(features), len(batches))})

	stopped := d.runBatches(ctx, batches, features, plan, agg)

	agg.Stop()
	result := d.buildResult(agg, stopped, d.clk.Now().Sub(start))
	d.emit(Event{Type: EventDistributionComplete,
		Message: fmt.Sprintf("%d/%d complete, %d failed, %d skipped",
			result.Succeeded, result.Total, result.Failed, result.Skipped)})
	d.logger.Log("run %s finished: %d/%d complete, %d failed, %d skipped, %d pending",
		d.runID, result.Succeeded, result.Total, result.Failed, result.Skipped, result.Pending)

	if stopped {
		finish(StateStopped)
	} else {
		finish(StateCompleted)
	}
	return result, nil
}

// prepare validates the graph and produces batches plus the execution plan.
func (d *Distributor) prepare(features []*models.Feature) ([]graph.Batch, *planner.Plan, error) {
	if len(features) == 0 {
		return nil, nil, &ConfigurationError{Reason: "no features to distribute"}
	}
	workers := d.pool.Workers()
	if len(workers) == 0 {
		return nil, nil, &ConfigurationError{Reason: "no workers registered"}
	}

	g := graph.New()
	g.AddFeatures(features)
	if err := g.Validate(); err != nil {
		return nil, nil, &ConfigurationError{Reason: "invalid dependency graph", Err: err}
	}
	batches, err := g.GenerateBatches()
	if err != nil {
		return nil, nil, &ConfigurationError{Reason: "cannot order features", Err: err}
	}

	plan, err := planner.New(d.opts.estimates, d.clk).CreateExecutionPlan(batches, features, workers)
	if err != nil {
		return nil, nil, &ConfigurationError{Reason: "cannot plan assignments", Err: err}
	}
	return batches, plan, nil
}

// runBatches dispatches each batch behind a barrier: batch N+1 starts only
// after every feature in batch N reached a terminal state. Returns true if
// the run was stopped before all batches dispatched.
func (d *Distributor) runBatches(ctx context.Context, batches []graph.Batch, features []*models.Feature, plan *planner.Plan, agg *progress.Aggregator) bool {
	byID := make(map[string]*models.Feature, len(features))
	for _, f := range features {
		byID[f.ID] = f
	}

	for bi, batch := range batches {
		if d.stopFlag.Load() || ctx.Err() != nil {
			d.logPending(batches[bi:])
			return true
		}

		d.emit(Event{Type: EventBatchStarted, Batch: bi,
			Message: fmt.Sprintf("%d features", len(batch))})
		d.logger.Log("run %s: batch %d started (%v)", d.runID, bi, batch)

		var wg sync.WaitGroup
		for _, id := range batch {
			f := byID[id]
			if f == nil {
				continue
			}
			if d.shouldSkip(f) {
				d.markSkipped(f, agg)
				continue
			}
			wg.Add(1)
			go func(f *models.Feature) {
				defer wg.Done()
				d.runFeature(ctx, f, plan, agg)
			}(f)
		}
		wg.Wait()

		d.emit(Event{Type: EventBatchComplete, Batch: bi})
		d.logger.Log("run %s: batch %d complete", d.runID, bi)
	}
	return d.stopFlag.Load()
}

// shouldSkip reports whether any dependency of f failed or was skipped.
func (d *Distributor) shouldSkip(f *models.Feature) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dep := range f.DependsOn {
		if d.blocked[dep] {
			return true
		}
	}
	return false
}

// markSkipped records a skip and propagates it to later dependents.
func (d *Distributor) markSkipped(f *models.Feature, agg *progress.Aggregator) {
	d.mu.Lock()
	d.blocked[f.ID] = true
	d.mu.Unlock()
	agg.UpdateFeature(f.ID, progress.Update{Status: models.FeatureStatusSkipped, Error: "dependency failed"})
	d.logger.Log("run %s: feature %s skipped (dependency failed)", d.runID, f.ID)
}

// logPending records how many features were never dispatched when stopping.
func (d *Distributor) logPending(remaining []graph.Batch) {
	count := 0
	for _, b := range remaining {
		count += len(b)
	}
	d.logger.Log("run %s: stopping with %d features not dispatched", d.runID, count)
}

// runFeature dispatches one feature with retry. Each attempt re-selects a
// worker, so a recovered or newly added worker can pick up a retry.
func (d *Distributor) runFeature(ctx context.Context, f *models.Feature, plan *planner.Plan, agg *progress.Aggregator) {
	preferred := plan.WorkerFor(f.ID)
	payload := d.buildPayload(f)

	for attempt := 0; ; attempt++ {
		agg.UpdateFeature(f.ID, progress.Update{Status: models.FeatureStatusInProgress, WorkerID: preferred})

		result, workerID, err := d.pool.CallTool(ctx, f.Capability, payload, pool.CallOptions{
			Priority:        f.Priority,
			Timeout:         d.opts.featureTimeout,
			PreferredWorker: preferred,
		})
		// The strategy may have moved the feature off the planned worker.
		// Terminal records and events carry the worker that actually ran it.
		if workerID == "" {
			workerID = preferred
		}
		if err == nil {
			agg.UpdateFeature(f.ID, progress.Update{Status: models.FeatureStatusComplete, WorkerID: workerID})
			d.emit(Event{Type: EventFeatureComplete, FeatureID: f.ID, WorkerID: workerID,
				Message: result.ExecutionID})
			d.logger.Log("run %s: feature %s complete on %s (execution %s)", d.runID, f.ID, workerID, result.ExecutionID)
			return
		}

		if attempt >= d.opts.maxRetries || ctx.Err() != nil {
			d.mu.Lock()
			d.blocked[f.ID] = true
			d.mu.Unlock()
			agg.UpdateFeature(f.ID, progress.Update{Status: models.FeatureStatusFailed, Error: err.Error(), WorkerID: workerID})
			d.emit(Event{Type: EventFeatureFailed, FeatureID: f.ID, WorkerID: workerID,
				Attempt: attempt + 1, Error: err})
			d.logger.Log("run %s: feature %s failed after %d attempts: %v", d.runID, f.ID, attempt+1, err)
			return
		}

		agg.UpdateFeature(f.ID, progress.Update{RetryDelta: 1, Error: err.Error()})
		d.emit(Event{Type: EventFeatureRetry, FeatureID: f.ID,
			Attempt: attempt + 1, Error: err})
		d.logger.Log("run %s: feature %s attempt %d failed, retrying: %v", d.runID, f.ID, attempt+1, err)

		if sleepErr := d.clk.Sleep(ctx, d.retryBackoff(attempt)); sleepErr != nil {
			d.mu.Lock()
			d.blocked[f.ID] = true
			d.mu.Unlock()
			agg.UpdateFeature(f.ID, progress.Update{Status: models.FeatureStatusFailed, Error: err.Error(), WorkerID: workerID})
			d.emit(Event{Type: EventFeatureFailed, FeatureID: f.ID, WorkerID: workerID, Attempt: attempt + 1, Error: err})
			return
		}
	}
}

// retryBackoff doubles the base delay per attempt, capped at the maximum.
func (d *Distributor) retryBackoff(attempt int) time.Duration {
	delay := d.opts.retryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= d.opts.maxRetryDelay {
			return d.opts.maxRetryDelay
		}
	}
	if delay > d.opts.maxRetryDelay {
		return d.opts.maxRetryDelay
	}
	return delay
}

// buildPayload assembles the task payload sent to the worker.
func (d *Distributor) buildPayload(f *models.Feature) map[string]any {
	payload := map[string]any{
		"feature_id": f.ID,
		"priority":   f.Priority,
	}
	for k, v := range f.Metadata {
		payload[k] = v
	}
	return payload
}

// forwardEvents relays health and task events into the run's event stream.
func (d *Distributor) forwardEvents(ctx context.Context) {
	d.pool.OnTaskEvent(func(ev queue.Event) {
		d.emit(Event{
			Type:    EventType(ev.Type),
			Message: ev.TaskType,
			Attempt: ev.Attempt,
			Error:   ev.Err,
		})
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-d.pool.Monitor().Events():
				if !ok {
					return
				}
				d.forwardHealthEvent(ev)
			}
		}
	}()
}

func (d *Distributor) forwardHealthEvent(ev health.Event) {
	var t EventType
	switch ev.Type {
	case health.EventServerDegraded:
		t = EventServerDegraded
	case health.EventServerOffline, health.EventReconnectFailed:
		t = EventServerOffline
	case health.EventServerRecovered:
		t = EventServerRecovered
	default:
		return
	}
	msg := ""
	if ev.Type == health.EventReconnectFailed {
		msg = "reconnection attempts exhausted"
	}
	d.emit(Event{Type: t, WorkerID: ev.WorkerID, Error: ev.Err, Message: msg})
}

// buildResult converts the final aggregator snapshot into a run result.
func (d *Distributor) buildResult(agg *progress.Aggregator, stopped bool, elapsed time.Duration) *Result {
	snap := agg.Snapshot()
	features := make(map[string]models.FeatureProgress, len(snap.Features))
	for _, fp := range snap.Features {
		features[fp.FeatureID] = fp
	}
	o := snap.Progress
	return &Result{
		RunID:     d.runID,
		Total:     o.Total,
		Succeeded: o.Completed,
		Failed:    o.Failed,
		Skipped:   o.Skipped,
		Pending:   o.Total - o.Completed - o.Failed - o.Skipped,
		Stopped:   stopped,
		Elapsed:   elapsed,
		Features:  features,
	}
}

// emit stamps and sends one event.
func (d *Distributor) emit(ev Event) {
	ev.RunID = d.runID
	ev.Timestamp = d.clk.Now()
	d.emitter.Emit(ev)
}
