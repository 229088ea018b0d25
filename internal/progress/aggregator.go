// Package progress aggregates feature and worker status updates for one
// distribution run, computes overall completion metrics, and periodically
// persists snapshots so visibility survives a restart.
package progress

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dhalvorsen/drover/internal/clock"
	"github.com/dhalvorsen/drover/internal/planner"
	"github.com/dhalvorsen/drover/pkg/models"
)

// SnapshotVersion is the persisted snapshot format version.
const SnapshotVersion = 1

// Store is the persistence sink for snapshots.
type Store interface {
	SaveSnapshot(s *Snapshot) error
}

// Snapshot is the full aggregator state at a point in time. Its JSON shape
// is a wire contract for external observers.
type Snapshot struct {
	Version   int                      `json:"version"`
	RunID     string                   `json:"run_id"`
	Timestamp time.Time                `json:"timestamp"`
	Progress  Overall                  `json:"progress"`
	Features  []models.FeatureProgress `json:"features"`
	Workers   []models.WorkerStatus    `json:"workers"`
}

// Overall holds run-wide completion metrics.
type Overall struct {
	Total           int            `json:"total"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	Skipped         int            `json:"skipped"`
	InProgress      int            `json:"in_progress"`
	PercentComplete float64        `json:"percent_complete"`
	Elapsed         time.Duration  `json:"elapsed"`
	ETA             *time.Duration `json:"eta,omitempty"`
}

// Update is a partial change to one feature's progress. Zero-valued fields
// are left untouched.
type Update struct {
	// Status moves the feature's state machine when non-empty.
	Status models.FeatureStatus
	// WorkerID records the assigned worker when non-empty.
	WorkerID string
	// Percent sets numeric progress when non-nil.
	Percent *float64
	// Error records the most recent error text when non-empty.
	Error string
	// RetryDelta increments the retry counter.
	RetryDelta int
}

// Config holds aggregator tuning.
type Config struct {
	// AutoSave enables timed snapshot persistence.
	AutoSave bool
	// SaveInterval is the persistence cadence when auto-save is on.
	SaveInterval time.Duration
}

// Aggregator owns the per-feature and per-worker progress maps exclusively.
// All writes go through its methods; snapshots are deep copies.
type Aggregator struct {
	cfg   Config
	clk   clock.Clock
	store Store
	runID string

	mu        sync.RWMutex
	startedAt time.Time
	features  map[string]*models.FeatureProgress
	workers   map[string]*models.WorkerStatus
	completed int
	failed    int
	skipped   int

	// onPersistError reports persistence failures; they are never returned
	// into the update path.
	onPersistError func(error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator creates an aggregator. The store may be nil, in which case
// snapshots are kept in memory only.
func NewAggregator(runID string, cfg Config, store Store, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = 30 * time.Second
	}
	return &Aggregator{
		cfg:      cfg,
		clk:      clk,
		store:    store,
		runID:    runID,
		features: make(map[string]*models.FeatureProgress),
		workers:  make(map[string]*models.WorkerStatus),
	}
}

// OnPersistError registers a hook for snapshot persistence failures.
func (a *Aggregator) OnPersistError(fn func(error)) { a.onPersistError = fn }

// Initialize seeds one pending FeatureProgress per feature and one worker
// record per plan participant, and stamps the run start time.
func (a *Aggregator) Initialize(features []*models.Feature, plan *planner.Plan) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.startedAt = a.clk.Now()
	for _, f := range features {
		a.features[f.ID] = &models.FeatureProgress{
			FeatureID: f.ID,
			Status:    models.FeatureStatusPending,
		}
	}
	if plan != nil {
		for workerID := range plan.Stats.PerWorker {
			a.workers[workerID] = &models.WorkerStatus{WorkerID: workerID}
		}
	}
}

// UpdateFeature applies a partial update and recomputes the aggregates.
// Unknown feature IDs are ignored.
func (a *Aggregator) UpdateFeature(id string, u Update) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fp, ok := a.features[id]
	if !ok {
		return
	}

	if u.WorkerID != "" {
		fp.WorkerID = u.WorkerID
	}
	if u.Percent != nil {
		fp.Percent = *u.Percent
	}
	if u.Error != "" {
		fp.LastError = u.Error
	}
	fp.Retries += u.RetryDelta

	if u.Status != "" && u.Status != fp.Status {
		a.transitionLocked(fp, u.Status)
	}
}

func (a *Aggregator) transitionLocked(fp *models.FeatureProgress, next models.FeatureStatus) {
	now := a.clk.Now()
	switch next {
	case models.FeatureStatusInProgress:
		if fp.StartedAt == nil {
			fp.StartedAt = &now
		}
		if ws := a.workerLocked(fp.WorkerID); ws != nil {
			ws.ActiveFeature = fp.FeatureID
		}
	case models.FeatureStatusComplete:
		fp.CompletedAt = &now
		fp.Percent = 100
		a.completed++
		if ws := a.workerLocked(fp.WorkerID); ws != nil {
			ws.Completed++
			if ws.ActiveFeature == fp.FeatureID {
				ws.ActiveFeature = ""
			}
		}
	case models.FeatureStatusFailed:
		fp.CompletedAt = &now
		a.failed++
		if ws := a.workerLocked(fp.WorkerID); ws != nil {
			ws.Failed++
			if ws.ActiveFeature == fp.FeatureID {
				ws.ActiveFeature = ""
			}
		}
	case models.FeatureStatusSkipped:
		fp.CompletedAt = &now
		a.skipped++
	}
	fp.Status = next
}

// workerLocked returns the record for a worker, creating it on first use so
// features that land on workers outside the original plan are still counted.
func (a *Aggregator) workerLocked(id string) *models.WorkerStatus {
	if id == "" {
		return nil
	}
	ws, ok := a.workers[id]
	if !ok {
		ws = &models.WorkerStatus{WorkerID: id}
		a.workers[id] = ws
	}
	return ws
}

// Feature returns a copy of one feature's progress.
func (a *Aggregator) Feature(id string) (models.FeatureProgress, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fp, ok := a.features[id]
	if !ok {
		return models.FeatureProgress{}, false
	}
	return *fp, true
}

// PercentComplete returns completed/total × 100.
func (a *Aggregator) PercentComplete() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.percentLocked()
}

func (a *Aggregator) percentLocked() float64 {
	if len(a.features) == 0 {
		return 0
	}
	return float64(a.completed) / float64(len(a.features)) * 100
}

// ETA estimates remaining run time from the observed completion rate.
// It is undefined (nil) until at least one feature completes.
func (a *Aggregator) ETA() *time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.etaLocked()
}

func (a *Aggregator) etaLocked() *time.Duration {
	if a.completed == 0 {
		return nil
	}
	elapsed := a.clk.Now().Sub(a.startedAt)
	remaining := len(a.features) - a.completed - a.failed - a.skipped
	eta := elapsed / time.Duration(a.completed) * time.Duration(remaining)
	return &eta
}

// Snapshot returns a deep copy of the full aggregator state.
func (a *Aggregator) Snapshot() *Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := &Snapshot{
		Version:   SnapshotVersion,
		RunID:     a.runID,
		Timestamp: a.clk.Now(),
	}

	inProgress := 0
	for _, fp := range a.features {
		if fp.Status == models.FeatureStatusInProgress {
			inProgress++
		}
		s.Features = append(s.Features, *fp)
	}
	for _, ws := range a.workers {
		s.Workers = append(s.Workers, *ws)
	}
	sort.Slice(s.Features, func(i, j int) bool { return s.Features[i].FeatureID < s.Features[j].FeatureID })
	sort.Slice(s.Workers, func(i, j int) bool { return s.Workers[i].WorkerID < s.Workers[j].WorkerID })

	s.Progress = Overall{
		Total:           len(a.features),
		Completed:       a.completed,
		Failed:          a.failed,
		Skipped:         a.skipped,
		InProgress:      inProgress,
		PercentComplete: a.percentLocked(),
		Elapsed:         a.clk.Now().Sub(a.startedAt),
		ETA:             a.etaLocked(),
	}
	return s
}

// LoadSnapshot seeds the aggregator from a persisted snapshot so visibility
// can resume after a restart.
func (a *Aggregator) LoadSnapshot(s *Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.runID = s.RunID
	a.startedAt = a.clk.Now().Add(-s.Progress.Elapsed)
	a.completed = s.Progress.Completed
	a.failed = s.Progress.Failed
	a.skipped = s.Progress.Skipped
	a.features = make(map[string]*models.FeatureProgress, len(s.Features))
	for i := range s.Features {
		fp := s.Features[i]
		a.features[fp.FeatureID] = &fp
	}
	a.workers = make(map[string]*models.WorkerStatus, len(s.Workers))
	for i := range s.Workers {
		ws := s.Workers[i]
		a.workers[ws.WorkerID] = &ws
	}
}

// Start begins timed auto-saving when enabled.
func (a *Aggregator) Start(ctx context.Context) {
	if !a.cfg.AutoSave || a.store == nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := a.clk.NewTicker(a.cfg.SaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				a.Persist()
			}
		}
	}()
}

// Stop halts auto-saving and writes a final snapshot.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.store != nil {
		a.Persist()
	}
}

// Persist writes one snapshot to the store. Failures go to the persist-error
// hook, never to callers.
func (a *Aggregator) Persist() {
	if a.store == nil {
		return
	}
	if err := a.store.SaveSnapshot(a.Snapshot()); err != nil && a.onPersistError != nil {
		a.onPersistError(err)
	}
}
