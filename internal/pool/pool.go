// Package pool maintains the registered worker set and dispatches feature
// executions to healthy workers through the work queue, picking a worker via
// a pluggable selection strategy.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dhalvorsen/drover/internal/clock"
	"github.com/dhalvorsen/drover/internal/health"
	"github.com/dhalvorsen/drover/internal/queue"
	"github.com/dhalvorsen/drover/pkg/models"
)

// ErrWorkerUnavailable indicates no healthy worker can serve a dispatch.
// It is surfaced to the caller immediately, never retried inside the pool.
var ErrWorkerUnavailable = errors.New("no healthy worker available")

// ErrExecutionFailed indicates the worker ran the task and reported failure.
var ErrExecutionFailed = errors.New("execution failed")

// ErrWorkerExists indicates a duplicate worker registration.
var ErrWorkerExists = errors.New("worker already registered")

// ErrWorkerUnknown indicates an operation on an unregistered worker.
var ErrWorkerUnknown = errors.New("worker not registered")

// Strategy selects which healthy worker takes the next dispatch.
type Strategy string

const (
	// StrategyRoundRobin cycles through healthy workers in registration
	// order, independent of load.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyLeastLoaded picks the healthy worker with the fewest active
	// tasks, ties broken by earliest registration.
	StrategyLeastLoaded Strategy = "least-loaded"
	// StrategyPriority picks the highest declared priority weight first,
	// ties resolved by least-loaded.
	StrategyPriority Strategy = "priority"
)

// Valid returns true if the strategy is a known value.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyPriority:
		return true
	default:
		return false
	}
}

// AgentExecutor is the remote execution capability of one worker connection.
// Its internal behavior is out of scope here; the pool only needs dispatch,
// probing, and shutdown.
type AgentExecutor interface {
	ExecuteAgent(ctx context.Context, capability string, payload map[string]any) (*models.ExecutionResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// ConnectFunc opens a connection to a worker. Injected so tests and the CLI
// can supply different transports.
type ConnectFunc func(ctx context.Context, w *models.Worker) (AgentExecutor, error)

// Config holds pool construction options.
type Config struct {
	// Strategy is the worker selection strategy. Defaults to least-loaded.
	Strategy Strategy
	// Connect opens worker connections. Required.
	Connect ConnectFunc
	// Health configures the embedded health monitor.
	Health health.Config
	// Queue configures the embedded work queue.
	Queue queue.Config
	// Clock drives probing and backoff. Defaults to the real clock.
	Clock clock.Clock
}

// entry pairs a registered worker with its live connection and load counter.
type entry struct {
	worker *models.Worker
	exec   AgentExecutor
	active int
}

// CallOptions tune one dispatch.
type CallOptions struct {
	// Priority orders the dispatch within the work queue.
	Priority int
	// Timeout bounds each execution attempt.
	Timeout time.Duration
	// PreferredWorker pins the dispatch to a planned worker when that worker
	// is healthy and capable; otherwise the strategy picks a fallback.
	PreferredWorker string
	// MaxRetries overrides the queue's retry budget when > 0.
	MaxRetries int
}

// Pool composes the health monitor, the work queue, and a selection strategy.
type Pool struct {
	cfg     Config
	clk     clock.Clock
	monitor *health.Monitor
	queue   *queue.Queue

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	rrNext  int
}

// New creates a pool with the given configuration.
func New(cfg Config) *Pool {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if !cfg.Strategy.Valid() {
		cfg.Strategy = StrategyLeastLoaded
	}
	return &Pool{
		cfg:     cfg,
		clk:     cfg.Clock,
		monitor: health.NewMonitor(cfg.Health, cfg.Clock),
		queue:   queue.New(cfg.Queue, cfg.Clock),
		entries: make(map[string]*entry),
	}
}

// Monitor exposes the embedded health monitor for event subscription.
func (p *Pool) Monitor() *health.Monitor { return p.monitor }

// OnTaskEvent registers a hook for queue task lifecycle events.
// Must be called before the first dispatch.
func (p *Pool) OnTaskEvent(fn func(queue.Event)) { p.queue.OnEvent(fn) }

// Start begins health probing.
func (p *Pool) Start(ctx context.Context) { p.monitor.Start(ctx) }

// Stop halts probing, drains the queue, and closes worker connections.
func (p *Pool) Stop() {
	p.monitor.Stop()
	p.queue.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.exec != nil {
			e.exec.Close()
		}
	}
}

// AddWorker registers a worker, opens its connection, and begins probing it.
func (p *Pool) AddWorker(ctx context.Context, id, address, authToken string, caps models.WorkerCapabilities) error {
	p.mu.Lock()
	if _, exists := p.entries[id]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerExists, id)
	}
	p.mu.Unlock()

	w := &models.Worker{
		ID:           id,
		Address:      address,
		AuthToken:    authToken,
		Capabilities: caps,
		RegisteredAt: p.clk.Now(),
	}

	exec, err := p.cfg.Connect(ctx, w)
	if err != nil {
		return fmt.Errorf("connect worker %s: %w", id, err)
	}

	p.mu.Lock()
	if _, exists := p.entries[id]; exists {
		p.mu.Unlock()
		exec.Close()
		return fmt.Errorf("%w: %s", ErrWorkerExists, id)
	}
	p.entries[id] = &entry{worker: w, exec: exec}
	p.order = append(p.order, id)
	p.mu.Unlock()

	p.monitor.Track(id, exec)
	return nil
}

// RemoveWorker unregisters a worker and closes its connection.
func (p *Pool) RemoveWorker(id string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerUnknown, id)
	}
	delete(p.entries, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	p.monitor.Untrack(id)
	if e.exec != nil {
		e.exec.Close()
	}
	return nil
}

// Workers returns registered workers in registration order.
func (p *Pool) Workers() []*models.Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	workers := make([]*models.Worker, 0, len(p.order))
	for _, id := range p.order {
		workers = append(workers, p.entries[id].worker)
	}
	return workers
}

// ActiveCount returns the worker's currently executing task count.
func (p *Pool) ActiveCount(id string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.entries[id]; ok {
		return e.active
	}
	return 0
}

// CallTool dispatches one execution for the given capability, selecting a
// healthy worker and routing through the work queue. It blocks until the
// task reaches a terminal state or ctx is done. The returned worker ID is
// the worker that served the dispatch, which differs from the preferred
// worker when the strategy had to fall back.
func (p *Pool) CallTool(ctx context.Context, capability string, payload map[string]any, opts CallOptions) (*models.ExecutionResult, string, error) {
	workerID, exec, err := p.selectWorker(capability, opts.PreferredWorker)
	if err != nil {
		return nil, "", err
	}

	h := p.queue.Enqueue(ctx, capability, func(ctx context.Context) (any, error) {
		p.adjustActive(workerID, 1)
		result, execErr := exec.ExecuteAgent(ctx, capability, payload)
		// Decrement in the same continuation that resolves the call so
		// concurrent dispatch never observes a stale count.
		p.adjustActive(workerID, -1)

		if execErr != nil {
			return nil, execErr
		}
		if !result.Success {
			return result, fmt.Errorf("%w: %s", ErrExecutionFailed, result.Error)
		}
		return result, nil
	}, queue.Options{Priority: opts.Priority, Timeout: opts.Timeout, MaxRetries: opts.MaxRetries})

	res, err := h.Wait(ctx)
	if err != nil {
		return nil, workerID, err
	}
	return res.(*models.ExecutionResult), workerID, nil
}

// SelectedWorkerID reports which worker the pool would pick right now for a
// capability. Used by operators and tests to inspect strategy behavior.
func (p *Pool) SelectedWorkerID(capability string) (string, error) {
	id, _, err := p.selectWorker(capability, "")
	return id, err
}

func (p *Pool) adjustActive(id string, delta int) {
	p.mu.Lock()
	if e, ok := p.entries[id]; ok {
		e.active += delta
	}
	p.mu.Unlock()
}

// selectWorker picks a healthy worker for the capability per the configured
// strategy. A preferred worker wins if it is healthy and capable.
func (p *Pool) selectWorker(capability, preferred string) (string, AgentExecutor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if preferred != "" {
		if e, ok := p.entries[preferred]; ok && p.eligibleLocked(preferred, capability) {
			return preferred, e.exec, nil
		}
	}

	var id string
	switch p.cfg.Strategy {
	case StrategyRoundRobin:
		id = p.pickRoundRobinLocked(capability)
	case StrategyPriority:
		id = p.pickPriorityLocked(capability)
	default:
		id = p.pickLeastLoadedLocked(capability)
	}
	if id == "" {
		return "", nil, fmt.Errorf("%w for capability %q", ErrWorkerUnavailable, capability)
	}
	return id, p.entries[id].exec, nil
}

func (p *Pool) eligibleLocked(id, capability string) bool {
	e, ok := p.entries[id]
	if !ok {
		return false
	}
	if capability != "" && !e.worker.Capabilities.HasTag(capability) {
		return false
	}
	status, ok := p.monitor.Status(id)
	return ok && status == models.HealthOnline
}

// pickRoundRobinLocked cycles the registration order, skipping ineligible
// workers, independent of load.
func (p *Pool) pickRoundRobinLocked(capability string) string {
	n := len(p.order)
	for i := 0; i < n; i++ {
		pos := (p.rrNext + i) % n
		id := p.order[pos]
		if p.eligibleLocked(id, capability) {
			p.rrNext = pos + 1
			return id
		}
	}
	return ""
}

// pickLeastLoadedLocked returns the eligible worker with the fewest active
// tasks; a strict comparison keeps earlier registrations on ties.
func (p *Pool) pickLeastLoadedLocked(capability string) string {
	best := ""
	for _, id := range p.order {
		if !p.eligibleLocked(id, capability) {
			continue
		}
		if best == "" || p.entries[id].active < p.entries[best].active {
			best = id
		}
	}
	return best
}

// pickPriorityLocked returns the eligible worker with the highest declared
// priority weight; ties fall back to least-loaded, then registration order.
func (p *Pool) pickPriorityLocked(capability string) string {
	best := ""
	for _, id := range p.order {
		if !p.eligibleLocked(id, capability) {
			continue
		}
		if best == "" {
			best = id
			continue
		}
		bw, cw := p.entries[best].worker.Capabilities.Priority, p.entries[id].worker.Capabilities.Priority
		switch {
		case cw > bw:
			best = id
		case cw == bw && p.entries[id].active < p.entries[best].active:
			best = id
		}
	}
	return best
}
