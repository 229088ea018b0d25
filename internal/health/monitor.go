// Package health tracks per-worker reachability. A monitor probes each
// tracked worker on a fixed interval, maintains a small state machine per
// worker, and drives reconnection with exponential backoff once a worker
// goes offline.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/dhalvorsen/drover/internal/clock"
	"github.com/dhalvorsen/drover/pkg/models"
)

// EventType identifies a health transition event.
type EventType string

const (
	// EventServerDegraded indicates consecutive probe failures crossed the
	// degraded threshold.
	EventServerDegraded EventType = "server-degraded"
	// EventServerOffline indicates the worker crossed the offline threshold.
	EventServerOffline EventType = "server-offline"
	// EventServerRecovered indicates a previously unhealthy worker answered
	// a probe.
	EventServerRecovered EventType = "server-recovered"
	// EventReconnectFailed indicates reconnection attempts were exhausted.
	// The worker stays offline until an operator re-adds it.
	EventReconnectFailed EventType = "reconnect-failed"
)

// Event is a health transition emitted to subscribers.
type Event struct {
	Type      EventType
	WorkerID  string
	Status    models.HealthStatus
	Err       error
	Timestamp time.Time
}

// Pinger probes a worker endpoint. A nil error means the worker answered.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to the Pinger interface.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Config holds monitor tuning. Zero values fall back to defaults.
type Config struct {
	// CheckInterval is the fixed probe interval.
	CheckInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
	// DegradedThreshold is the consecutive-failure count that marks a worker degraded.
	DegradedThreshold int
	// OfflineThreshold is the consecutive-failure count that marks a worker offline.
	OfflineThreshold int
	// ReconnectBaseDelay seeds the exponential reconnect backoff.
	ReconnectBaseDelay time.Duration
	// MaxReconnectAttempts caps reconnection attempts after going offline.
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 2
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = 3
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	return c
}

// record is the per-worker health state. Mutated only by the monitor.
type record struct {
	pinger       Pinger
	status       models.HealthStatus
	failures     int
	lastCheck    time.Time
	lastErr      error
	reconnects   int
	reconnecting bool
	// terminal marks a worker whose reconnect attempts were exhausted.
	// It is excluded from probing until re-tracked.
	terminal bool
}

// HealthRecord is a read-only copy of a worker's health state.
type HealthRecord struct {
	WorkerID          string
	Status            models.HealthStatus
	ConsecutiveFails  int
	LastCheck         time.Time
	LastError         error
	ReconnectAttempts int
}

// Monitor owns the worker-health map. It is the only writer; the pool reads
// statuses through Healthy and Status.
type Monitor struct {
	cfg Config
	clk clock.Clock

	mu      sync.RWMutex
	records map[string]*record
	order   []string

	events chan Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor with the given configuration.
func NewMonitor(cfg Config, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Monitor{
		cfg:     cfg.withDefaults(),
		clk:     clk,
		records: make(map[string]*record),
		events:  make(chan Event, 64),
	}
}

// Events returns the channel of health transition events.
func (m *Monitor) Events() <-chan Event { return m.events }

// Track registers a worker for probing. A newly tracked worker starts online.
// Re-tracking an existing worker resets its state, which is how an operator
// re-adds a worker after terminal reconnect failure.
func (m *Monitor) Track(workerID string, p Pinger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[workerID]; !exists {
		m.order = append(m.order, workerID)
	}
	m.records[workerID] = &record{pinger: p, status: models.HealthOnline}
}

// Untrack removes a worker from probing.
func (m *Monitor) Untrack(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, workerID)
	for i, id := range m.order {
		if id == workerID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Status returns the worker's current health status.
func (m *Monitor) Status(workerID string) (models.HealthStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[workerID]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// Record returns a copy of the worker's full health record.
func (m *Monitor) Record(workerID string) (HealthRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[workerID]
	if !ok {
		return HealthRecord{}, false
	}
	return HealthRecord{
		WorkerID:          workerID,
		Status:            rec.status,
		ConsecutiveFails:  rec.failures,
		LastCheck:         rec.lastCheck,
		LastError:         rec.lastErr,
		ReconnectAttempts: rec.reconnects,
	}, true
}

// Healthy returns the IDs of online workers in registration order.
func (m *Monitor) Healthy() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var healthy []string
	for _, id := range m.order {
		if rec, ok := m.records[id]; ok && rec.status == models.HealthOnline {
			healthy = append(healthy, id)
		}
	}
	return healthy
}

// Start begins interval probing. Probing is independent of task traffic and
// continues until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clk.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				m.CheckNow(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for in-flight checks to finish.
// The event channel stays open; pending events can still be drained.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// CheckNow probes every tracked worker once, synchronously. Workers that are
// mid-reconnect or terminally offline are skipped.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for _, id := range ids {
		m.checkOne(ctx, id)
	}
}

func (m *Monitor) checkOne(ctx context.Context, workerID string) {
	m.mu.RLock()
	rec, ok := m.records[workerID]
	var pinger Pinger
	skip := false
	if ok {
		pinger = rec.pinger
		skip = rec.reconnecting || rec.terminal
	}
	m.mu.RUnlock()
	if !ok || skip {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := pinger.Ping(pctx)
	cancel()

	if err == nil {
		m.recordSuccess(workerID)
	} else {
		m.recordFailure(ctx, workerID, err)
	}
}

// recordSuccess resets the failure counter and returns the worker to online,
// emitting a recovery event only when the previous state was not online.
func (m *Monitor) recordSuccess(workerID string) {
	m.mu.Lock()
	rec, ok := m.records[workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	prev := rec.status
	rec.status = models.HealthOnline
	rec.failures = 0
	rec.reconnects = 0
	rec.reconnecting = false
	rec.terminal = false
	rec.lastErr = nil
	rec.lastCheck = m.clk.Now()
	m.mu.Unlock()

	if prev != models.HealthOnline {
		m.emit(Event{Type: EventServerRecovered, WorkerID: workerID, Status: models.HealthOnline})
	}
}

func (m *Monitor) recordFailure(ctx context.Context, workerID string, err error) {
	m.mu.Lock()
	rec, ok := m.records[workerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.failures++
	rec.lastErr = err
	rec.lastCheck = m.clk.Now()

	var event *Event
	startReconnect := false
	switch {
	case rec.failures >= m.cfg.OfflineThreshold && rec.status != models.HealthOffline:
		rec.status = models.HealthOffline
		rec.reconnecting = true
		startReconnect = true
		event = &Event{Type: EventServerOffline, WorkerID: workerID, Status: models.HealthOffline, Err: err}
	case rec.failures >= m.cfg.DegradedThreshold && rec.status == models.HealthOnline:
		rec.status = models.HealthDegraded
		event = &Event{Type: EventServerDegraded, WorkerID: workerID, Status: models.HealthDegraded, Err: err}
	}
	m.mu.Unlock()

	if event != nil {
		m.emit(*event)
	}
	if startReconnect {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.reconnectLoop(ctx, workerID)
		}()
	}
}

// reconnectLoop retries a downed worker with delay = baseDelay × 2^attempt.
// Exceeding the attempt cap emits a terminal reconnect-failed event and
// leaves the worker offline until it is re-tracked.
func (m *Monitor) reconnectLoop(ctx context.Context, workerID string) {
	for attempt := 0; attempt < m.cfg.MaxReconnectAttempts; attempt++ {
		delay := m.cfg.ReconnectBaseDelay << uint(attempt)
		if err := m.clk.Sleep(ctx, delay); err != nil {
			return
		}

		m.mu.Lock()
		rec, ok := m.records[workerID]
		if !ok || !rec.reconnecting {
			m.mu.Unlock()
			return
		}
		rec.status = models.HealthReconnecting
		rec.reconnects = attempt + 1
		pinger := rec.pinger
		m.mu.Unlock()

		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := pinger.Ping(pctx)
		cancel()
		if err == nil {
			m.recordSuccess(workerID)
			return
		}

		m.mu.Lock()
		if rec, ok := m.records[workerID]; ok {
			rec.status = models.HealthOffline
			rec.lastErr = err
			rec.lastCheck = m.clk.Now()
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	rec, ok := m.records[workerID]
	var lastErr error
	if ok {
		rec.status = models.HealthOffline
		rec.reconnecting = false
		rec.terminal = true
		lastErr = rec.lastErr
	}
	m.mu.Unlock()
	if ok {
		m.emit(Event{Type: EventReconnectFailed, WorkerID: workerID, Status: models.HealthOffline, Err: lastErr})
	}
}

// emit sends without blocking; a full channel drops the event.
func (m *Monitor) emit(ev Event) {
	ev.Timestamp = m.clk.Now()
	select {
	case m.events <- ev:
	default:
	}
}
