// Package queue provides a priority work queue with a bounded number of
// concurrently executing tasks and exponential-backoff retry for failures.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhalvorsen/drover/internal/clock"
)

// ErrQueueClosed indicates the queue was closed before the task ran.
var ErrQueueClosed = errors.New("work queue closed")

// ErrTaskTimeout indicates a task exceeded its per-attempt timeout.
var ErrTaskTimeout = errors.New("task timed out")

// TaskState represents a queued task's position in its lifecycle.
type TaskState string

const (
	// TaskPending means the task is waiting for a concurrency slot.
	TaskPending TaskState = "pending"
	// TaskExecuting means the task's function is running.
	TaskExecuting TaskState = "executing"
	// TaskRetrying means the task failed and is waiting out a backoff delay.
	TaskRetrying TaskState = "retrying"
	// TaskCompleted means the task finished successfully.
	TaskCompleted TaskState = "completed"
	// TaskFailed means the task exhausted its retries.
	TaskFailed TaskState = "failed"
)

// EventType identifies a task lifecycle event.
type EventType string

const (
	// EventTaskCompleted indicates a task finished successfully.
	EventTaskCompleted EventType = "task-completed"
	// EventTaskFailed indicates a task permanently failed.
	EventTaskFailed EventType = "task-failed"
	// EventTaskRetry indicates a failed task was re-enqueued with backoff.
	EventTaskRetry EventType = "task-retry"
)

// Event describes a task lifecycle transition.
type Event struct {
	Type      EventType
	TaskID    string
	TaskType  string
	Attempt   int
	Err       error
	Timestamp time.Time
}

// Func is the work a task performs. It must honor ctx cancellation.
type Func func(ctx context.Context) (any, error)

// Options tune a single enqueued task. Zero values inherit queue defaults.
type Options struct {
	// Priority orders dequeue; higher runs first.
	Priority int
	// MaxRetries overrides the queue default when > 0.
	MaxRetries int
	// Timeout bounds each attempt when > 0.
	Timeout time.Duration
}

// Config holds queue tuning. Zero values fall back to defaults.
type Config struct {
	// MaxConcurrent caps simultaneously executing tasks.
	MaxConcurrent int
	// MaxRetries is the default retry budget per task.
	MaxRetries int
	// RetryDelay seeds the exponential backoff (retryDelay × 2^retryCount).
	RetryDelay time.Duration
	// MaxRetryDelay caps the backoff.
	MaxRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	return c
}

// task is one unit of queued work with its retry bookkeeping.
type task struct {
	id         string
	taskType   string
	priority   int
	seq        uint64
	state      TaskState
	retries    int
	maxRetries int
	timeout    time.Duration
	fn         Func
	handle     *Handle
	// ctx is the enqueue context. Every attempt and backoff sleep runs
	// under it, regardless of which continuation dispatched the task.
	ctx context.Context
	// index is maintained by the heap implementation.
	index int
}

// Handle lets the caller wait for a task's terminal state.
type Handle struct {
	id   string
	done chan struct{}

	mu     sync.Mutex
	result any
	err    error
}

// ID returns the queued task's identifier.
func (h *Handle) ID() string { return h.id }

// Done returns a channel closed when the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error, or nil on success. Valid after Done.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Result returns the task's result. Valid after Done.
func (h *Handle) Result() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Wait blocks until the task terminates or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.Result(), h.Err()
	}
}

func (h *Handle) resolve(result any, err error) {
	h.mu.Lock()
	h.result = result
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Queue is a priority queue of tasks keyed by (priority descending, enqueue
// order ascending) with a configurable concurrency ceiling. Dispatch happens
// inline on enqueue and on each completion; there is no polling loop.
type Queue struct {
	cfg Config
	clk clock.Clock

	mu      sync.Mutex
	heap    taskHeap
	seq     uint64
	running int
	closed  bool

	emit func(Event)
	wg   sync.WaitGroup
}

// New creates a queue with the given configuration.
func New(cfg Config, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	return &Queue{cfg: cfg.withDefaults(), clk: clk}
}

// OnEvent registers a hook invoked for every task lifecycle event.
// Must be called before the first Enqueue.
func (q *Queue) OnEvent(fn func(Event)) { q.emit = fn }

// Enqueue adds a task and returns a handle that resolves when the task
// reaches a terminal state.
func (q *Queue) Enqueue(ctx context.Context, taskType string, fn Func, opts Options) *Handle {
	h := &Handle{id: uuid.New().String()[:8], done: make(chan struct{})}

	maxRetries := q.cfg.MaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}

	t := &task{
		id:         h.id,
		taskType:   taskType,
		priority:   opts.Priority,
		state:      TaskPending,
		maxRetries: maxRetries,
		timeout:    opts.Timeout,
		fn:         fn,
		handle:     h,
		ctx:        ctx,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		h.resolve(nil, ErrQueueClosed)
		return h
	}
	t.seq = q.seq
	q.seq++
	heap.Push(&q.heap, t)
	q.mu.Unlock()

	q.dispatch()
	return h
}

// Len returns the number of tasks waiting for a slot.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Running returns the number of currently executing tasks.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Close rejects all pending tasks and prevents new enqueues. Executing tasks
// are allowed to finish; Close waits for them.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	var rejected []*task
	for q.heap.Len() > 0 {
		rejected = append(rejected, heap.Pop(&q.heap).(*task))
	}
	q.mu.Unlock()

	for _, t := range rejected {
		t.handle.resolve(nil, ErrQueueClosed)
	}
	q.wg.Wait()
}

// dispatch starts pending tasks while below the concurrency ceiling.
func (q *Queue) dispatch() {
	q.mu.Lock()
	var started []*task
	for q.running < q.cfg.MaxConcurrent && q.heap.Len() > 0 {
		t := heap.Pop(&q.heap).(*task)
		t.state = TaskExecuting
		q.running++
		started = append(started, t)
	}
	q.mu.Unlock()

	for _, t := range started {
		q.wg.Add(1)
		go q.execute(t)
	}
}

func (q *Queue) execute(t *task) {
	defer q.wg.Done()

	result, err := q.runAttempt(t)

	// The slot is released in the same continuation that records the
	// outcome, so concurrent dispatch never observes a stale count.
	q.mu.Lock()
	q.running--
	closed := q.closed
	q.mu.Unlock()

	switch {
	case err == nil:
		t.state = TaskCompleted
		q.fire(Event{Type: EventTaskCompleted, TaskID: t.id, TaskType: t.taskType, Attempt: t.retries})
		t.handle.resolve(result, nil)
		q.dispatch()

	case t.retries < t.maxRetries && !closed && t.ctx.Err() == nil:
		delay := q.backoff(t.retries)
		t.retries++
		t.state = TaskRetrying
		q.fire(Event{Type: EventTaskRetry, TaskID: t.id, TaskType: t.taskType, Attempt: t.retries, Err: err})
		q.dispatch()

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			if serr := q.clk.Sleep(t.ctx, delay); serr != nil {
				t.state = TaskFailed
				q.fire(Event{Type: EventTaskFailed, TaskID: t.id, TaskType: t.taskType, Attempt: t.retries, Err: serr})
				t.handle.resolve(nil, serr)
				return
			}
			q.requeue(t)
		}()

	default:
		t.state = TaskFailed
		q.fire(Event{Type: EventTaskFailed, TaskID: t.id, TaskType: t.taskType, Attempt: t.retries, Err: err})
		t.handle.resolve(nil, err)
		q.dispatch()
	}
}

func (q *Queue) runAttempt(t *task) (any, error) {
	ctx := t.ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	result, err := t.fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		// Timeout surfaces as a normal failure subject to the retry policy.
		err = ErrTaskTimeout
	}
	return result, err
}

func (q *Queue) requeue(t *task) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.fire(Event{Type: EventTaskFailed, TaskID: t.id, TaskType: t.taskType, Attempt: t.retries, Err: ErrQueueClosed})
		t.handle.resolve(nil, ErrQueueClosed)
		return
	}
	t.state = TaskPending
	t.seq = q.seq
	q.seq++
	heap.Push(&q.heap, t)
	q.mu.Unlock()

	q.dispatch()
}

// backoff returns retryDelay × 2^retryCount capped at MaxRetryDelay.
func (q *Queue) backoff(retryCount int) time.Duration {
	delay := q.cfg.RetryDelay << uint(retryCount)
	if delay > q.cfg.MaxRetryDelay || delay <= 0 {
		delay = q.cfg.MaxRetryDelay
	}
	return delay
}

func (q *Queue) fire(ev Event) {
	if q.emit == nil {
		return
	}
	ev.Timestamp = q.clk.Now()
	q.emit(ev)
}
