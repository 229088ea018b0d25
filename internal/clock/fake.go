package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for deterministic tests.
// Timers only fire when Advance moves the fake time past their deadline.
type Fake struct {
	mu       sync.Mutex
	now      time.Time
	waiters  []*fakeWaiter
	blockers []*blocker
}

type fakeWaiter struct {
	at     time.Time
	period time.Duration // 0 for one-shot timers
	ch     chan time.Time
	done   bool
}

type blocker struct {
	count int
	ch    chan struct{}
}

// NewFake returns a Fake clock starting at a fixed, arbitrary time.
func NewFake() *Fake {
	return &Fake{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires once the fake time passes d from now.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.addWaiterLocked(w)
	return w.ch
}

// NewTicker returns a ticker that fires each time Advance crosses a period.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), period: d, ch: make(chan time.Time, 1)}
	f.addWaiterLocked(w)
	return &fakeTicker{f: f, w: w}
}

// Sleep blocks until Advance passes d or ctx is done.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.After(d):
		return nil
	}
}

// Advance moves the fake time forward, firing due timers in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		next := f.earliestLocked(target)
		if next == nil {
			break
		}
		f.now = next.at
		select {
		case next.ch <- next.at:
		default:
		}
		if next.period > 0 {
			next.at = next.at.Add(next.period)
		} else {
			next.done = true
		}
	}

	f.now = target
	f.mu.Unlock()
}

// BlockUntil waits until at least n timers or sleepers are registered.
// Tests use it to synchronize with goroutines before calling Advance.
func (f *Fake) BlockUntil(n int) {
	f.mu.Lock()
	if f.activeLocked() >= n {
		f.mu.Unlock()
		return
	}
	b := &blocker{count: n, ch: make(chan struct{})}
	f.blockers = append(f.blockers, b)
	f.mu.Unlock()
	<-b.ch
}

func (f *Fake) addWaiterLocked(w *fakeWaiter) {
	f.waiters = append(f.waiters, w)
	active := f.activeLocked()
	remaining := f.blockers[:0]
	for _, b := range f.blockers {
		if active >= b.count {
			close(b.ch)
		} else {
			remaining = append(remaining, b)
		}
	}
	f.blockers = remaining
}

func (f *Fake) activeLocked() int {
	n := 0
	for _, w := range f.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

// earliestLocked returns the undone waiter with the earliest deadline at or
// before limit, or nil if none are due.
func (f *Fake) earliestLocked(limit time.Time) *fakeWaiter {
	var next *fakeWaiter
	for _, w := range f.waiters {
		if w.done || w.at.After(limit) {
			continue
		}
		if next == nil || w.at.Before(next.at) {
			next = w
		}
	}
	return next
}

type fakeTicker struct {
	f *Fake
	w *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() {
	t.f.mu.Lock()
	t.w.done = true
	t.f.mu.Unlock()
}
