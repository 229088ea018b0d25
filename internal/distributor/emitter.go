package distributor

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dhalvorsen/drover/internal/clock"
)

// drainGrace is how long Emit waits for a full channel to drain before
// dropping the event.
const drainGrace = 100 * time.Millisecond

// EventEmitter fans run events out to a single subscriber channel. Sends
// never block the run for longer than the drain grace period.
type EventEmitter struct {
	events       chan Event
	clk          clock.Clock
	droppedCount atomic.Uint64
}

// NewEventEmitter creates an emitter with the given buffer size. A nil
// clock means the real clock.
func NewEventEmitter(bufferSize int, clk clock.Clock) *EventEmitter {
	if clk == nil {
		clk = clock.Real()
	}
	return &EventEmitter{
		events: make(chan Event, bufferSize),
		clk:    clk,
	}
}

// Emit sends an event to the subscriber channel. When the channel is full
// it waits for the drain grace period, then drops the event and counts it.
func (e *EventEmitter) Emit(event Event) {
	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-e.clk.After(drainGrace):
		count := e.droppedCount.Add(1)
		// Log every tenth drop to avoid spam.
		if count%10 == 1 {
			slog.Warn("event channel full, dropping",
				"type", event.Type, "total_dropped", count)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the subscriber channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the subscriber channel. Call only after the run has finished
// emitting.
func (e *EventEmitter) Close() {
	close(e.events)
}
