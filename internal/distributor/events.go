// Package distributor coordinates a full distribution run: it batches
// features by dependency order, dispatches each batch across the worker
// pool, and reports lifecycle events as the run progresses.
package distributor

import (
	"time"
)

// EventType represents the type of distribution event.
type EventType string

const (
	// EventDistributionStarted indicates a run began dispatching.
	EventDistributionStarted EventType = "distribution-started"
	// EventBatchStarted indicates a dependency batch began dispatching.
	EventBatchStarted EventType = "batch-started"
	// EventFeatureComplete indicates a feature finished successfully.
	EventFeatureComplete EventType = "feature-complete"
	// EventFeatureFailed indicates a feature exhausted its retries.
	EventFeatureFailed EventType = "feature-failed"
	// EventFeatureRetry indicates a failed feature is being re-dispatched.
	EventFeatureRetry EventType = "feature-retry"
	// EventBatchComplete indicates every feature in a batch reached a
	// terminal state.
	EventBatchComplete EventType = "batch-complete"
	// EventDistributionComplete indicates the run finished.
	EventDistributionComplete EventType = "distribution-complete"
	// EventServerOffline indicates a worker was marked offline.
	EventServerOffline EventType = "server-offline"
	// EventServerRecovered indicates an unhealthy worker answered a probe.
	EventServerRecovered EventType = "server-recovered"
	// EventServerDegraded indicates a worker crossed the degraded threshold.
	EventServerDegraded EventType = "server-degraded"
	// EventTaskCompleted indicates a queued task finished successfully.
	EventTaskCompleted EventType = "task-completed"
	// EventTaskFailed indicates a queued task permanently failed.
	EventTaskFailed EventType = "task-failed"
	// EventTaskRetry indicates a queued task was re-enqueued with backoff.
	EventTaskRetry EventType = "task-retry"
	// EventSnapshotFailed indicates a progress snapshot could not be
	// persisted. The run continues; the failure is informational.
	EventSnapshotFailed EventType = "snapshot-failed"
)

// Event represents an event emitted during a distribution run.
// These events feed the CLI output and the debug log.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// RunID identifies the distribution run.
	RunID string
	// FeatureID is the ID of the related feature, if applicable.
	FeatureID string
	// WorkerID is the ID of the related worker, if applicable.
	WorkerID string
	// Batch is the zero-based batch index for batch events.
	Batch int
	// Attempt is the dispatch attempt number for retry events.
	Attempt int
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
