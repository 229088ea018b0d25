package models

import "time"

// FeatureProgress tracks one feature's execution for the lifetime of a run.
// It is owned and mutated exclusively by the progress aggregator.
type FeatureProgress struct {
	// FeatureID is the feature being tracked.
	FeatureID string `json:"feature_id"`
	// Status is the current position in the pending → in_progress →
	// {complete, failed} machine (skipped when a dependency failed).
	Status FeatureStatus `json:"status"`
	// WorkerID is the worker the feature was assigned to, if any.
	WorkerID string `json:"worker_id,omitempty"`
	// StartedAt is when the feature entered in_progress.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the feature reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Percent is numeric progress in [0, 100].
	Percent float64 `json:"percent"`
	// LastError is the most recent error text, if any.
	LastError string `json:"last_error,omitempty"`
	// Retries is how many times the feature has been re-dispatched.
	Retries int `json:"retries"`
}

// WorkerStatus aggregates a worker's activity within a run.
type WorkerStatus struct {
	// WorkerID is the worker being tracked.
	WorkerID string `json:"worker_id"`
	// ActiveFeature is the feature currently assigned, if any.
	ActiveFeature string `json:"active_feature,omitempty"`
	// Completed counts features this worker finished successfully.
	Completed int `json:"completed"`
	// Failed counts features that permanently failed on this worker.
	Failed int `json:"failed"`
}
