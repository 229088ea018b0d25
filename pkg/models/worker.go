package models

import "time"

// HealthStatus classifies a worker's reachability.
type HealthStatus string

const (
	// HealthOnline indicates the worker is responding to probes.
	HealthOnline HealthStatus = "online"
	// HealthDegraded indicates consecutive probe failures below the offline threshold.
	HealthDegraded HealthStatus = "degraded"
	// HealthOffline indicates the worker is considered unreachable.
	HealthOffline HealthStatus = "offline"
	// HealthReconnecting indicates a reconnection attempt is in progress.
	HealthReconnecting HealthStatus = "reconnecting"
)

// Valid returns true if the status is a known value.
func (s HealthStatus) Valid() bool {
	switch s {
	case HealthOnline, HealthDegraded, HealthOffline, HealthReconnecting:
		return true
	default:
		return false
	}
}

// WorkerCapabilities declares what a worker can serve and how much of it.
type WorkerCapabilities struct {
	// Tags are the capability tags this worker can execute.
	Tags []string `json:"tags" yaml:"tags"`
	// ConcurrencyLimit is the worker's nominal concurrent-task cap.
	// The planner treats it as a balancing hint, not a hard limit.
	ConcurrencyLimit int `json:"concurrency_limit" yaml:"concurrency_limit"`
	// Priority is the declared priority weight (higher is preferred).
	Priority int `json:"priority" yaml:"priority"`
}

// HasTag returns true if the worker declares the given capability tag.
func (c WorkerCapabilities) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Worker is a remote execution endpoint registered with the pool.
type Worker struct {
	// ID is the unique identifier for this worker.
	ID string `json:"id"`
	// Address is the worker's base URL.
	Address string `json:"address"`
	// AuthToken authenticates the connection. Never serialized.
	AuthToken string `json:"-"`
	// Capabilities is what the worker declared at registration.
	Capabilities WorkerCapabilities `json:"capabilities"`
	// RegisteredAt is when the worker joined the pool.
	RegisteredAt time.Time `json:"registered_at"`
}

// ExecutionResult is the outcome of one remote execution on a worker.
type ExecutionResult struct {
	// Success reports whether the remote execution succeeded.
	Success bool `json:"success"`
	// ExecutionID identifies the remote execution, if the worker returned one.
	ExecutionID string `json:"execution_id,omitempty"`
	// Error holds the worker-reported error text for failed executions.
	Error string `json:"error,omitempty"`
}
