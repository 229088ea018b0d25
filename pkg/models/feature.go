package models

// FeatureStatus represents the tracked state of a feature within a run.
type FeatureStatus string

const (
	// FeatureStatusPending indicates the feature has not been dispatched.
	FeatureStatusPending FeatureStatus = "pending"
	// FeatureStatusInProgress indicates the feature is being executed by a worker.
	FeatureStatusInProgress FeatureStatus = "in_progress"
	// FeatureStatusComplete indicates the feature finished successfully.
	FeatureStatusComplete FeatureStatus = "complete"
	// FeatureStatusFailed indicates the feature exhausted its retries.
	FeatureStatusFailed FeatureStatus = "failed"
	// FeatureStatusSkipped indicates the feature was never dispatched because
	// one of its dependencies failed.
	FeatureStatusSkipped FeatureStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s FeatureStatus) Valid() bool {
	switch s {
	case FeatureStatusPending, FeatureStatusInProgress, FeatureStatusComplete,
		FeatureStatusFailed, FeatureStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is an end state for a run.
func (s FeatureStatus) Terminal() bool {
	switch s {
	case FeatureStatusComplete, FeatureStatusFailed, FeatureStatusSkipped:
		return true
	default:
		return false
	}
}

// Feature is a schedulable unit of work. It is immutable once a distribution
// request is submitted; tracked status lives in FeatureProgress instead.
type Feature struct {
	// ID is the unique identifier for this feature.
	ID string `json:"id" yaml:"id"`
	// Capability is the tag a worker must declare to execute this feature.
	Capability string `json:"capability" yaml:"capability"`
	// Priority is the scheduling priority (higher runs earlier within a batch).
	Priority int `json:"priority" yaml:"priority"`
	// DependsOn lists IDs of features that must complete before this one starts.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on"`
	// Metadata carries free-form data passed through to the worker.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}
