package models

import "testing"

func TestFeatureStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status FeatureStatus
		want   bool
	}{
		{"pending is valid", FeatureStatusPending, true},
		{"in_progress is valid", FeatureStatusInProgress, true},
		{"complete is valid", FeatureStatusComplete, true},
		{"failed is valid", FeatureStatusFailed, true},
		{"skipped is valid", FeatureStatusSkipped, true},
		{"empty string is invalid", FeatureStatus(""), false},
		{"unknown status is invalid", FeatureStatus("running"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("FeatureStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestFeatureStatus_Terminal(t *testing.T) {
	tests := []struct {
		status FeatureStatus
		want   bool
	}{
		{FeatureStatusPending, false},
		{FeatureStatusInProgress, false},
		{FeatureStatusComplete, true},
		{FeatureStatusFailed, true},
		{FeatureStatusSkipped, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("FeatureStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
