package state

import (
	"testing"
)

func TestLockStatus_String(t *testing.T) {
	tests := []struct {
		name     string
		status   LockStatus
		expected string
	}{
		{
			name:     "Active status",
			status:   StatusActive,
			expected: "active",
		},
		{
			name:     "Released status",
			status:   StatusReleased,
			expected: "released",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.status.String()
			if result != tt.expected {
				t.Errorf("String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestLockPhase_String(t *testing.T) {
	if got := PhaseGrowing.String(); got != "growing" {
		t.Errorf("String() = %v, want growing", got)
	}
	if got := PhaseShrinking.String(); got != "shrinking" {
		t.Errorf("String() = %v, want shrinking", got)
	}
}

func TestIsValidStatusTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     LockStatus
		to       LockStatus
		expected bool
	}{
		{
			name:     "Valid: Active to Released",
			from:     StatusActive,
			to:       StatusReleased,
			expected: true,
		},
		{
			name:     "Invalid: Released to Active",
			from:     StatusReleased,
			to:       StatusActive,
			expected: false,
		},
		{
			name:     "Invalid: Released to Released",
			from:     StatusReleased,
			to:       StatusReleased,
			expected: false,
		},
		{
			name:     "Invalid: Active to Active",
			from:     StatusActive,
			to:       StatusActive,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidStatusTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidStatusTransition() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestIsValidPhaseTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     LockPhase
		to       LockPhase
		expected bool
	}{
		{
			name:     "Valid: Growing to Shrinking",
			from:     PhaseGrowing,
			to:       PhaseShrinking,
			expected: true,
		},
		{
			name:     "Invalid: Shrinking to Growing",
			from:     PhaseShrinking,
			to:       PhaseGrowing,
			expected: false,
		},
		{
			name:     "Invalid: Growing to Growing",
			from:     PhaseGrowing,
			to:       PhaseGrowing,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidPhaseTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidPhaseTransition() = %v, want %v", result, tt.expected)
			}
		})
	}
}
