package mocap

import (
	"fmt"
	"strings"
	"testing"
)

func TestDegenerateGeometryErrorMessage(t *testing.T) {
	err := &DegenerateGeometryError{
		Cameras:     []int{3, 1},
		SharedViews: map[int]int{1: 4, 3: 0},
		MinRequired: 10,
	}
	msg := err.Error()
	// Ports listed in ascending order with their best co-visible counts.
	if !strings.Contains(msg, "camera 1 (best pair shares 4 views, need 10)") ||
		!strings.Contains(msg, "camera 3 (best pair shares 0 views, need 10)") {
		t.Errorf("message = %q", msg)
	}
	if strings.Index(msg, "camera 1") > strings.Index(msg, "camera 3") {
		t.Errorf("ports not sorted in %q", msg)
	}
}

func TestFatalClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"degenerate geometry", &DegenerateGeometryError{}, true},
		{"convergence failure", &ConvergenceFailure{Iterations: 60}, true},
		{"wrapped convergence failure", fmt.Errorf("solve: %w", &ConvergenceFailure{Iterations: 60}), true},
		{"wrapped degenerate geometry", fmt.Errorf("init: %w", &DegenerateGeometryError{}), true},
		{"input error", &InputError{Source: "observations"}, false},
		{"wrapped input error", fmt.Errorf("load: %w", &InputError{Source: "observations"}), false},
		{"nil", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Fatal(tc.err); got != tc.want {
				t.Errorf("Fatal(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestRunStateString(t *testing.T) {
	if RunSucceeded.String() != "succeeded" || RunCancelled.String() != "cancelled" || RunFailed.String() != "failed" {
		t.Error("RunState string names changed")
	}
}
