package mocap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// The engine distinguishes whole-run failures, which abort and carry enough
// structure to diagnose without a debugger, from per-point conditions such as
// insufficient views, which are absorbed locally and only reflected in output
// completeness. Cancellation is a run state, not an error type (see RunState).

// InputError marks malformed input: unparseable timestamp or observation
// files, or references to unknown camera ports. Nothing is partially
// processed when it is returned.
type InputError struct {
	Source string // which input: "intrinsics", "timestamps", "observations", ...
	Line   int    // 1-based line number when the input is a file, 0 otherwise
	Err    error
}

func (e *InputError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("input %s line %d: %v", e.Source, e.Line, e.Err)
	}
	return fmt.Sprintf("input %s: %v", e.Source, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// DegenerateGeometryError is fatal: one or more cameras share too few views
// with the rest of the array, or the visibility graph is disconnected, so no
// consistent pose chain exists. SharedViews records, for each offending
// camera, its best pairwise co-visible frame count so the caller can fix data
// collection rather than retry.
type DegenerateGeometryError struct {
	Cameras     []int
	SharedViews map[int]int
	MinRequired int
}

func (e *DegenerateGeometryError) Error() string {
	ports := append([]int(nil), e.Cameras...)
	sort.Ints(ports)
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, fmt.Sprintf("camera %d (best pair shares %d views, need %d)",
			p, e.SharedViews[p], e.MinRequired))
	}
	return "degenerate geometry, cannot chain poses: " + strings.Join(parts, "; ")
}

// ConvergenceFailure is fatal for the run: the bundle adjustment exceeded its
// iteration budget without meeting tolerance, or the cost diverged. The
// camera array handed to the optimizer is left untouched.
type ConvergenceFailure struct {
	Iterations int
	Cost       float64
	LastCost   float64
	Diverged   bool
}

func (e *ConvergenceFailure) Error() string {
	if e.Diverged {
		return fmt.Sprintf("bundle adjustment diverged after %d iterations (cost %.6g, was %.6g)",
			e.Iterations, e.Cost, e.LastCost)
	}
	return fmt.Sprintf("bundle adjustment did not converge within %d iterations (cost %.6g)",
		e.Iterations, e.Cost)
}

// Fatal reports whether err is a fatal configuration error, as opposed to a
// recoverable no-result condition. CLI wrappers map this to distinct exit
// codes. Classification looks through error wrapping.
func Fatal(err error) bool {
	var degenerate *DegenerateGeometryError
	var convergence *ConvergenceFailure
	return errors.As(err, &degenerate) || errors.As(err, &convergence)
}

// RunState classifies the outcome of a cancellable batch operation.
type RunState int

const (
	// RunSucceeded means the operation ran to completion.
	RunSucceeded RunState = iota
	// RunCancelled means the caller's context was cancelled; committed results
	// from before the cancellation point remain valid.
	RunCancelled
	// RunFailed means the operation aborted with an error.
	RunFailed
)

func (s RunState) String() string {
	switch s {
	case RunSucceeded:
		return "succeeded"
	case RunCancelled:
		return "cancelled"
	case RunFailed:
		return "failed"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}
