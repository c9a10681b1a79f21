package mocap

import (
	"context"

	"github.com/banshee-data/capture.report/internal/monitoring"
)

// CalibrateOptions bundles the tunables of the full calibration pipeline.
type CalibrateOptions struct {
	Initializer InitializerOptions
	Bundle      BundleOptions
}

// DefaultCalibrateOptions mirror the per-stage defaults.
func DefaultCalibrateOptions() CalibrateOptions {
	return CalibrateOptions{
		Initializer: DefaultInitializerOptions(),
		Bundle:      DefaultBundleOptions(),
	}
}

// CalibrateResult reports the outcome of a full calibration run.
type CalibrateResult struct {
	State  RunState
	Array  *CameraArray
	Points []WorldPoint
	Pairs  map[[2]int]StereoPair
	Anchor int

	// RMSE and Iterations describe the joint refinement; AlignRMSE is the
	// residual of the final fit against the calibration object geometry.
	RMSE          float64
	PerCameraRMSE map[int]float64
	Iterations    int
	AlignRMSE     float64
}

// Calibrate runs the full pipeline on calibration-object observations:
// pairwise initialization, joint refinement, then alignment of the result
// into the calibration object's coordinate frame. The input array carries
// intrinsics only; it is never mutated. On cancellation the returned result
// has State RunCancelled and holds whatever the pipeline had committed, with
// a nil error.
func Calibrate(ctx context.Context, arr *CameraArray, obs *ObservationSet, object *CalibrationObject, opts CalibrateOptions, progress ProgressFunc) (*CalibrateResult, error) {
	init, err := InitializeArray(arr, obs, object, opts.Initializer)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return &CalibrateResult{State: RunCancelled, Array: init.Array, Pairs: init.Pairs, Anchor: init.Anchor}, nil
	}

	bundle, err := Optimize(ctx, init, obs, opts.Bundle, progress)
	if err != nil {
		return nil, err
	}
	res := &CalibrateResult{
		State:         bundle.State,
		Array:         bundle.Array,
		Points:        bundle.Points,
		Pairs:         init.Pairs,
		Anchor:        init.Anchor,
		RMSE:          bundle.RMSE,
		PerCameraRMSE: bundle.PerCameraRMSE,
		Iterations:    bundle.Iterations,
	}
	if bundle.State != RunSucceeded {
		return res, nil
	}

	aligned, points, fitRMSE, err := AlignToObject(bundle.Array, bundle.Points, object)
	if err != nil {
		return nil, err
	}
	res.Array = aligned
	res.Points = points
	res.AlignRMSE = fitRMSE
	monitoring.Logf("calibration complete: %d cameras, rmse %.4fpx over %d iterations", len(aligned.PosedPorts()), res.RMSE, res.Iterations)
	return res, nil
}
