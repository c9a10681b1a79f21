package mocap

import (
	"context"
	"math"
	"testing"
)

func TestCalibrateNoiseFree(t *testing.T) {
	rig := buildRig(t, 20, 0, 41)

	res, err := Calibrate(context.Background(), rig.arr, rig.obs, rig.object, DefaultCalibrateOptions(), nil)
	if err != nil {
		t.Fatalf("Calibrate() error = %v", err)
	}
	if res.State != RunSucceeded {
		t.Fatalf("State = %v, want RunSucceeded", res.State)
	}
	if res.RMSE > 0.05 {
		t.Errorf("RMSE = %.4fpx on noise-free input", res.RMSE)
	}
	for port, truth := range rig.truth.Cameras {
		got := res.Array.Cameras[port].Extrinsics
		if got == nil {
			t.Fatalf("camera %d unposed", port)
		}
		if d := centerDistance(got, truth.Extrinsics); d > 1 {
			t.Errorf("camera %d center off truth by %.3fmm", port, d)
		}
	}
}

func TestCalibrateReachesNoiseFloor(t *testing.T) {
	if testing.Short() {
		t.Skip("full noisy solve")
	}
	const sigma = 0.5
	rig := buildRig(t, 20, sigma, 42)

	res, err := Calibrate(context.Background(), rig.arr, rig.obs, rig.object, DefaultCalibrateOptions(), nil)
	if err != nil {
		t.Fatalf("Calibrate() error = %v", err)
	}
	if res.State != RunSucceeded {
		t.Fatalf("State = %v, want RunSucceeded", res.State)
	}
	if res.Iterations < 1 {
		t.Errorf("Iterations = %d", res.Iterations)
	}

	// RMSE is per observation (each contributes dx^2+dy^2), so with sigma px
	// of noise per coordinate the floor sits near sqrt(2)*sigma, reduced by
	// the freedom the solved parameters absorb. Outside a ~20% window around
	// that the solve is biased or overfit.
	if res.RMSE < 0.9*sigma || res.RMSE > 1.35*sigma {
		t.Errorf("RMSE = %.4fpx, want near the noise floor for sigma %.1fpx", res.RMSE, sigma)
	}
	for port := range res.PerCameraRMSE {
		if res.PerCameraRMSE[port] > 2*sigma {
			t.Errorf("camera %d rmse = %.4fpx", port, res.PerCameraRMSE[port])
		}
	}

	// Aligned camera centers must land within 10mm of the physical rig.
	for port, truth := range rig.truth.Cameras {
		if d := centerDistance(res.Array.Cameras[port].Extrinsics, truth.Extrinsics); d > 10 {
			t.Errorf("camera %d center off truth by %.2fmm", port, d)
		}
	}

	// Reconstructed landmarks stay metrically close to ground truth.
	var worst float64
	for _, p := range res.Points {
		truth := rig.world[ObsKey{SyncIndex: p.SyncIndex, PointID: p.PointID}]
		d := math.Sqrt((p.X-truth[0])*(p.X-truth[0]) + (p.Y-truth[1])*(p.Y-truth[1]) + (p.Z-truth[2])*(p.Z-truth[2]))
		if d > worst {
			worst = d
		}
	}
	if worst > 10 {
		t.Errorf("worst landmark error = %.2fmm", worst)
	}
}

func TestOptimizeLeavesInputUntouched(t *testing.T) {
	rig := buildRig(t, 12, 0.5, 43)

	init, err := InitializeArray(rig.arr, rig.obs, rig.object, DefaultInitializerOptions())
	if err != nil {
		t.Fatalf("InitializeArray() error = %v", err)
	}
	before := init.Array.Clone()

	if _, err := Optimize(context.Background(), init, rig.obs, DefaultBundleOptions(), nil); err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}

	for port, cam := range before.Cameras {
		after := init.Array.Cameras[port].Extrinsics
		for k := 0; k < 9; k++ {
			if cam.Extrinsics.Rotation[k] != after.Rotation[k] {
				t.Fatalf("camera %d rotation mutated by Optimize", port)
			}
		}
		for k := 0; k < 3; k++ {
			if cam.Extrinsics.Translation[k] != after.Translation[k] {
				t.Fatalf("camera %d translation mutated by Optimize", port)
			}
		}
	}
}

func TestOptimizeHoldsAnchorFixed(t *testing.T) {
	rig := buildRig(t, 12, 0.5, 44)

	init, err := InitializeArray(rig.arr, rig.obs, rig.object, DefaultInitializerOptions())
	if err != nil {
		t.Fatalf("InitializeArray() error = %v", err)
	}
	res, err := Optimize(context.Background(), init, rig.obs, DefaultBundleOptions(), nil)
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	if res.State != RunSucceeded {
		t.Fatalf("State = %v, want RunSucceeded", res.State)
	}

	before := init.Array.Cameras[init.Anchor].Extrinsics
	after := res.Array.Cameras[init.Anchor].Extrinsics
	for k := 0; k < 9; k++ {
		if before.Rotation[k] != after.Rotation[k] {
			t.Fatal("anchor rotation changed during optimization")
		}
	}
	for k := 0; k < 3; k++ {
		if before.Translation[k] != after.Translation[k] {
			t.Fatal("anchor translation changed during optimization")
		}
	}
}

func TestOptimizeCancellation(t *testing.T) {
	rig := buildRig(t, 12, 0.5, 45)

	init, err := InitializeArray(rig.arr, rig.obs, rig.object, DefaultInitializerOptions())
	if err != nil {
		t.Fatalf("InitializeArray() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := Optimize(ctx, init, rig.obs, DefaultBundleOptions(), nil)
	if err != nil {
		t.Fatalf("cancelled Optimize() returned error %v, want nil", err)
	}
	if res.State != RunCancelled {
		t.Errorf("State = %v, want RunCancelled", res.State)
	}
}

func TestCalibrateProgressReported(t *testing.T) {
	rig := buildRig(t, 12, 0, 46)

	var calls int
	progress := func(stage string, step, total int, value float64) {
		calls++
		if stage == "" || total <= 0 {
			t.Errorf("progress(%q, %d, %d, %v)", stage, step, total, value)
		}
	}
	if _, err := Calibrate(context.Background(), rig.arr, rig.obs, rig.object, DefaultCalibrateOptions(), progress); err != nil {
		t.Fatalf("Calibrate() error = %v", err)
	}
	if calls == 0 {
		t.Error("progress callback never invoked")
	}
}
