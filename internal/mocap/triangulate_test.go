package mocap

import (
	"context"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTriangulateAllRecoversTruth(t *testing.T) {
	rig := buildRig(t, 5, 0, 1)

	res, err := TriangulateAll(context.Background(), rig.truth, rig.obs, DefaultTriangulateOptions(), nil)
	if err != nil {
		t.Fatalf("TriangulateAll() error = %v", err)
	}
	if res.State != RunSucceeded {
		t.Fatalf("State = %v, want RunSucceeded", res.State)
	}
	if len(res.Points) != 5*rigRows*rigCols {
		t.Fatalf("got %d points, want %d", len(res.Points), 5*rigRows*rigCols)
	}
	for _, p := range res.Points {
		truth := rig.world[ObsKey{SyncIndex: p.SyncIndex, PointID: p.PointID}]
		d := math.Sqrt((p.X-truth[0])*(p.X-truth[0]) + (p.Y-truth[1])*(p.Y-truth[1]) + (p.Z-truth[2])*(p.Z-truth[2]))
		if d > 1e-2 {
			t.Fatalf("point (%d,%d) off truth by %.6fmm", p.SyncIndex, p.PointID, d)
		}
	}
}

func TestTriangulatePathEquivalence(t *testing.T) {
	// The two-view fast path and the general path must agree on identical
	// input to within 1e-6 world units.
	rig := buildRig(t, 3, 0, 2)

	iters := DefaultTriangulateOptions().UndistortIterations
	checked := 0
	for _, key := range rig.obs.Keys() {
		views := posedViews(rig.truth, rig.obs.Views(key))
		if len(views) < 2 {
			continue
		}
		pair := views[:2]

		fast, okFast := triangulateKey(rig.truth, pair, iters)

		rows := make([][12]float64, 2)
		xs := make([]float64, 2)
		ys := make([]float64, 2)
		for i, v := range pair {
			c := rig.truth.Cameras[v.Port]
			rows[i] = projRows(c)
			xs[i], ys[i] = c.Intrinsics.Undistort(v.X, v.Y, iters)
		}
		general, okGen := dltNView(rows, xs, ys)

		if okFast != okGen {
			t.Fatalf("key %v: fast ok=%v, general ok=%v", key, okFast, okGen)
		}
		for k := 0; k < 3; k++ {
			if math.Abs(fast[k]-general[k]) > 1e-6 {
				t.Fatalf("key %v: fast %v vs general %v", key, fast, general)
			}
		}
		checked++
	}
	if checked == 0 {
		t.Fatal("no keys checked")
	}
}

func TestTriangulateOmitsInsufficientViews(t *testing.T) {
	rig := buildRig(t, 1, 0, 3)

	// Landmark 99 is seen by a single camera only: silently omitted.
	rig.obs.Add(Observation{SyncIndex: 0, Port: 0, PointID: 99, X: 500, Y: 500})
	// Landmark 98 is seen by two cameras, one of them unposed: also omitted.
	arr := rig.truth.Clone()
	arr.Cameras[3].Extrinsics = nil
	rig.obs.Add(Observation{SyncIndex: 0, Port: 1, PointID: 98, X: 500, Y: 500})
	rig.obs.Add(Observation{SyncIndex: 0, Port: 3, PointID: 98, X: 500, Y: 500})

	res, err := TriangulateAll(context.Background(), arr, rig.obs, DefaultTriangulateOptions(), nil)
	if err != nil {
		t.Fatalf("TriangulateAll() error = %v", err)
	}
	for _, p := range res.Points {
		if p.PointID == 99 || p.PointID == 98 {
			t.Errorf("under-observed landmark %d was triangulated", p.PointID)
		}
	}
	if len(res.Points) != rigRows*rigCols {
		t.Errorf("got %d points, want %d", len(res.Points), rigRows*rigCols)
	}
}

func TestTriangulateCanonicalOrderAcrossWorkerCounts(t *testing.T) {
	rig := buildRig(t, 8, 0.5, 4)

	serial, err := TriangulateAll(context.Background(), rig.truth, rig.obs, TriangulateOptions{Workers: 1}, nil)
	if err != nil {
		t.Fatalf("TriangulateAll(workers=1) error = %v", err)
	}
	parallel, err := TriangulateAll(context.Background(), rig.truth, rig.obs, TriangulateOptions{Workers: 8}, nil)
	if err != nil {
		t.Fatalf("TriangulateAll(workers=8) error = %v", err)
	}
	if diff := cmp.Diff(serial.Points, parallel.Points); diff != "" {
		t.Errorf("worker count changed output (-serial +parallel):\n%s", diff)
	}
}

func TestTriangulateCancellation(t *testing.T) {
	rig := buildRig(t, 10, 0, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := TriangulateAll(ctx, rig.truth, rig.obs, TriangulateOptions{Workers: 1}, nil)
	if err != nil {
		t.Fatalf("cancelled run returned error %v, want nil", err)
	}
	if res.State != RunCancelled {
		t.Errorf("State = %v, want RunCancelled", res.State)
	}
}

func TestTriangulateRequiresTwoPosedCameras(t *testing.T) {
	rig := buildRig(t, 1, 0, 6)
	arr := rig.truth.Clone()
	for port := 1; port < 4; port++ {
		arr.Cameras[port].Extrinsics = nil
	}
	_, err := TriangulateAll(context.Background(), arr, rig.obs, DefaultTriangulateOptions(), nil)
	if err == nil {
		t.Fatal("TriangulateAll() accepted a single posed camera")
	}
}
