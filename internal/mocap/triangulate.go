package mocap

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// TriangulateOptions tunes batch triangulation.
type TriangulateOptions struct {
	// UndistortIterations is the fixed-point iteration count for inverting
	// lens distortion before the DLT solve.
	UndistortIterations int
	// Workers bounds the per-sync-index fan-out; zero means GOMAXPROCS.
	Workers int
}

// DefaultTriangulateOptions mirror the field-tested values.
func DefaultTriangulateOptions() TriangulateOptions {
	return TriangulateOptions{UndistortIterations: 3}
}

// TriangulateResult carries the batch output and its run state.
type TriangulateResult struct {
	State  RunState
	Points []WorldPoint
}

// TriangulateAll recovers a 3D point for every (sync_index, point_id)
// observed by at least two posed cameras, via the multi-view DLT on
// undistorted observations. Points with fewer than two valid views are
// omitted, never zero-filled: occlusion is an expected condition.
//
// Work fans out across sync indices; the camera array is only read, so the
// workers share it without locking. Output ordering is canonical regardless
// of scheduling. Cancellation between batches yields the points committed so
// far with State RunCancelled.
func TriangulateAll(ctx context.Context, arr *CameraArray, obs *ObservationSet, opts TriangulateOptions, progress ProgressFunc) (*TriangulateResult, error) {
	if err := obs.ValidateAgainst(arr); err != nil {
		return nil, err
	}
	if len(arr.PosedPorts()) < 2 {
		return nil, &InputError{Source: "camera-array", Err: fmt.Errorf("triangulation needs at least 2 posed cameras, have %d", len(arr.PosedPorts()))}
	}
	if opts.UndistortIterations <= 0 {
		opts.UndistortIterations = 3
	}

	syncIndices := obs.SyncIndices()
	keysBySync := make(map[int][]ObsKey)
	for _, key := range obs.Keys() {
		keysBySync[key.SyncIndex] = append(keysBySync[key.SyncIndex], key)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(syncIndices) {
		workers = len(syncIndices)
	}
	if workers < 1 {
		workers = 1
	}

	type batch struct {
		syncIndex int
		points    []WorldPoint
	}
	jobs := make(chan int)
	results := make([]batch, 0, len(syncIndices))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for syncIndex := range jobs {
				var pts []WorldPoint
				for _, key := range keysBySync[syncIndex] {
					views := posedViews(arr, obs.Views(key))
					if len(views) < 2 {
						continue
					}
					p, ok := triangulateKey(arr, views, opts.UndistortIterations)
					if !ok {
						continue
					}
					pts = append(pts, WorldPoint{
						SyncIndex: key.SyncIndex,
						PointID:   key.PointID,
						X:         p[0], Y: p[1], Z: p[2],
					})
				}
				mu.Lock()
				results = append(results, batch{syncIndex: syncIndex, points: pts})
				mu.Unlock()
			}
		}()
	}

	state := RunSucceeded
	done := 0
feed:
	for _, syncIndex := range syncIndices {
		if ctx.Err() != nil {
			state = RunCancelled
			break feed
		}
		select {
		case <-ctx.Done():
			state = RunCancelled
			break feed
		case jobs <- syncIndex:
			done++
			progress.report("triangulate", done, len(syncIndices), 0)
		}
	}
	close(jobs)
	wg.Wait()

	var out []WorldPoint
	for _, b := range results {
		out = append(out, b.points...)
	}
	SortWorldPoints(out)
	return &TriangulateResult{State: state, Points: out}, nil
}

// posedViews filters observations down to cameras with a pose.
func posedViews(arr *CameraArray, views []Observation) []Observation {
	out := views[:0:0]
	for _, v := range views {
		if c := arr.Cameras[v.Port]; c != nil && c.Posed() {
			out = append(out, v)
		}
	}
	return out
}

// triangulateKey solves one landmark from its undistorted multi-view
// observations. Exactly two views take the fixed-size fast path; both paths
// share the same DLT row construction and therefore the same numerical
// contract.
func triangulateKey(arr *CameraArray, views []Observation, undistortIters int) ([3]float64, bool) {
	if len(views) < 2 {
		return [3]float64{}, false
	}
	if len(views) == 2 {
		ca, cb := arr.Cameras[views[0].Port], arr.Cameras[views[1].Port]
		xa, ya := ca.Intrinsics.Undistort(views[0].X, views[0].Y, undistortIters)
		xb, yb := cb.Intrinsics.Undistort(views[1].X, views[1].Y, undistortIters)
		return dltTwoView(projRows(ca), projRows(cb), xa, ya, xb, yb)
	}
	rows := make([][12]float64, len(views))
	xs := make([]float64, len(views))
	ys := make([]float64, len(views))
	for i, v := range views {
		c := arr.Cameras[v.Port]
		rows[i] = projRows(c)
		xs[i], ys[i] = c.Intrinsics.Undistort(v.X, v.Y, undistortIters)
	}
	return dltNView(rows, xs, ys)
}

// projRows flattens K*[R|t] into a row-major 3x4 array.
func projRows(c *Camera) [12]float64 {
	p := c.ProjectionMatrix()
	var out [12]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			out[i*4+j] = p.At(i, j)
		}
	}
	return out
}

// dltRow writes the two DLT constraint rows (x*P3-P1, y*P3-P2) for one view.
func dltRow(dst []float64, p [12]float64, x, y float64) {
	for j := 0; j < 4; j++ {
		dst[j] = x*p[8+j] - p[j]
		dst[4+j] = y*p[8+j] - p[4+j]
	}
}

// dltTwoView is the fixed-size two-camera path.
func dltTwoView(pa, pb [12]float64, xa, ya, xb, yb float64) ([3]float64, bool) {
	var data [16]float64
	dltRow(data[0:8], pa, xa, ya)
	dltRow(data[8:16], pb, xb, yb)
	return homogeneousSolve(mat.NewDense(4, 4, data[:]))
}

// dltNView is the general overdetermined path.
func dltNView(rows [][12]float64, xs, ys []float64) ([3]float64, bool) {
	a := mat.NewDense(2*len(rows), 4, nil)
	buf := make([]float64, 8)
	for i := range rows {
		dltRow(buf, rows[i], xs[i], ys[i])
		a.SetRow(2*i, buf[0:4])
		a.SetRow(2*i+1, buf[4:8])
	}
	return homogeneousSolve(a)
}

// homogeneousSolve returns the dehomogenized null-space vector of a.
func homogeneousSolve(a *mat.Dense) ([3]float64, bool) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return [3]float64{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	_, cols := v.Dims()
	w := v.At(3, cols-1)
	if math.Abs(w) < 1e-12 {
		return [3]float64{}, false
	}
	return [3]float64{v.At(0, cols-1) / w, v.At(1, cols-1) / w, v.At(2, cols-1) / w}, true
}
