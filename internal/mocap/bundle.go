package mocap

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/capture.report/internal/monitoring"
)

// cameraParamCount is the per-camera decision variable count: axis-angle
// rotation plus translation.
const cameraParamCount = 6

// BundleOptions tunes the joint refinement.
type BundleOptions struct {
	// MaxIterations bounds accepted Levenberg-Marquardt steps.
	MaxIterations int
	// Ftol stops the solve when the relative cost decrease of an accepted
	// step falls below it.
	Ftol float64
	// InitialLambda seeds the damping factor.
	InitialLambda float64
	// UndistortIterations is used when seeding 3D points by triangulation.
	UndistortIterations int
}

// DefaultBundleOptions mirror the field-tested values.
func DefaultBundleOptions() BundleOptions {
	return BundleOptions{
		MaxIterations:       50,
		Ftol:                1e-8,
		InitialLambda:       1e-3,
		UndistortIterations: 3,
	}
}

// BundleResult reports the outcome of one optimization run. On success Array
// holds the refined camera array and Points the jointly estimated landmarks;
// the input array is never mutated.
type BundleResult struct {
	State         RunState
	Array         *CameraArray
	Points        []WorldPoint
	RMSE          float64
	PerCameraRMSE map[int]float64
	Iterations    int
}

// obsRef is one flattened residual block: a 2D observation bound to its
// camera and point parameter blocks.
type obsRef struct {
	camIdx   int // index into the posed camera list, -1 for the fixed anchor
	port     int
	ptIdx    int
	px, py   float64
}

// Optimize jointly refines the extrinsics of every posed camera except the
// anchor, together with the 3D positions of every landmark observed by at
// least two posed cameras, minimizing total squared pixel reprojection
// error. The solver is Levenberg-Marquardt over the block-sparse normal
// equations, reduced by a Schur complement over the point blocks; the dense
// solve is only the 6m x 6m reduced camera system.
//
// The anchor camera is held fixed to pin the gauge during the solve; the
// remaining similarity ambiguity is removed by AlignToObject afterwards.
// Cancellation is polled between iterations and yields a RunCancelled result
// with no error; non-convergence or divergence yields a ConvergenceFailure
// and leaves the input array untouched.
func Optimize(ctx context.Context, init *InitialArray, obs *ObservationSet, opts BundleOptions, progress ProgressFunc) (*BundleResult, error) {
	arr := init.Array
	if err := obs.ValidateAgainst(arr); err != nil {
		return nil, err
	}
	posed := arr.PosedPorts()
	if len(posed) < 2 {
		return nil, &InputError{Source: "observations", Err: fmt.Errorf("bundle adjustment needs at least 2 posed cameras, have %d", len(posed))}
	}

	// Free camera blocks: every posed camera except the anchor.
	camIdx := make(map[int]int)
	var freePorts []int
	for _, port := range posed {
		if port == init.Anchor {
			continue
		}
		camIdx[port] = len(freePorts)
		freePorts = append(freePorts, port)
	}

	// Seed landmarks by DLT triangulation with the initial poses, and build
	// the flattened residual blocks.
	ptIdx := make(map[ObsKey]int)
	var points [][3]float64
	var pointKeys []ObsKey
	var refs []obsRef
	coObserved := make(map[int]bool) // ports appearing in >=2-view landmarks
	for _, key := range obs.Keys() {
		views := obs.Views(key)
		var posedViews []Observation
		for _, v := range views {
			if c := arr.Cameras[v.Port]; c != nil && c.Posed() {
				posedViews = append(posedViews, v)
			}
		}
		if len(posedViews) < 2 {
			continue // insufficient views: absorbed, not an error
		}
		p, ok := triangulateKey(arr, posedViews, opts.UndistortIterations)
		if !ok {
			continue
		}
		idx := len(points)
		ptIdx[key] = idx
		points = append(points, p)
		pointKeys = append(pointKeys, key)
		for _, v := range posedViews {
			ci := -1
			if i, free := camIdx[v.Port]; free {
				ci = i
			}
			refs = append(refs, obsRef{camIdx: ci, port: v.Port, ptIdx: idx, px: v.X, py: v.Y})
			coObserved[v.Port] = true
		}
	}
	if len(points) == 0 {
		return nil, &InputError{Source: "observations", Err: fmt.Errorf("no landmark is observed by 2 or more posed cameras")}
	}
	// A posed camera with no multi-view observation makes the normal
	// equations rank deficient. Reject rather than solve garbage.
	for _, port := range posed {
		if !coObserved[port] {
			return nil, &DegenerateGeometryError{
				Cameras:     []int{port},
				SharedViews: map[int]int{port: 0},
				MinRequired: 1,
			}
		}
	}

	// Scratch state: camera parameter vector and point array.
	camParams := make([]float64, len(freePorts)*cameraParamCount)
	for port, i := range camIdx {
		e := arr.Cameras[port].Extrinsics
		rvec := e.RotationVector()
		copy(camParams[i*cameraParamCount:], []float64{
			rvec[0], rvec[1], rvec[2],
			e.Translation[0], e.Translation[1], e.Translation[2],
		})
	}

	solver := &bundleSolver{
		arr:       arr,
		anchor:    init.Anchor,
		freePorts: freePorts,
		refs:      refs,
	}

	cost := solver.cost(camParams, points)
	initialCost := cost
	lambda := opts.InitialLambda
	iterations := 0
	monitoring.Logf("bundle: starting with cost %.6g over %d residual blocks (%d cameras, %d points)",
		cost, len(refs), len(freePorts), len(points))

	for iterations < opts.MaxIterations {
		select {
		case <-ctx.Done():
			monitoring.Logf("bundle: cancelled after %d iterations", iterations)
			return &BundleResult{State: RunCancelled, Iterations: iterations}, nil
		default:
		}

		nb := solver.normalBlocks(camParams, points)

		accepted := false
		for try := 0; try < 8; try++ {
			dc, dp, ok := nb.solve(lambda)
			if !ok {
				lambda *= 4
				continue
			}
			trialCams := applyDelta(camParams, dc)
			trialPts := applyPointDelta(points, dp)
			trialCost := solver.cost(trialCams, trialPts)
			if trialCost < cost {
				rel := (cost - trialCost) / cost
				camParams, points = trialCams, trialPts
				cost = trialCost
				lambda = math.Max(lambda/3, 1e-12)
				iterations++
				accepted = true
				progress.report("bundle", iterations, opts.MaxIterations, math.Sqrt(cost/float64(len(refs))))
				monitoring.Debugf("bundle: iteration %d cost %.6g lambda %.3g", iterations, cost, lambda)
				if rel < opts.Ftol {
					return solver.commit(camParams, points, pointKeys, iterations, cost)
				}
				break
			}
			lambda *= 4
		}
		if !accepted {
			if cost < initialCost {
				// Cost stopped improving but did decrease overall: converged
				// as far as the damping allows.
				return solver.commit(camParams, points, pointKeys, iterations, cost)
			}
			return nil, &ConvergenceFailure{Iterations: iterations, Cost: cost, LastCost: initialCost, Diverged: true}
		}
	}
	return nil, &ConvergenceFailure{Iterations: iterations, Cost: cost, LastCost: initialCost}
}

// bundleSolver carries the immutable problem structure between iterations.
type bundleSolver struct {
	arr       *CameraArray
	anchor    int
	freePorts []int
	refs      []obsRef
}

// residual computes the 2-vector reprojection residual of one observation
// given a camera parameter slice (nil for the anchor) and a point.
func (s *bundleSolver) residual(ref *obsRef, cam []float64, p [3]float64) (float64, float64) {
	var e *Extrinsics
	if cam == nil {
		e = s.arr.Cameras[ref.port].Extrinsics
	} else {
		e = &Extrinsics{
			Rotation:    rodriguesToMatrix([3]float64{cam[0], cam[1], cam[2]}),
			Translation: [3]float64{cam[3], cam[4], cam[5]},
		}
	}
	c := Camera{Intrinsics: s.arr.Cameras[ref.port].Intrinsics, Extrinsics: e}
	px, py, ok := c.Project(p)
	if !ok {
		// Behind the camera: keep the residual finite but strongly penal.
		return 1e6, 1e6
	}
	return px - ref.px, py - ref.py
}

func (s *bundleSolver) camSlice(params []float64, idx int) []float64 {
	if idx < 0 {
		return nil
	}
	return params[idx*cameraParamCount : (idx+1)*cameraParamCount]
}

// cost evaluates the total squared reprojection error. Residual blocks are
// independent, so evaluation fans out across workers.
func (s *bundleSolver) cost(camParams []float64, points [][3]float64) float64 {
	n := len(s.refs)
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	partial := make([]float64, workers)
	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, (w+1)*chunk
		if hi > n {
			hi = n
		}
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			var sum float64
			for i := lo; i < hi; i++ {
				ref := &s.refs[i]
				rx, ry := s.residual(ref, s.camSlice(camParams, ref.camIdx), points[ref.ptIdx])
				sum += rx*rx + ry*ry
			}
			partial[w] = sum
		}(w, lo, hi)
	}
	wg.Wait()
	var total float64
	for _, p := range partial {
		total += p
	}
	return total
}

// jacBlock holds one observation's residual and its Jacobian blocks.
type jacBlock struct {
	rx, ry float64
	jc     [2][cameraParamCount]float64
	jp     [2][3]float64
}

// normalBlocks assembles the block-sparse normal equations. Each residual
// couples exactly one camera block and one point block, so the Jacobian
// products reduce to per-camera 6x6, per-point 3x3 and per-(camera,point)
// 6x3 accumulators.
type normalEquations struct {
	nc, np int
	U      []float64           // nc * 36, per-camera J'J
	V      []float64           // np * 9, per-point J'J
	W      map[[2]int][]float64 // (cam, point) -> 6x3 coupling
	gc     []float64           // nc * 6, -J'r camera side
	gp     []float64           // np * 3, -J'r point side
}

func (s *bundleSolver) normalBlocks(camParams []float64, points [][3]float64) *normalEquations {
	n := len(s.refs)
	blocks := make([]jacBlock, n)

	// Jacobians by central differences, evaluated in parallel; each worker
	// writes only its own block slots.
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, (w+1)*chunk
		if hi > n {
			hi = n
		}
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				s.fillBlock(&blocks[i], &s.refs[i], camParams, points)
			}
		}(lo, hi)
	}
	wg.Wait()

	nc, np := len(s.freePorts), len(points)
	ne := &normalEquations{
		nc: nc, np: np,
		U:  make([]float64, nc*36),
		V:  make([]float64, np*9),
		W:  make(map[[2]int][]float64),
		gc: make([]float64, nc*cameraParamCount),
		gp: make([]float64, np*3),
	}
	for i := range blocks {
		b := &blocks[i]
		ref := &s.refs[i]
		ci, pi := ref.camIdx, ref.ptIdx
		if ci >= 0 {
			u := ne.U[ci*36 : (ci+1)*36]
			g := ne.gc[ci*cameraParamCount : (ci+1)*cameraParamCount]
			for r := 0; r < cameraParamCount; r++ {
				g[r] -= b.jc[0][r]*b.rx + b.jc[1][r]*b.ry
				for c := 0; c < cameraParamCount; c++ {
					u[r*6+c] += b.jc[0][r]*b.jc[0][c] + b.jc[1][r]*b.jc[1][c]
				}
			}
			key := [2]int{ci, pi}
			w := ne.W[key]
			if w == nil {
				w = make([]float64, 18)
				ne.W[key] = w
			}
			for r := 0; r < cameraParamCount; r++ {
				for c := 0; c < 3; c++ {
					w[r*3+c] += b.jc[0][r]*b.jp[0][c] + b.jc[1][r]*b.jp[1][c]
				}
			}
		}
		v := ne.V[pi*9 : (pi+1)*9]
		g := ne.gp[pi*3 : (pi+1)*3]
		for r := 0; r < 3; r++ {
			g[r] -= b.jp[0][r]*b.rx + b.jp[1][r]*b.ry
			for c := 0; c < 3; c++ {
				v[r*3+c] += b.jp[0][r]*b.jp[0][c] + b.jp[1][r]*b.jp[1][c]
			}
		}
	}
	return ne
}

// fillBlock computes one observation's residual and Jacobian blocks by
// central differences.
func (s *bundleSolver) fillBlock(b *jacBlock, ref *obsRef, camParams []float64, points [][3]float64) {
	cam := s.camSlice(camParams, ref.camIdx)
	p := points[ref.ptIdx]
	b.rx, b.ry = s.residual(ref, cam, p)

	if cam != nil {
		var local [cameraParamCount]float64
		copy(local[:], cam)
		for k := 0; k < cameraParamCount; k++ {
			h := stepSize(local[k])
			orig := local[k]
			local[k] = orig + h
			rxp, ryp := s.residual(ref, local[:], p)
			local[k] = orig - h
			rxm, rym := s.residual(ref, local[:], p)
			local[k] = orig
			b.jc[0][k] = (rxp - rxm) / (2 * h)
			b.jc[1][k] = (ryp - rym) / (2 * h)
		}
	}
	for k := 0; k < 3; k++ {
		h := stepSize(p[k])
		orig := p[k]
		p[k] = orig + h
		rxp, ryp := s.residual(ref, cam, p)
		p[k] = orig - h
		rxm, rym := s.residual(ref, cam, p)
		p[k] = orig
		b.jp[0][k] = (rxp - rxm) / (2 * h)
		b.jp[1][k] = (ryp - rym) / (2 * h)
	}
}

func stepSize(x float64) float64 {
	h := 1e-6 * math.Abs(x)
	if h < 1e-7 {
		h = 1e-7
	}
	return h
}

// solve performs the damped Schur-complement solve: invert the 3x3 point
// blocks, reduce onto the camera system, solve it densely, then
// back-substitute the point deltas.
func (ne *normalEquations) solve(lambda float64) (dc []float64, dp []float64, ok bool) {
	// Damped copies of the diagonal blocks.
	vinv := make([]float64, ne.np*9)
	for p := 0; p < ne.np; p++ {
		var v [9]float64
		copy(v[:], ne.V[p*9:(p+1)*9])
		for d := 0; d < 3; d++ {
			v[d*3+d] *= 1 + lambda
			if v[d*3+d] == 0 {
				v[d*3+d] = lambda
			}
		}
		inv, invOK := invert3x3(v)
		if !invOK {
			return nil, nil, false
		}
		copy(vinv[p*9:(p+1)*9], inv[:])
	}

	dim := ne.nc * cameraParamCount
	S := mat.NewDense(dim, dim, nil)
	rhs := make([]float64, dim)
	for c := 0; c < ne.nc; c++ {
		base := c * cameraParamCount
		u := ne.U[c*36 : (c+1)*36]
		for r := 0; r < cameraParamCount; r++ {
			for cc := 0; cc < cameraParamCount; cc++ {
				val := u[r*6+cc]
				if r == cc {
					val *= 1 + lambda
					if val == 0 {
						val = lambda
					}
				}
				S.Set(base+r, base+cc, val)
			}
			rhs[base+r] = ne.gc[base+r]
		}
	}

	// Group couplings by point for the reduction.
	type coupling struct {
		cam int
		w   []float64
	}
	byPoint := make(map[int][]coupling)
	for key, w := range ne.W {
		byPoint[key[1]] = append(byPoint[key[1]], coupling{cam: key[0], w: w})
	}
	for p, entries := range byPoint {
		vi := vinv[p*9 : (p+1)*9]
		gp := ne.gp[p*3 : (p+1)*3]
		// y_i = W_i * Vinv for each camera i seeing p.
		for _, ei := range entries {
			var y [18]float64 // 6x3
			for r := 0; r < 6; r++ {
				for c := 0; c < 3; c++ {
					var s float64
					for k := 0; k < 3; k++ {
						s += ei.w[r*3+k] * vi[k*3+c]
					}
					y[r*3+c] = s
				}
			}
			// rhs_i -= y * gp
			for r := 0; r < 6; r++ {
				var s float64
				for k := 0; k < 3; k++ {
					s += y[r*3+k] * gp[k]
				}
				rhs[ei.cam*6+r] -= s
			}
			// S[i][j] -= y * W_j'
			for _, ej := range entries {
				for r := 0; r < 6; r++ {
					for c := 0; c < 6; c++ {
						var s float64
						for k := 0; k < 3; k++ {
							s += y[r*3+k] * ej.w[c*3+k]
						}
						S.Set(ei.cam*6+r, ej.cam*6+c, S.At(ei.cam*6+r, ej.cam*6+c)-s)
					}
				}
			}
		}
	}

	dcVec := mat.NewVecDense(dim, nil)
	if err := dcVec.SolveVec(S, mat.NewVecDense(dim, rhs)); err != nil {
		return nil, nil, false
	}
	dc = make([]float64, dim)
	copy(dc, dcVec.RawVector().Data)

	// Back-substitute: dp = Vinv * (gp - W' dc).
	dp = make([]float64, ne.np*3)
	tmp := make([]float64, ne.np*3)
	copy(tmp, ne.gp)
	for key, w := range ne.W {
		ci, pi := key[0], key[1]
		for c := 0; c < 3; c++ {
			var s float64
			for r := 0; r < 6; r++ {
				s += w[r*3+c] * dc[ci*6+r]
			}
			tmp[pi*3+c] -= s
		}
	}
	for p := 0; p < ne.np; p++ {
		vi := vinv[p*9 : (p+1)*9]
		for r := 0; r < 3; r++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += vi[r*3+k] * tmp[p*3+k]
			}
			dp[p*3+r] = s
		}
	}
	return dc, dp, true
}

func applyDelta(params, delta []float64) []float64 {
	out := make([]float64, len(params))
	for i := range params {
		out[i] = params[i] + delta[i]
	}
	return out
}

func applyPointDelta(points [][3]float64, dp []float64) [][3]float64 {
	out := make([][3]float64, len(points))
	for i := range points {
		out[i] = [3]float64{
			points[i][0] + dp[i*3],
			points[i][1] + dp[i*3+1],
			points[i][2] + dp[i*3+2],
		}
	}
	return out
}

// commit builds the success result: a refined clone of the array, the final
// landmark estimates and the RMSE breakdown.
func (s *bundleSolver) commit(camParams []float64, points [][3]float64, keys []ObsKey, iterations int, cost float64) (*BundleResult, error) {
	out := s.arr.Clone()
	for i, port := range s.freePorts {
		e := out.Cameras[port].Extrinsics
		cam := camParams[i*cameraParamCount : (i+1)*cameraParamCount]
		e.SetRotationVector([3]float64{cam[0], cam[1], cam[2]})
		e.Translation = [3]float64{cam[3], cam[4], cam[5]}
	}

	// Per-camera RMSE from the final residuals.
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for i := range s.refs {
		ref := &s.refs[i]
		rx, ry := s.residual(ref, s.camSlice(camParams, ref.camIdx), points[ref.ptIdx])
		sums[ref.port] += rx*rx + ry*ry
		counts[ref.port]++
	}
	perCam := make(map[int]float64, len(sums))
	for port, sum := range sums {
		perCam[port] = math.Sqrt(sum / float64(counts[port]))
	}
	rmse := math.Sqrt(cost / float64(len(s.refs)))

	pts := make([]WorldPoint, len(points))
	for i, p := range points {
		pts[i] = WorldPoint{
			SyncIndex: keys[i].SyncIndex,
			PointID:   keys[i].PointID,
			X:         p[0], Y: p[1], Z: p[2],
		}
	}
	SortWorldPoints(pts)

	monitoring.Logf("bundle: converged after %d iterations, rmse %.4fpx", iterations, rmse)
	return &BundleResult{
		State:         RunSucceeded,
		Array:         out,
		Points:        pts,
		RMSE:          rmse,
		PerCameraRMSE: perCam,
		Iterations:    iterations,
	}, nil
}

// invert3x3 inverts a row-major 3x3 matrix.
func invert3x3(m [9]float64) ([9]float64, bool) {
	det := m[0]*(m[4]*m[8]-m[5]*m[7]) - m[1]*(m[3]*m[8]-m[5]*m[6]) + m[2]*(m[3]*m[7]-m[4]*m[6])
	if math.Abs(det) < 1e-18 {
		return [9]float64{}, false
	}
	inv := [9]float64{
		m[4]*m[8] - m[5]*m[7], m[2]*m[7] - m[1]*m[8], m[1]*m[5] - m[2]*m[4],
		m[5]*m[6] - m[3]*m[8], m[0]*m[8] - m[2]*m[6], m[2]*m[3] - m[0]*m[5],
		m[3]*m[7] - m[4]*m[6], m[1]*m[6] - m[0]*m[7], m[0]*m[4] - m[1]*m[3],
	}
	for i := range inv {
		inv[i] /= det
	}
	return inv, true
}
