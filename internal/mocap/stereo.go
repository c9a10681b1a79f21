package mocap

import (
	"fmt"
	"math"

	"github.com/maorshutman/lm"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/capture.report/internal/monitoring"
)

// StereoPair holds the relative pose of camera B expressed in the frame of
// camera A: X_b = R*X_a + t. Score is the pair's reprojection RMSE in pixels
// and turns cumulative when pairs are bridged through an intermediate camera.
type StereoPair struct {
	PortA, PortB int
	Rotation     [9]float64
	Translation  [3]float64
	Score        float64
	SharedViews  int
}

// Extrinsics views the relative pose as extrinsics of B in A's frame.
func (p *StereoPair) Extrinsics() *Extrinsics {
	return &Extrinsics{Port: p.PortB, Rotation: p.Rotation, Translation: p.Translation}
}

// Invert returns the pose of A in B's frame with the same score.
func (p *StereoPair) Invert() StereoPair {
	inv := (&Extrinsics{Rotation: p.Rotation, Translation: p.Translation}).Invert()
	return StereoPair{
		PortA:       p.PortB,
		PortB:       p.PortA,
		Rotation:    inv.Rotation,
		Translation: inv.Translation,
		Score:       p.Score,
		SharedViews: p.SharedViews,
	}
}

// Bridge composes (A,X) and (X,C) into (A,C), accumulating both error
// scores. Used when a camera pair was never directly calibrated.
func Bridge(ax, xc StereoPair) (StereoPair, error) {
	if ax.PortB != xc.PortA {
		return StereoPair{}, fmt.Errorf("cannot bridge pair (%d,%d) with (%d,%d)", ax.PortA, ax.PortB, xc.PortA, xc.PortB)
	}
	composed := (&Extrinsics{Rotation: ax.Rotation, Translation: ax.Translation}).
		Compose(&Extrinsics{Rotation: xc.Rotation, Translation: xc.Translation})
	shared := ax.SharedViews
	if xc.SharedViews < shared {
		shared = xc.SharedViews
	}
	return StereoPair{
		PortA:       ax.PortA,
		PortB:       xc.PortB,
		Rotation:    composed.Rotation,
		Translation: composed.Translation,
		Score:       ax.Score + xc.Score,
		SharedViews: shared,
	}, nil
}

// correspondence is a matched observation of one landmark in two cameras, in
// undistorted normalized image coordinates, tagged with its origin so scale
// resolution can look up object geometry.
type correspondence struct {
	xa, ya    float64
	xb, yb    float64
	syncIndex int
	pointID   int
	pxA, pyA  float64 // raw pixels, camera A
	pxB, pyB  float64 // raw pixels, camera B
}

// StereoOptions tunes the pairwise solve.
type StereoOptions struct {
	// MinCorrespondences is the minimum matched observation count required to
	// attempt the eight-point solve.
	MinCorrespondences int
	// UndistortIterations is the fixed-point iteration count for inverting
	// lens distortion.
	UndistortIterations int
	// RefineIterations bounds the Levenberg-Marquardt polish of the pose; zero
	// disables refinement.
	RefineIterations int
}

// DefaultStereoOptions mirror the field-tested values.
func DefaultStereoOptions() StereoOptions {
	return StereoOptions{
		MinCorrespondences:  24,
		UndistortIterations: 3,
		RefineIterations:    60,
	}
}

// SolveStereoPair estimates the relative pose of camera b in the frame of
// camera a from their shared observations: eight-point essential matrix,
// cheirality-tested decomposition, optional Levenberg-Marquardt polish, then
// baseline scale resolution against the calibration object's known geometry.
func SolveStereoPair(arr *CameraArray, obs *ObservationSet, object *CalibrationObject, a, b int, opts StereoOptions) (*StereoPair, error) {
	camA, okA := arr.Cameras[a]
	camB, okB := arr.Cameras[b]
	if !okA || !okB {
		return nil, &InputError{Source: "observations", Err: fmt.Errorf("stereo pair (%d,%d): unknown camera", a, b)}
	}

	corr := gatherCorrespondences(camA, camB, obs, a, b, opts.UndistortIterations)
	if len(corr) < opts.MinCorrespondences {
		return nil, fmt.Errorf("stereo pair (%d,%d): %d correspondences, need %d", a, b, len(corr), opts.MinCorrespondences)
	}

	E, err := essentialEightPoint(corr)
	if err != nil {
		return nil, fmt.Errorf("stereo pair (%d,%d): %w", a, b, err)
	}
	R, t, err := decomposeEssential(E, corr)
	if err != nil {
		return nil, fmt.Errorf("stereo pair (%d,%d): %w", a, b, err)
	}

	if opts.RefineIterations > 0 {
		R, t = refinePairPose(R, t, corr, opts.RefineIterations)
	}

	scale, err := resolvePairScale(R, t, corr, object)
	if err != nil {
		return nil, fmt.Errorf("stereo pair (%d,%d): %w", a, b, err)
	}
	t[0] *= scale
	t[1] *= scale
	t[2] *= scale

	pair := &StereoPair{
		PortA:       a,
		PortB:       b,
		Rotation:    R,
		Translation: t,
		SharedViews: len(corr),
	}
	pair.Score = pairReprojectionRMSE(camA, camB, pair, corr)
	monitoring.Debugf("stereo pair (%d,%d): %d correspondences, scale %.4f, rmse %.3fpx",
		a, b, len(corr), scale, pair.Score)
	return pair, nil
}

func gatherCorrespondences(camA, camB *Camera, obs *ObservationSet, a, b, undistortIters int) []correspondence {
	var out []correspondence
	for _, key := range obs.Keys() {
		views := obs.Views(key)
		var va, vb *Observation
		for i := range views {
			switch views[i].Port {
			case a:
				va = &views[i]
			case b:
				vb = &views[i]
			}
		}
		if va == nil || vb == nil {
			continue
		}
		uxA, uyA := camA.Intrinsics.Undistort(va.X, va.Y, undistortIters)
		uxB, uyB := camB.Intrinsics.Undistort(vb.X, vb.Y, undistortIters)
		out = append(out, correspondence{
			xa:        (uxA - camA.Intrinsics.CX) / camA.Intrinsics.FX,
			ya:        (uyA - camA.Intrinsics.CY) / camA.Intrinsics.FY,
			xb:        (uxB - camB.Intrinsics.CX) / camB.Intrinsics.FX,
			yb:        (uyB - camB.Intrinsics.CY) / camB.Intrinsics.FY,
			syncIndex: key.SyncIndex,
			pointID:   key.PointID,
			pxA:       va.X, pyA: va.Y,
			pxB: vb.X, pyB: vb.Y,
		})
	}
	return out
}

// essentialEightPoint solves x_b' E x_a = 0 over all correspondences in
// normalized coordinates and projects the result onto the essential manifold
// (two equal singular values, third zero).
func essentialEightPoint(corr []correspondence) ([9]float64, error) {
	var E [9]float64
	if len(corr) < 8 {
		return E, fmt.Errorf("essential matrix needs 8 correspondences, have %d", len(corr))
	}
	A := mat.NewDense(len(corr), 9, nil)
	for i, c := range corr {
		A.SetRow(i, []float64{
			c.xb * c.xa, c.xb * c.ya, c.xb,
			c.yb * c.xa, c.yb * c.ya, c.yb,
			c.xa, c.ya, 1,
		})
	}
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDFull) {
		return E, fmt.Errorf("essential matrix SVD failed to factorize")
	}
	var v mat.Dense
	svd.VTo(&v)
	_, cols := v.Dims()
	for i := 0; i < 9; i++ {
		E[i] = v.At(i, cols-1)
	}

	// Project onto the essential manifold.
	eMat := mat.NewDense(3, 3, E[:])
	var esvd mat.SVD
	if !esvd.Factorize(eMat, mat.SVDFull) {
		return E, fmt.Errorf("essential constraint SVD failed to factorize")
	}
	var u, ev mat.Dense
	esvd.UTo(&u)
	esvd.VTo(&ev)
	vals := esvd.Values(nil)
	s := (vals[0] + vals[1]) / 2
	sigma := mat.NewDiagDense(3, []float64{s, s, 0})
	var tmp, fixed mat.Dense
	tmp.Mul(&u, sigma)
	fixed.Mul(&tmp, ev.T())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			E[i*3+j] = fixed.At(i, j)
		}
	}
	return E, nil
}

// decomposeEssential extracts the four (R, t) candidates from an essential
// matrix and selects the one placing the most triangulated points in front of
// both cameras.
func decomposeEssential(E [9]float64, corr []correspondence) ([9]float64, [3]float64, error) {
	eMat := mat.NewDense(3, 3, E[:])
	var svd mat.SVD
	if !svd.Factorize(eMat, mat.SVDFull) {
		return [9]float64{}, [3]float64{}, fmt.Errorf("essential decomposition SVD failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	if mat.Det(&u) < 0 {
		scaleColumns(&u, -1)
	}
	if mat.Det(&v) < 0 {
		scaleColumns(&v, -1)
	}
	w := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})

	var r1, r2, tmp mat.Dense
	tmp.Mul(&u, w)
	r1.Mul(&tmp, v.T())
	tmp.Mul(&u, w.T())
	r2.Mul(&tmp, v.T())

	tCand := [3]float64{u.At(0, 2), u.At(1, 2), u.At(2, 2)}
	tNeg := [3]float64{-tCand[0], -tCand[1], -tCand[2]}

	type candidate struct {
		R [9]float64
		t [3]float64
	}
	cands := []candidate{
		{denseToArray(&r1), tCand},
		{denseToArray(&r1), tNeg},
		{denseToArray(&r2), tCand},
		{denseToArray(&r2), tNeg},
	}

	best, bestFront := -1, -1
	for i, c := range cands {
		front := 0
		for _, m := range corr {
			p, ok := triangulatePairNormalized(c.R, c.t, m)
			if !ok {
				continue
			}
			rel := (&Extrinsics{Rotation: c.R, Translation: c.t}).Apply(p)
			if p[2] > 0 && rel[2] > 0 {
				front++
			}
		}
		if front > bestFront {
			best, bestFront = i, front
		}
	}
	if best < 0 || bestFront == 0 {
		return [9]float64{}, [3]float64{}, fmt.Errorf("essential decomposition: no candidate passes cheirality")
	}
	return cands[best].R, cands[best].t, nil
}

// triangulatePairNormalized triangulates one correspondence with projection
// matrices [I|0] and [R|t] via the two-view DLT.
func triangulatePairNormalized(R [9]float64, t [3]float64, c correspondence) ([3]float64, bool) {
	a := mat.NewDense(4, 4, []float64{
		-1, 0, c.xa, 0,
		0, -1, c.ya, 0,
		c.xb*R[6] - R[0], c.xb*R[7] - R[1], c.xb*R[8] - R[2], c.xb*t[2] - t[0],
		c.yb*R[6] - R[3], c.yb*R[7] - R[4], c.yb*R[8] - R[5], c.yb*t[2] - t[1],
	})
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return [3]float64{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return [3]float64{}, false
	}
	return [3]float64{v.At(0, 3) / w, v.At(1, 3) / w, v.At(2, 3) / w}, true
}

// refinePairPose polishes (R, t) by minimizing the Sampson error over all
// correspondences with a dense Levenberg-Marquardt solve. The translation
// keeps unit norm; its scale is resolved separately against the object.
func refinePairPose(R [9]float64, t [3]float64, corr []correspondence, iterations int) ([9]float64, [3]float64) {
	rvec := matrixToRodrigues(R)
	init := []float64{rvec[0], rvec[1], rvec[2], t[0], t[1], t[2]}

	residuals := func(dst, x []float64) {
		rot := rodriguesToMatrix([3]float64{x[0], x[1], x[2]})
		tv := [3]float64{x[3], x[4], x[5]}
		E := essentialFromPose(rot, tv)
		for i, c := range corr {
			dst[i] = sampsonError(E, c)
		}
	}
	jac := lm.NumJac{Func: residuals}
	prob := lm.LMProblem{
		Dim:        6,
		Size:       len(corr),
		Func:       residuals,
		Jac:        jac.Jac,
		InitParams: init,
		Tau:        1e-6,
		Eps1:       1e-10,
		Eps2:       1e-10,
	}
	res, err := lm.LM(prob, &lm.Settings{Iterations: iterations, ObjectiveTol: 1e-16})
	if err != nil {
		monitoring.Debugf("stereo refine: keeping linear estimate: %v", err)
		return R, t
	}
	outR := rodriguesToMatrix([3]float64{res.X[0], res.X[1], res.X[2]})
	outT := [3]float64{res.X[3], res.X[4], res.X[5]}
	n := math.Sqrt(outT[0]*outT[0] + outT[1]*outT[1] + outT[2]*outT[2])
	if n < 1e-12 {
		return R, t
	}
	outT[0] /= n
	outT[1] /= n
	outT[2] /= n
	return outR, outT
}

// essentialFromPose builds E = [t]x R.
func essentialFromPose(R [9]float64, t [3]float64) [9]float64 {
	tx := [9]float64{
		0, -t[2], t[1],
		t[2], 0, -t[0],
		-t[1], t[0], 0,
	}
	var E [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += tx[i*3+k] * R[k*3+j]
			}
			E[i*3+j] = s
		}
	}
	return E
}

// sampsonError is the first-order geometric epipolar error for one
// correspondence in normalized coordinates.
func sampsonError(E [9]float64, c correspondence) float64 {
	// Ex1 and E'x2 with x1 = (xa, ya, 1), x2 = (xb, yb, 1).
	ex1 := [3]float64{
		E[0]*c.xa + E[1]*c.ya + E[2],
		E[3]*c.xa + E[4]*c.ya + E[5],
		E[6]*c.xa + E[7]*c.ya + E[8],
	}
	etx2 := [3]float64{
		E[0]*c.xb + E[3]*c.yb + E[6],
		E[1]*c.xb + E[4]*c.yb + E[7],
		E[2]*c.xb + E[5]*c.yb + E[8],
	}
	x2tEx1 := c.xb*ex1[0] + c.yb*ex1[1] + ex1[2]
	denom := ex1[0]*ex1[0] + ex1[1]*ex1[1] + etx2[0]*etx2[0] + etx2[1]*etx2[1]
	if denom < 1e-18 {
		return 0
	}
	return x2tEx1 / math.Sqrt(denom)
}

// resolvePairScale recovers the metric baseline of a unit-translation pair by
// comparing triangulated landmark separations to the calibration object's
// known geometry, per sync index.
func resolvePairScale(R [9]float64, t [3]float64, corr []correspondence, object *CalibrationObject) (float64, error) {
	if object == nil {
		return 1, nil
	}
	// Group triangulated object points by sync index.
	bySync := make(map[int]map[int][3]float64)
	for _, c := range corr {
		if _, ok := object.Points[c.pointID]; !ok {
			continue
		}
		p, ok := triangulatePairNormalized(R, t, c)
		if !ok {
			continue
		}
		if bySync[c.syncIndex] == nil {
			bySync[c.syncIndex] = make(map[int][3]float64)
		}
		bySync[c.syncIndex][c.pointID] = p
	}

	var sumObj, sumEst float64
	for _, pts := range bySync {
		ids := make([]int, 0, len(pts))
		for id := range pts {
			ids = append(ids, id)
		}
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				objDist, ok := object.Distance(ids[i], ids[j])
				if !ok || objDist == 0 {
					continue
				}
				pa, pb := pts[ids[i]], pts[ids[j]]
				dx, dy, dz := pa[0]-pb[0], pa[1]-pb[1], pa[2]-pb[2]
				sumEst += math.Sqrt(dx*dx + dy*dy + dz*dz)
				sumObj += objDist
			}
		}
	}
	if sumEst < 1e-12 || sumObj == 0 {
		return 0, fmt.Errorf("cannot resolve scale: no triangulated object distances")
	}
	return sumObj / sumEst, nil
}

// pairReprojectionRMSE triangulates every correspondence in the pair's local
// frame and measures the pixel reprojection error against both cameras.
func pairReprojectionRMSE(camA, camB *Camera, pair *StereoPair, corr []correspondence) float64 {
	a := &Camera{Intrinsics: camA.Intrinsics, Extrinsics: Identity(pair.PortA)}
	b := &Camera{Intrinsics: camB.Intrinsics, Extrinsics: pair.Extrinsics()}
	var sum float64
	var n int
	for _, c := range corr {
		p, ok := triangulatePairNormalized(pair.Rotation, pair.Translation, c)
		if !ok {
			continue
		}
		if px, py, ok := a.Project(p); ok {
			sum += (px-c.pxA)*(px-c.pxA) + (py-c.pyA)*(py-c.pyA)
			n++
		}
		if px, py, ok := b.Project(p); ok {
			sum += (px-c.pxB)*(px-c.pxB) + (py-c.pyB)*(py-c.pyB)
			n++
		}
	}
	if n == 0 {
		return math.Inf(1)
	}
	return math.Sqrt(sum / float64(n))
}

func scaleColumns(m *mat.Dense, s float64) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, s*m.At(i, j))
		}
	}
}

func denseToArray(m *mat.Dense) [9]float64 {
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = m.At(i, j)
		}
	}
	return out
}
