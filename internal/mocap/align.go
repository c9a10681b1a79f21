package mocap

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/capture.report/internal/monitoring"
)

// Similarity is a 7-DoF transform: uniform scale, rotation, translation.
// Bundle reconstruction is only defined up to such a transform; fitting one
// against the calibration object's known geometry is what makes the final
// scene metrically correct.
type Similarity struct {
	Scale       float64
	Rotation    [9]float64
	Translation [3]float64
}

// ApplyPoint maps a point through the transform: s*R*p + t.
func (s *Similarity) ApplyPoint(p [3]float64) [3]float64 {
	r := &s.Rotation
	return [3]float64{
		s.Scale*(r[0]*p[0]+r[1]*p[1]+r[2]*p[2]) + s.Translation[0],
		s.Scale*(r[3]*p[0]+r[4]*p[1]+r[5]*p[2]) + s.Translation[1],
		s.Scale*(r[6]*p[0]+r[7]*p[1]+r[8]*p[2]) + s.Translation[2],
	}
}

// ApplyExtrinsics re-expresses a camera pose in the transformed world frame
// so that reprojections are unchanged: R' = R*Rs', t' = s*t - R'*ts.
func (s *Similarity) ApplyExtrinsics(e *Extrinsics) *Extrinsics {
	var out Extrinsics
	out.Port = e.Port
	r, rs := &e.Rotation, &s.Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += r[i*3+k] * rs[j*3+k] // R * Rs'
			}
			out.Rotation[i*3+j] = sum
		}
	}
	for i := 0; i < 3; i++ {
		out.Translation[i] = s.Scale * e.Translation[i]
		for k := 0; k < 3; k++ {
			out.Translation[i] -= out.Rotation[i*3+k] * s.Translation[k]
		}
	}
	return &out
}

// FitSimilarity solves the absolute-orientation problem: the similarity
// transform mapping src onto dst with least squared error, closed form via
// SVD of the cross-covariance (Umeyama's method). At least three point pairs
// in general position are required.
func FitSimilarity(src, dst [][3]float64) (*Similarity, error) {
	if len(src) != len(dst) {
		return nil, fmt.Errorf("similarity fit: %d source and %d destination points", len(src), len(dst))
	}
	n := len(src)
	if n < 3 {
		return nil, fmt.Errorf("similarity fit needs at least 3 point pairs, have %d", n)
	}
	fn := float64(n)

	var muS, muD [3]float64
	for i := 0; i < n; i++ {
		for k := 0; k < 3; k++ {
			muS[k] += src[i][k] / fn
			muD[k] += dst[i][k] / fn
		}
	}

	// Cross-covariance of centered pairs and source variance.
	var cov [9]float64
	var varS float64
	for i := 0; i < n; i++ {
		var cs, cd [3]float64
		for k := 0; k < 3; k++ {
			cs[k] = src[i][k] - muS[k]
			cd[k] = dst[i][k] - muD[k]
			varS += cs[k] * cs[k] / fn
		}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				cov[r*3+c] += cd[r] * cs[c] / fn
			}
		}
	}
	if varS < 1e-18 {
		return nil, fmt.Errorf("similarity fit: source points are coincident")
	}

	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(3, 3, cov[:]), mat.SVDFull) {
		return nil, fmt.Errorf("similarity fit: SVD failed to factorize")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vals := svd.Values(nil)

	// Reflection guard: keep det(R) = +1.
	sign := 1.0
	if mat.Det(&u)*mat.Det(&v) < 0 {
		sign = -1
	}
	d := mat.NewDiagDense(3, []float64{1, 1, sign})
	var tmp, rm mat.Dense
	tmp.Mul(&u, d)
	rm.Mul(&tmp, v.T())

	out := &Similarity{Scale: (vals[0] + vals[1] + sign*vals[2]) / varS}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Rotation[i*3+j] = rm.At(i, j)
		}
	}
	rotated := [3]float64{
		out.Rotation[0]*muS[0] + out.Rotation[1]*muS[1] + out.Rotation[2]*muS[2],
		out.Rotation[3]*muS[0] + out.Rotation[4]*muS[1] + out.Rotation[5]*muS[2],
		out.Rotation[6]*muS[0] + out.Rotation[7]*muS[1] + out.Rotation[8]*muS[2],
	}
	for k := 0; k < 3; k++ {
		out.Translation[k] = muD[k] - out.Scale*rotated[k]
	}
	return out, nil
}

// AlignToObject removes the gauge freedom left by bundle adjustment. The
// calibration object moves between sync indices, so the fit uses a single
// reference index: the one with the most reconstructed object landmarks,
// lowest index on ties. The similarity mapping those estimates onto the
// object's known coordinates is then applied to all cameras and all points,
// placing the world origin on the object at the reference instant. The
// returned array and points are new values; inputs are not mutated. The
// residual RMSE of the fit, in world units, is also returned.
func AlignToObject(arr *CameraArray, points []WorldPoint, object *CalibrationObject) (*CameraArray, []WorldPoint, float64, error) {
	if object == nil || len(object.Points) == 0 {
		return nil, nil, 0, &InputError{Source: "object", Err: fmt.Errorf("gauge alignment requires calibration object geometry")}
	}
	counts := make(map[int]int)
	for _, p := range points {
		if _, ok := object.Points[p.PointID]; ok {
			counts[p.SyncIndex]++
		}
	}
	refSync, best := 0, 0
	for sync, n := range counts {
		if n > best || (n == best && sync < refSync) {
			refSync, best = sync, n
		}
	}

	var src, dst [][3]float64
	for _, p := range points {
		if p.SyncIndex != refSync {
			continue
		}
		if obj, ok := object.Points[p.PointID]; ok {
			src = append(src, p.Pos())
			dst = append(dst, obj)
		}
	}
	sim, err := FitSimilarity(src, dst)
	if err != nil {
		return nil, nil, 0, err
	}

	outArr := arr.Clone()
	for _, cam := range outArr.Cameras {
		if cam.Posed() {
			cam.Extrinsics = sim.ApplyExtrinsics(cam.Extrinsics)
		}
	}
	outPts := make([]WorldPoint, len(points))
	var sumSq float64
	var fitted int
	for i, p := range points {
		q := sim.ApplyPoint(p.Pos())
		outPts[i] = p
		outPts[i].X, outPts[i].Y, outPts[i].Z = q[0], q[1], q[2]
		if obj, ok := object.Points[p.PointID]; ok && p.SyncIndex == refSync {
			outPts[i].Obj = obj
			outPts[i].HasObj = true
			dx, dy, dz := q[0]-obj[0], q[1]-obj[1], q[2]-obj[2]
			sumSq += dx*dx + dy*dy + dz*dz
			fitted++
		}
	}
	rmse := math.Sqrt(sumSq / float64(fitted))
	monitoring.Logf("align: similarity fit at sync %d over %d object landmarks, scale %.6f, rmse %.4f world units",
		refSync, fitted, sim.Scale, rmse)
	return outArr, outPts, rmse, nil
}
