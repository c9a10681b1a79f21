package mocap

import "math"

// CalibrationObject is the known geometry of the fiducial object, mapping
// tracker point ids to object-frame coordinates in world units. It anchors
// both the relative scale of pairwise poses and the final gauge alignment.
type CalibrationObject struct {
	Points map[int][3]float64
}

// PlanarGrid builds a rows x cols planar calibration object with the given
// point spacing. Point ids are assigned row-major from zero, matching the
// corner ordering of common fiducial trackers.
func PlanarGrid(rows, cols int, spacing float64) *CalibrationObject {
	obj := &CalibrationObject{Points: make(map[int][3]float64, rows*cols)}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			obj.Points[r*cols+c] = [3]float64{float64(c) * spacing, float64(r) * spacing, 0}
		}
	}
	return obj
}

// Distance returns the object-frame distance between two point ids; ok is
// false when either id is not part of the object.
func (o *CalibrationObject) Distance(a, b int) (float64, bool) {
	pa, okA := o.Points[a]
	pb, okB := o.Points[b]
	if !okA || !okB {
		return 0, false
	}
	dx, dy, dz := pa[0]-pb[0], pa[1]-pb[1], pa[2]-pb[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz), true
}

// Annotate stamps object-frame coordinates onto every world point whose
// point id belongs to the object.
func (o *CalibrationObject) Annotate(pts []WorldPoint) {
	for i := range pts {
		if obj, ok := o.Points[pts[i].PointID]; ok {
			pts[i].Obj = obj
			pts[i].HasObj = true
		}
	}
}
