package mocap

import (
	"math"
	"testing"
)

func TestPlanarGridLayout(t *testing.T) {
	obj := PlanarGrid(3, 4, 25)
	if len(obj.Points) != 12 {
		t.Fatalf("len(Points) = %d, want 12", len(obj.Points))
	}
	// Row-major ids: id 5 is row 1 col 1.
	if got := obj.Points[5]; got != [3]float64{25, 25, 0} {
		t.Errorf("Points[5] = %v, want {25 25 0}", got)
	}
	if got := obj.Points[11]; got != [3]float64{75, 50, 0} {
		t.Errorf("Points[11] = %v, want {75 50 0}", got)
	}
}

func TestObjectDistance(t *testing.T) {
	obj := PlanarGrid(2, 2, 10)
	d, ok := obj.Distance(0, 3)
	if !ok || math.Abs(d-10*math.Sqrt2) > 1e-12 {
		t.Errorf("Distance(0,3) = %v, %v", d, ok)
	}
	if _, ok := obj.Distance(0, 99); ok {
		t.Error("Distance accepted an unknown point id")
	}
}

func TestObjectAnnotate(t *testing.T) {
	obj := PlanarGrid(2, 2, 10)
	pts := []WorldPoint{
		{SyncIndex: 0, PointID: 2},
		{SyncIndex: 0, PointID: 50},
	}
	obj.Annotate(pts)
	if !pts[0].HasObj || pts[0].Obj != [3]float64{0, 10, 0} {
		t.Errorf("point 2 annotation = %v, %v", pts[0].Obj, pts[0].HasObj)
	}
	if pts[1].HasObj {
		t.Error("point outside the object was annotated")
	}
}
