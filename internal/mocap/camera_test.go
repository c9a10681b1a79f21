package mocap

import (
	"math"
	"testing"
)

func TestRodriguesRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rvec [3]float64
	}{
		{"identity", [3]float64{0, 0, 0}},
		{"small angle", [3]float64{0.001, -0.002, 0.0005}},
		{"quarter turn z", [3]float64{0, 0, math.Pi / 2}},
		{"general", [3]float64{0.3, -0.7, 1.1}},
		{"near half turn", [3]float64{3.1, 0.2, -0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matrixToRodrigues(rodriguesToMatrix(tt.rvec))
			for k := 0; k < 3; k++ {
				if math.Abs(got[k]-tt.rvec[k]) > 1e-9 {
					t.Fatalf("round trip = %v, want %v", got, tt.rvec)
				}
			}
		})
	}
}

func TestDistortUndistortRoundTrip(t *testing.T) {
	in := rigIntrinsics(0)
	for _, px := range []float64{200, 960, 1700} {
		for _, py := range []float64{100, 540, 1000} {
			ux, uy := in.Undistort(px, py, 12)
			// Re-apply the forward model to the undistorted normalized point.
			rx, ry := in.Distort((ux-in.CX)/in.FX, (uy-in.CY)/in.FY)
			if math.Abs(rx-px) > 1e-3 || math.Abs(ry-py) > 1e-3 {
				t.Errorf("(%v,%v) -> undistort -> distort = (%v,%v)", px, py, rx, ry)
			}
		}
	}
}

func TestExtrinsicsCenterAndInvert(t *testing.T) {
	target := rigTarget()
	center := [3]float64{target[0] + 1500, target[1] - 800, 600}
	e := lookAt(3, center, target)

	got := e.Center()
	for k := 0; k < 3; k++ {
		if math.Abs(got[k]-center[k]) > 1e-9 {
			t.Fatalf("Center() = %v, want %v", got, center)
		}
	}

	// Applying a pose then its inverse is the identity.
	p := [3]float64{37, -12, 450}
	back := e.Invert().Apply(e.Apply(p))
	for k := 0; k < 3; k++ {
		if math.Abs(back[k]-p[k]) > 1e-9 {
			t.Fatalf("invert(apply(p)) = %v, want %v", back, p)
		}
	}
}

func TestExtrinsicsCompose(t *testing.T) {
	target := rigTarget()
	a := lookAt(0, [3]float64{target[0] + 2000, target[1], 500}, target)
	b := lookAt(1, [3]float64{target[0], target[1] + 2000, 500}, target)

	// rel maps camera-a coordinates into camera-b coordinates, so
	// a.Compose(rel) must reproduce b.
	rel := a.Invert().Compose(b)
	composed := a.Compose(rel)

	p := [3]float64{100, 50, -20}
	want := b.Apply(p)
	got := composed.Apply(p)
	for k := 0; k < 3; k++ {
		if math.Abs(got[k]-want[k]) > 1e-6 {
			t.Fatalf("composed pose maps %v to %v, want %v", p, got, want)
		}
	}
}

func TestProjectBehindCamera(t *testing.T) {
	target := rigTarget()
	center := [3]float64{target[0] + 2000, target[1], 500}
	cam := &Camera{Intrinsics: rigIntrinsics(0), Extrinsics: lookAt(0, center, target)}

	if _, _, visible := cam.Project(target); !visible {
		t.Error("target point reported invisible")
	}
	// A point behind the camera, on the far side of its center from the
	// target, must be rejected.
	behind := [3]float64{center[0] + 500, center[1], center[2]}
	if _, _, visible := cam.Project(behind); visible {
		t.Error("point behind the camera reported visible")
	}
}

func TestCameraArrayPorts(t *testing.T) {
	arr, err := NewCameraArray([]Intrinsics{rigIntrinsics(4), rigIntrinsics(0), rigIntrinsics(2)})
	if err != nil {
		t.Fatalf("NewCameraArray() error = %v", err)
	}
	ports := arr.Ports()
	if len(ports) != 3 || ports[0] != 0 || ports[1] != 2 || ports[2] != 4 {
		t.Errorf("Ports() = %v, want [0 2 4]", ports)
	}
	if got := arr.PosedPorts(); len(got) != 0 {
		t.Errorf("PosedPorts() = %v, want none", got)
	}

	arr.Cameras[2].Extrinsics = Identity(2)
	if got := arr.PosedPorts(); len(got) != 1 || got[0] != 2 {
		t.Errorf("PosedPorts() = %v, want [2]", got)
	}

	// Clone is deep for extrinsics.
	cl := arr.Clone()
	cl.Cameras[2].Extrinsics.Translation[0] = 99
	if arr.Cameras[2].Extrinsics.Translation[0] == 99 {
		t.Error("Clone() shares extrinsics with the original")
	}
}
