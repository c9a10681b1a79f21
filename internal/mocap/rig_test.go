package mocap

import (
	"math"
	"math/rand"
	"testing"
)

// Shared synthetic capture volume for the heavier tests: four cameras on a
// ring around a moving planar calibration grid, with known ground truth for
// every pose and landmark.

const (
	rigRingRadius = 2000.0 // mm
	rigRingHeight = 500.0  // mm
	rigRows       = 5
	rigCols       = 7
	rigSpacing    = 50.0 // mm
)

type testRig struct {
	truth  *CameraArray // posed ground-truth array
	arr    *CameraArray // intrinsics only, poses stripped
	object *CalibrationObject
	obs    *ObservationSet
	world  map[ObsKey][3]float64 // ground-truth landmark positions
}

// rigTarget is the grid center in object coordinates; all cameras aim at it.
func rigTarget() [3]float64 {
	return [3]float64{float64(rigCols-1) * rigSpacing / 2, float64(rigRows-1) * rigSpacing / 2, 0}
}

// lookAt builds world-to-camera extrinsics for a camera at center aimed at
// target, with camera x kept level against world z-up.
func lookAt(port int, center, target [3]float64) *Extrinsics {
	var fz [3]float64
	var norm float64
	for k := 0; k < 3; k++ {
		fz[k] = target[k] - center[k]
		norm += fz[k] * fz[k]
	}
	norm = math.Sqrt(norm)
	for k := 0; k < 3; k++ {
		fz[k] /= norm
	}
	// x = normalize(up x z), y = z x x, rows of R are the camera axes.
	fx := [3]float64{-fz[1], fz[0], 0}
	nx := math.Hypot(fx[0], fx[1])
	fx[0] /= nx
	fx[1] /= nx
	fy := [3]float64{
		fz[1]*fx[2] - fz[2]*fx[1],
		fz[2]*fx[0] - fz[0]*fx[2],
		fz[0]*fx[1] - fz[1]*fx[0],
	}

	e := &Extrinsics{Port: port, Rotation: [9]float64{
		fx[0], fx[1], fx[2],
		fy[0], fy[1], fy[2],
		fz[0], fz[1], fz[2],
	}}
	for i := 0; i < 3; i++ {
		e.Translation[i] = -(e.Rotation[i*3+0]*center[0] + e.Rotation[i*3+1]*center[1] + e.Rotation[i*3+2]*center[2])
	}
	return e
}

func rigIntrinsics(port int) Intrinsics {
	return Intrinsics{
		Port: port,
		FX:   1400, FY: 1400,
		CX: 960, CY: 540,
		Distortion: [DistortionParamCount]float64{-0.08, 0.02, 0.0001, -0.0001, 0},
		Width:      1920,
		Height:     1080,
	}
}

// rigPose returns the grid's rigid placement at one sync index. Sync 0 is
// the identity, so object coordinates double as the ground-truth world frame.
func rigPose(sync int) ([9]float64, [3]float64) {
	if sync == 0 {
		return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, [3]float64{}
	}
	s := float64(sync)
	rvec := [3]float64{
		0.30 * math.Sin(s*1.1+0.5),
		0.20 * math.Sin(s*0.9+1.7),
		0.40 * math.Sin(s*0.7),
	}
	offset := [3]float64{
		120 * math.Sin(s*0.8),
		90 * math.Cos(s*1.3),
		60 * math.Sin(s*0.9+1.0),
	}
	return rodriguesToMatrix(rvec), offset
}

// buildRig synthesizes a full capture: frames sync indices of a moving grid
// observed by four ring cameras, with Gaussian pixel noise of the given
// sigma. The grid rotates about its own center so sync 0 keeps landmarks at
// their object coordinates.
func buildRig(t *testing.T, frames int, noiseSigma float64, seed int64) *testRig {
	t.Helper()

	target := rigTarget()
	truth := &CameraArray{Cameras: make(map[int]*Camera)}
	for port := 0; port < 4; port++ {
		theta := 2 * math.Pi * float64(port) / 4
		center := [3]float64{
			target[0] + rigRingRadius*math.Cos(theta),
			target[1] + rigRingRadius*math.Sin(theta),
			rigRingHeight,
		}
		truth.Cameras[port] = &Camera{
			Intrinsics: rigIntrinsics(port),
			Extrinsics: lookAt(port, center, target),
		}
	}

	object := PlanarGrid(rigRows, rigCols, rigSpacing)
	rng := rand.New(rand.NewSource(seed))
	obs := NewObservationSet()
	world := make(map[ObsKey][3]float64)

	for sync := 0; sync < frames; sync++ {
		rot, offset := rigPose(sync)
		// Fixed id and port order keeps the noise stream reproducible.
		for id := 0; id < rigRows*rigCols; id++ {
			local := object.Points[id]
			var centered [3]float64
			for k := 0; k < 3; k++ {
				centered[k] = local[k] - target[k]
			}
			var p [3]float64
			for i := 0; i < 3; i++ {
				p[i] = rot[i*3+0]*centered[0] + rot[i*3+1]*centered[1] + rot[i*3+2]*centered[2] +
					target[i] + offset[i]
			}
			world[ObsKey{SyncIndex: sync, PointID: id}] = p

			for port := 0; port < 4; port++ {
				cam := truth.Cameras[port]
				px, py, visible := cam.Project(p)
				if !visible {
					continue
				}
				if noiseSigma > 0 {
					px += rng.NormFloat64() * noiseSigma
					py += rng.NormFloat64() * noiseSigma
				}
				obs.Add(Observation{SyncIndex: sync, Port: port, PointID: id, X: px, Y: py})
			}
		}
	}

	arr := truth.Clone()
	for _, cam := range arr.Cameras {
		cam.Extrinsics = nil
	}

	return &testRig{truth: truth, arr: arr, object: object, obs: obs, world: world}
}

// centerDistance returns the distance between two cameras' optical centers.
func centerDistance(a, b *Extrinsics) float64 {
	ca, cb := a.Center(), b.Center()
	dx, dy, dz := ca[0]-cb[0], ca[1]-cb[1], ca[2]-cb[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
