// Package mocap implements the calibration and triangulation engine for a
// multi-camera motion capture array: frame synchronization, coverage analysis,
// pairwise pose initialization, bundle adjustment, gauge alignment and
// multi-view triangulation.
//
// All geometry follows the pinhole convention: extrinsics map world
// coordinates into the camera frame (x_cam = R*X + t), and the camera centre
// in world coordinates is -R'*t. Rotations are stored as row-major 3x3
// matrices and converted to axis-angle vectors only inside the optimizers.
package mocap

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// DistortionParamCount is the number of lens distortion coefficients in the
// fixed Brown-Conrady model (k1, k2, p1, p2, k3). The intrinsic model is
// deliberately versionless: 4 pinhole parameters plus these 5 coefficients.
const DistortionParamCount = 5

// Intrinsics holds the fixed optical parameters of one physical camera.
// Intrinsics are estimated once per camera and reused across projects.
type Intrinsics struct {
	Port int

	// Pinhole matrix parameters in pixels.
	FX, FY float64
	CX, CY float64

	// Distortion coefficients k1, k2, p1, p2, k3.
	Distortion [DistortionParamCount]float64

	// Sensor resolution in pixels.
	Width, Height int

	// RotationCount is the number of 90-degree clockwise rotations applied to
	// the image before landmark detection. Observations, resolution, and the
	// calibrated intrinsics all live in the rotated frame already, so no
	// remapping happens here; the count is carried so capture tooling can
	// reproduce the orientation the calibration was performed in.
	RotationCount int
}

// Validate reports whether the intrinsics describe a usable camera.
func (in *Intrinsics) Validate() error {
	if in.FX <= 0 || in.FY <= 0 {
		return fmt.Errorf("camera %d: non-positive focal length (%.3f, %.3f)", in.Port, in.FX, in.FY)
	}
	if in.Width <= 0 || in.Height <= 0 {
		return fmt.Errorf("camera %d: non-positive resolution %dx%d", in.Port, in.Width, in.Height)
	}
	if in.RotationCount < 0 || in.RotationCount > 3 {
		return fmt.Errorf("camera %d: rotation_count %d outside {0,1,2,3}", in.Port, in.RotationCount)
	}
	return nil
}

// Matrix returns the 3x3 pinhole matrix K.
func (in *Intrinsics) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		in.FX, 0, in.CX,
		0, in.FY, in.CY,
		0, 0, 1,
	})
}

// Distort applies the Brown-Conrady forward model to a normalized image
// coordinate and returns the distorted pixel position.
func (in *Intrinsics) Distort(xn, yn float64) (float64, float64) {
	k1, k2, p1, p2, k3 := in.Distortion[0], in.Distortion[1], in.Distortion[2], in.Distortion[3], in.Distortion[4]
	r2 := xn*xn + yn*yn
	radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
	xd := xn*radial + 2*p1*xn*yn + p2*(r2+2*xn*xn)
	yd := yn*radial + p1*(r2+2*yn*yn) + 2*p2*xn*yn
	return xd*in.FX + in.CX, yd*in.FY + in.CY
}

// Undistort inverts the distortion model for a pixel observation using
// fixed-point iteration and returns the ideal (undistorted) pixel position.
// iters rounds are run; three is sufficient for typical lenses.
func (in *Intrinsics) Undistort(px, py float64, iters int) (float64, float64) {
	k1, k2, p1, p2, k3 := in.Distortion[0], in.Distortion[1], in.Distortion[2], in.Distortion[3], in.Distortion[4]
	x0 := (px - in.CX) / in.FX
	y0 := (py - in.CY) / in.FY
	x, y := x0, y0
	for i := 0; i < iters; i++ {
		r2 := x*x + y*y
		kInv := 1 / (1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2)
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		x = (x0 - dx) * kInv
		y = (y0 - dy) * kInv
	}
	return x*in.FX + in.CX, y*in.FY + in.CY
}

// Extrinsics holds a camera pose relative to the shared world frame,
// mapping world coordinates into the camera frame.
type Extrinsics struct {
	Port        int
	Rotation    [9]float64 // row-major 3x3, orthonormal
	Translation [3]float64
}

// Identity returns extrinsics placing the camera at the world origin.
func Identity(port int) *Extrinsics {
	return &Extrinsics{Port: port, Rotation: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// Apply maps a world point into the camera frame.
func (e *Extrinsics) Apply(p [3]float64) [3]float64 {
	r := &e.Rotation
	return [3]float64{
		r[0]*p[0] + r[1]*p[1] + r[2]*p[2] + e.Translation[0],
		r[3]*p[0] + r[4]*p[1] + r[5]*p[2] + e.Translation[1],
		r[6]*p[0] + r[7]*p[1] + r[8]*p[2] + e.Translation[2],
	}
}

// Center returns the camera centre in world coordinates (-R'*t).
func (e *Extrinsics) Center() [3]float64 {
	r, t := &e.Rotation, &e.Translation
	return [3]float64{
		-(r[0]*t[0] + r[3]*t[1] + r[6]*t[2]),
		-(r[1]*t[0] + r[4]*t[1] + r[7]*t[2]),
		-(r[2]*t[0] + r[5]*t[1] + r[8]*t[2]),
	}
}

// Compose returns the pose that first applies e and then applies rel, so that
// rel expresses a second camera relative to the frame of e.
func (e *Extrinsics) Compose(rel *Extrinsics) *Extrinsics {
	a, b := &rel.Rotation, &e.Rotation
	var out Extrinsics
	out.Port = rel.Port
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += a[i*3+k] * b[k*3+j]
			}
			out.Rotation[i*3+j] = s
		}
	}
	for i := 0; i < 3; i++ {
		out.Translation[i] = rel.Translation[i]
		for k := 0; k < 3; k++ {
			out.Translation[i] += a[i*3+k] * e.Translation[k]
		}
	}
	return &out
}

// Invert returns the inverse pose (camera frame to world frame expressed as
// extrinsics of the opposite direction).
func (e *Extrinsics) Invert() *Extrinsics {
	r, t := &e.Rotation, &e.Translation
	var out Extrinsics
	out.Port = e.Port
	// R' on the rotation, -R'*t on the translation.
	out.Rotation = [9]float64{
		r[0], r[3], r[6],
		r[1], r[4], r[7],
		r[2], r[5], r[8],
	}
	out.Translation = [3]float64{
		-(r[0]*t[0] + r[3]*t[1] + r[6]*t[2]),
		-(r[1]*t[0] + r[4]*t[1] + r[7]*t[2]),
		-(r[2]*t[0] + r[5]*t[1] + r[8]*t[2]),
	}
	return &out
}

// RotationVector converts the rotation to its axis-angle representation.
func (e *Extrinsics) RotationVector() [3]float64 {
	return matrixToRodrigues(e.Rotation)
}

// SetRotationVector replaces the rotation from an axis-angle vector.
func (e *Extrinsics) SetRotationVector(rvec [3]float64) {
	e.Rotation = rodriguesToMatrix(rvec)
}

// Camera pairs the intrinsic model of a physical camera with its estimated
// pose. Extrinsics is nil until the camera has been posed.
type Camera struct {
	Intrinsics Intrinsics
	Extrinsics *Extrinsics
}

// Posed reports whether the camera has an estimated pose.
func (c *Camera) Posed() bool { return c.Extrinsics != nil }

// ProjectionMatrix returns the 3x4 matrix K*[R|t]. The camera must be posed.
func (c *Camera) ProjectionMatrix() *mat.Dense {
	e := c.Extrinsics
	rt := mat.NewDense(3, 4, []float64{
		e.Rotation[0], e.Rotation[1], e.Rotation[2], e.Translation[0],
		e.Rotation[3], e.Rotation[4], e.Rotation[5], e.Translation[1],
		e.Rotation[6], e.Rotation[7], e.Rotation[8], e.Translation[2],
	})
	var p mat.Dense
	p.Mul(c.Intrinsics.Matrix(), rt)
	return &p
}

// Project maps a world point to a distorted pixel observation. The second
// return value is false when the point is behind the camera.
func (c *Camera) Project(p [3]float64) (float64, float64, bool) {
	cam := c.Extrinsics.Apply(p)
	if cam[2] <= 0 {
		return 0, 0, false
	}
	px, py := c.Intrinsics.Distort(cam[0]/cam[2], cam[1]/cam[2])
	return px, py, true
}

// CameraArray maps every camera port to its intrinsics and pose. It is the
// unit handed between the initializer, the optimizer, the gauge aligner and
// the triangulator. It is safe for concurrent readers once calibration has
// finished; the optimizer owns it exclusively while running.
type CameraArray struct {
	Cameras map[int]*Camera
}

// NewCameraArray builds an array from per-camera intrinsics, all unposed.
func NewCameraArray(intrinsics []Intrinsics) (*CameraArray, error) {
	arr := &CameraArray{Cameras: make(map[int]*Camera, len(intrinsics))}
	for _, in := range intrinsics {
		if err := in.Validate(); err != nil {
			return nil, &InputError{Source: "intrinsics", Err: err}
		}
		if _, dup := arr.Cameras[in.Port]; dup {
			return nil, &InputError{Source: "intrinsics", Err: fmt.Errorf("duplicate camera port %d", in.Port)}
		}
		arr.Cameras[in.Port] = &Camera{Intrinsics: in}
	}
	return arr, nil
}

// Ports returns all camera ports in ascending order.
func (a *CameraArray) Ports() []int {
	ports := make([]int, 0, len(a.Cameras))
	for p := range a.Cameras {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// PosedPorts returns the ports of all posed cameras in ascending order.
func (a *CameraArray) PosedPorts() []int {
	ports := make([]int, 0, len(a.Cameras))
	for p, c := range a.Cameras {
		if c.Posed() {
			ports = append(ports, p)
		}
	}
	sort.Ints(ports)
	return ports
}

// Clone deep-copies the array so an optimizer can work on scratch state and
// commit only on success.
func (a *CameraArray) Clone() *CameraArray {
	out := &CameraArray{Cameras: make(map[int]*Camera, len(a.Cameras))}
	for p, c := range a.Cameras {
		cc := &Camera{Intrinsics: c.Intrinsics}
		if c.Extrinsics != nil {
			e := *c.Extrinsics
			cc.Extrinsics = &e
		}
		out.Cameras[p] = cc
	}
	return out
}

// rodriguesToMatrix converts an axis-angle vector to a row-major rotation
// matrix.
func rodriguesToMatrix(rvec [3]float64) [9]float64 {
	theta := math.Sqrt(rvec[0]*rvec[0] + rvec[1]*rvec[1] + rvec[2]*rvec[2])
	if theta < 1e-12 {
		return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	}
	kx, ky, kz := rvec[0]/theta, rvec[1]/theta, rvec[2]/theta
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c
	return [9]float64{
		c + kx*kx*v, kx*ky*v - kz*s, kx*kz*v + ky*s,
		ky*kx*v + kz*s, c + ky*ky*v, ky*kz*v - kx*s,
		kz*kx*v - ky*s, kz*ky*v + kx*s, c + kz*kz*v,
	}
}

// matrixToRodrigues converts a row-major rotation matrix to its axis-angle
// vector.
func matrixToRodrigues(r [9]float64) [3]float64 {
	trace := r[0] + r[4] + r[8]
	cosTheta := (trace - 1) / 2
	if cosTheta > 1 {
		cosTheta = 1
	} else if cosTheta < -1 {
		cosTheta = -1
	}
	theta := math.Acos(cosTheta)
	if theta < 1e-12 {
		return [3]float64{}
	}
	if math.Pi-theta < 1e-6 {
		// Near 180 degrees the sine form degenerates; recover the axis from
		// the diagonal of (R+I)/2.
		xx := math.Sqrt(math.Max(0, (r[0]+1)/2))
		yy := math.Sqrt(math.Max(0, (r[4]+1)/2))
		zz := math.Sqrt(math.Max(0, (r[8]+1)/2))
		// Fix signs using the off-diagonal sums.
		if r[1]+r[3] < 0 {
			yy = -yy
		}
		if r[2]+r[6] < 0 {
			zz = -zz
		}
		return [3]float64{theta * xx, theta * yy, theta * zz}
	}
	k := theta / (2 * math.Sin(theta))
	return [3]float64{
		k * (r[7] - r[5]),
		k * (r[2] - r[6]),
		k * (r[3] - r[1]),
	}
}
