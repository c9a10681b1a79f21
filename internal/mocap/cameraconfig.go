package mocap

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// Camera-array persistence. Intrinsics outlive a project (hardware
// calibration is reusable); extrinsics and stereo pairs are written after
// calibration so a project can be re-opened for triangulation without
// re-solving. The file must round-trip losslessly.

// CameraRecord is the persisted form of one camera.
type CameraRecord struct {
	Port          int       `toml:"port"`
	FX            float64   `toml:"fx"`
	FY            float64   `toml:"fy"`
	CX            float64   `toml:"cx"`
	CY            float64   `toml:"cy"`
	Distortion    []float64 `toml:"distortion"`
	Width         int       `toml:"width"`
	Height        int       `toml:"height"`
	RotationCount int       `toml:"rotation_count"`

	// Pose fields are absent until the camera has been calibrated.
	Rotation    []float64 `toml:"rotation,omitempty"`
	Translation []float64 `toml:"translation,omitempty"`
}

// StereoRecord is the persisted form of one pairwise calibration.
type StereoRecord struct {
	PortA       int       `toml:"port_a"`
	PortB       int       `toml:"port_b"`
	Rotation    []float64 `toml:"rotation"`
	Translation []float64 `toml:"translation"`
	RMSE        float64   `toml:"rmse"`
	SharedViews int       `toml:"shared_views"`
}

// ArrayConfig is the top-level TOML document.
type ArrayConfig struct {
	Camera []CameraRecord `toml:"camera"`
	Stereo []StereoRecord `toml:"stereo,omitempty"`
}

// ConfigFromArray converts an array and its pairwise poses to persistable
// form, cameras and pairs in deterministic port order.
func ConfigFromArray(arr *CameraArray, pairs map[[2]int]StereoPair) *ArrayConfig {
	cfg := &ArrayConfig{}
	for _, port := range arr.Ports() {
		cam := arr.Cameras[port]
		rec := CameraRecord{
			Port:          port,
			FX:            cam.Intrinsics.FX,
			FY:            cam.Intrinsics.FY,
			CX:            cam.Intrinsics.CX,
			CY:            cam.Intrinsics.CY,
			Distortion:    append([]float64(nil), cam.Intrinsics.Distortion[:]...),
			Width:         cam.Intrinsics.Width,
			Height:        cam.Intrinsics.Height,
			RotationCount: cam.Intrinsics.RotationCount,
		}
		if cam.Posed() {
			rec.Rotation = append([]float64(nil), cam.Extrinsics.Rotation[:]...)
			rec.Translation = append([]float64(nil), cam.Extrinsics.Translation[:]...)
		}
		cfg.Camera = append(cfg.Camera, rec)
	}

	keys := make([][2]int, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	for _, k := range keys {
		pair := pairs[k]
		cfg.Stereo = append(cfg.Stereo, StereoRecord{
			PortA:       pair.PortA,
			PortB:       pair.PortB,
			Rotation:    append([]float64(nil), pair.Rotation[:]...),
			Translation: append([]float64(nil), pair.Translation[:]...),
			RMSE:        pair.Score,
			SharedViews: pair.SharedViews,
		})
	}
	return cfg
}

// ToArray reconstructs the camera array and stereo pairs.
func (cfg *ArrayConfig) ToArray() (*CameraArray, map[[2]int]StereoPair, error) {
	arr := &CameraArray{Cameras: make(map[int]*Camera, len(cfg.Camera))}
	for _, rec := range cfg.Camera {
		if _, dup := arr.Cameras[rec.Port]; dup {
			return nil, nil, &InputError{Source: "camera-array", Err: fmt.Errorf("duplicate camera port %d", rec.Port)}
		}
		in := Intrinsics{
			Port: rec.Port,
			FX:   rec.FX, FY: rec.FY,
			CX: rec.CX, CY: rec.CY,
			Width:         rec.Width,
			Height:        rec.Height,
			RotationCount: rec.RotationCount,
		}
		if len(rec.Distortion) != DistortionParamCount {
			return nil, nil, &InputError{Source: "camera-array", Err: fmt.Errorf("camera %d: %d distortion coefficients, want %d", rec.Port, len(rec.Distortion), DistortionParamCount)}
		}
		copy(in.Distortion[:], rec.Distortion)
		if err := in.Validate(); err != nil {
			return nil, nil, &InputError{Source: "camera-array", Err: err}
		}
		cam := &Camera{Intrinsics: in}
		if len(rec.Rotation) > 0 || len(rec.Translation) > 0 {
			if len(rec.Rotation) != 9 || len(rec.Translation) != 3 {
				return nil, nil, &InputError{Source: "camera-array", Err: fmt.Errorf("camera %d: pose needs 9 rotation and 3 translation values", rec.Port)}
			}
			e := &Extrinsics{Port: rec.Port}
			copy(e.Rotation[:], rec.Rotation)
			copy(e.Translation[:], rec.Translation)
			cam.Extrinsics = e
		}
		arr.Cameras[rec.Port] = cam
	}

	pairs := make(map[[2]int]StereoPair, len(cfg.Stereo))
	for _, rec := range cfg.Stereo {
		if len(rec.Rotation) != 9 || len(rec.Translation) != 3 {
			return nil, nil, &InputError{Source: "camera-array", Err: fmt.Errorf("stereo pair (%d,%d): pose needs 9 rotation and 3 translation values", rec.PortA, rec.PortB)}
		}
		pair := StereoPair{
			PortA:       rec.PortA,
			PortB:       rec.PortB,
			Score:       rec.RMSE,
			SharedViews: rec.SharedViews,
		}
		copy(pair.Rotation[:], rec.Rotation)
		copy(pair.Translation[:], rec.Translation)
		pairs[orderedPair(rec.PortA, rec.PortB)] = pair
	}
	return arr, pairs, nil
}

// SaveCameraArray writes the array (and optionally its stereo pairs) as TOML.
func SaveCameraArray(path string, arr *CameraArray, pairs map[[2]int]StereoPair) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(ConfigFromArray(arr, pairs)); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

// LoadCameraArray reads a camera-array TOML file.
func LoadCameraArray(path string) (*CameraArray, map[[2]int]StereoPair, error) {
	var cfg ArrayConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, nil, &InputError{Source: "camera-array", Err: err}
	}
	return cfg.ToArray()
}
