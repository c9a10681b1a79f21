package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for calibration and
// triangulation tuning parameters. All fields are pointers so a partial
// JSON file only overrides what it names; the Get* methods supply the
// fallback defaults.
type TuningConfig struct {
	// Synchronizer params
	SyncWindowFraction *float64 `json:"sync_window_fraction,omitempty"`
	FrameRate          *float64 `json:"frame_rate,omitempty"`

	// Pairwise initialization params
	MinSharedViews           *int `json:"min_shared_views,omitempty"`
	StereoMinCorrespondences *int `json:"stereo_min_correspondences,omitempty"`
	StereoRefineIterations   *int `json:"stereo_refine_iterations,omitempty"`

	// Joint refinement params
	BundleMaxIterations *int     `json:"bundle_max_iterations,omitempty"`
	BundleFtol          *float64 `json:"bundle_ftol,omitempty"`
	BundleInitialLambda *float64 `json:"bundle_initial_lambda,omitempty"`

	// Shared projection params
	UndistortIterations *int `json:"undistort_iterations,omitempty"`

	// Triangulation params
	TriangulateWorkers *int `json:"triangulate_workers,omitempty"`

	// Calibration object params
	ObjectRows      *int     `json:"object_rows,omitempty"`
	ObjectCols      *int     `json:"object_cols,omitempty"`
	ObjectSpacingMM *float64 `json:"object_spacing_mm,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.SyncWindowFraction != nil {
		if *c.SyncWindowFraction <= 0 || *c.SyncWindowFraction > 1 {
			return fmt.Errorf("sync_window_fraction must be in (0, 1], got %f", *c.SyncWindowFraction)
		}
	}
	if c.FrameRate != nil && *c.FrameRate <= 0 {
		return fmt.Errorf("frame_rate must be positive, got %f", *c.FrameRate)
	}
	if c.MinSharedViews != nil && *c.MinSharedViews < 2 {
		return fmt.Errorf("min_shared_views must be at least 2, got %d", *c.MinSharedViews)
	}
	if c.StereoMinCorrespondences != nil && *c.StereoMinCorrespondences < 8 {
		return fmt.Errorf("stereo_min_correspondences must be at least 8, got %d", *c.StereoMinCorrespondences)
	}
	if c.StereoRefineIterations != nil && *c.StereoRefineIterations < 0 {
		return fmt.Errorf("stereo_refine_iterations must be non-negative, got %d", *c.StereoRefineIterations)
	}
	if c.BundleMaxIterations != nil && *c.BundleMaxIterations < 1 {
		return fmt.Errorf("bundle_max_iterations must be positive, got %d", *c.BundleMaxIterations)
	}
	if c.BundleFtol != nil && *c.BundleFtol <= 0 {
		return fmt.Errorf("bundle_ftol must be positive, got %g", *c.BundleFtol)
	}
	if c.BundleInitialLambda != nil && *c.BundleInitialLambda <= 0 {
		return fmt.Errorf("bundle_initial_lambda must be positive, got %g", *c.BundleInitialLambda)
	}
	if c.UndistortIterations != nil && *c.UndistortIterations < 1 {
		return fmt.Errorf("undistort_iterations must be positive, got %d", *c.UndistortIterations)
	}
	if c.TriangulateWorkers != nil && *c.TriangulateWorkers < 0 {
		return fmt.Errorf("triangulate_workers must be non-negative, got %d", *c.TriangulateWorkers)
	}
	if c.ObjectRows != nil && *c.ObjectRows < 2 {
		return fmt.Errorf("object_rows must be at least 2, got %d", *c.ObjectRows)
	}
	if c.ObjectCols != nil && *c.ObjectCols < 2 {
		return fmt.Errorf("object_cols must be at least 2, got %d", *c.ObjectCols)
	}
	if c.ObjectSpacingMM != nil && *c.ObjectSpacingMM <= 0 {
		return fmt.Errorf("object_spacing_mm must be positive, got %f", *c.ObjectSpacingMM)
	}
	return nil
}

// GetSyncWindowFraction returns the sync_window_fraction value or the default.
func (c *TuningConfig) GetSyncWindowFraction() float64 {
	if c.SyncWindowFraction == nil {
		return 0.5 // default: half the frame interval
	}
	return *c.SyncWindowFraction
}

// GetFrameRate returns the frame_rate value or the default.
func (c *TuningConfig) GetFrameRate() float64 {
	if c.FrameRate == nil {
		return 30.0
	}
	return *c.FrameRate
}

// GetSyncWindow returns the merge window in seconds derived from the frame
// rate and window fraction.
func (c *TuningConfig) GetSyncWindow() float64 {
	return c.GetSyncWindowFraction() / c.GetFrameRate()
}

// GetMinSharedViews returns the min_shared_views value or the default.
func (c *TuningConfig) GetMinSharedViews() int {
	if c.MinSharedViews == nil {
		return 10
	}
	return *c.MinSharedViews
}

// GetStereoMinCorrespondences returns the stereo_min_correspondences value or the default.
func (c *TuningConfig) GetStereoMinCorrespondences() int {
	if c.StereoMinCorrespondences == nil {
		return 24
	}
	return *c.StereoMinCorrespondences
}

// GetStereoRefineIterations returns the stereo_refine_iterations value or the default.
func (c *TuningConfig) GetStereoRefineIterations() int {
	if c.StereoRefineIterations == nil {
		return 60
	}
	return *c.StereoRefineIterations
}

// GetBundleMaxIterations returns the bundle_max_iterations value or the default.
func (c *TuningConfig) GetBundleMaxIterations() int {
	if c.BundleMaxIterations == nil {
		return 50
	}
	return *c.BundleMaxIterations
}

// GetBundleFtol returns the bundle_ftol value or the default.
func (c *TuningConfig) GetBundleFtol() float64 {
	if c.BundleFtol == nil {
		return 1e-8
	}
	return *c.BundleFtol
}

// GetBundleInitialLambda returns the bundle_initial_lambda value or the default.
func (c *TuningConfig) GetBundleInitialLambda() float64 {
	if c.BundleInitialLambda == nil {
		return 1e-3
	}
	return *c.BundleInitialLambda
}

// GetUndistortIterations returns the undistort_iterations value or the default.
func (c *TuningConfig) GetUndistortIterations() int {
	if c.UndistortIterations == nil {
		return 3
	}
	return *c.UndistortIterations
}

// GetTriangulateWorkers returns the triangulate_workers value or the default.
// Zero means one worker per CPU.
func (c *TuningConfig) GetTriangulateWorkers() int {
	if c.TriangulateWorkers == nil {
		return 0
	}
	return *c.TriangulateWorkers
}

// GetObjectRows returns the object_rows value or the default.
func (c *TuningConfig) GetObjectRows() int {
	if c.ObjectRows == nil {
		return 5
	}
	return *c.ObjectRows
}

// GetObjectCols returns the object_cols value or the default.
func (c *TuningConfig) GetObjectCols() int {
	if c.ObjectCols == nil {
		return 7
	}
	return *c.ObjectCols
}

// GetObjectSpacingMM returns the object_spacing_mm value or the default.
func (c *TuningConfig) GetObjectSpacingMM() float64 {
	if c.ObjectSpacingMM == nil {
		return 50.0
	}
	return *c.ObjectSpacingMM
}
