package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TuningConfig represents the root configuration for linker tuning parameters.
// All fields are pointers so a JSON file only needs to list the values it
// overrides; omitted fields keep their compiled-in defaults.
type TuningConfig struct {
	// Gating params
	GatingRadiusUm    *float64 `json:"gating_radius_um,omitempty"`
	FrameGapTolerance *int     `json:"frame_gap_tolerance,omitempty"`

	// Event penalties (real cost units, before integer scaling)
	AppearancePenalty    *float64 `json:"appearance_penalty,omitempty"`
	DisappearancePenalty *float64 `json:"disappearance_penalty,omitempty"`
	DetectionWeight      *float64 `json:"detection_weight,omitempty"`

	// Division params
	DivisionRadiusUm       *float64 `json:"division_radius_um,omitempty"`
	DivisionWeight         *float64 `json:"division_weight,omitempty"`
	DivisionScoreThreshold *float64 `json:"division_score_threshold,omitempty"`
	DivisionAsymmetryLimit *float64 `json:"division_asymmetry_limit,omitempty"`

	// Cost model selection: "distance" or "distance_feature"
	CostModel     *string  `json:"cost_model,omitempty"`
	FeatureWeight *float64 `json:"feature_weight,omitempty"`

	// Solver params
	CostScale     *float64 `json:"cost_scale,omitempty"`
	TargetFlow    *int     `json:"target_flow,omitempty"`
	MaxSweepFlow  *int     `json:"max_sweep_flow,omitempty"`
	SolverWorkers *int     `json:"solver_workers,omitempty"`

	// Image resolution
	PixelSizeXYUm     *float64 `json:"pixel_size_xy_um,omitempty"`
	PixelSizeZUm      *float64 `json:"pixel_size_z_um,omitempty"`
	FrameIntervalMins *float64 `json:"frame_interval_mins,omitempty"`
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &TuningConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cleanPath, err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid. Violations here
// are configuration errors: they are rejected before any graph is built.
func (c *TuningConfig) Validate() error {
	if c.GatingRadiusUm != nil && *c.GatingRadiusUm <= 0 {
		return fmt.Errorf("gating_radius_um must be positive, got %f", *c.GatingRadiusUm)
	}
	if c.FrameGapTolerance != nil && *c.FrameGapTolerance < 1 {
		return fmt.Errorf("frame_gap_tolerance must be at least 1, got %d", *c.FrameGapTolerance)
	}
	if c.AppearancePenalty != nil && *c.AppearancePenalty < 0 {
		return fmt.Errorf("appearance_penalty must be non-negative, got %f", *c.AppearancePenalty)
	}
	if c.DisappearancePenalty != nil && *c.DisappearancePenalty < 0 {
		return fmt.Errorf("disappearance_penalty must be non-negative, got %f", *c.DisappearancePenalty)
	}
	if c.DetectionWeight != nil && *c.DetectionWeight < 0 {
		return fmt.Errorf("detection_weight must be non-negative, got %f", *c.DetectionWeight)
	}
	if c.DivisionRadiusUm != nil && *c.DivisionRadiusUm <= 0 {
		return fmt.Errorf("division_radius_um must be positive, got %f", *c.DivisionRadiusUm)
	}
	if c.DivisionScoreThreshold != nil && (*c.DivisionScoreThreshold < 0 || *c.DivisionScoreThreshold > 1) {
		return fmt.Errorf("division_score_threshold must be between 0 and 1, got %f", *c.DivisionScoreThreshold)
	}
	if c.DivisionAsymmetryLimit != nil && (*c.DivisionAsymmetryLimit < 0 || *c.DivisionAsymmetryLimit > 1) {
		return fmt.Errorf("division_asymmetry_limit must be between 0 and 1, got %f", *c.DivisionAsymmetryLimit)
	}
	if c.CostModel != nil {
		switch *c.CostModel {
		case "distance", "distance_feature":
		default:
			return fmt.Errorf("cost_model must be \"distance\" or \"distance_feature\", got %q", *c.CostModel)
		}
	}
	if c.CostScale != nil && *c.CostScale <= 0 {
		return fmt.Errorf("cost_scale must be positive, got %f", *c.CostScale)
	}
	if c.TargetFlow != nil && *c.TargetFlow < 0 {
		return fmt.Errorf("target_flow must be non-negative, got %d", *c.TargetFlow)
	}
	if c.MaxSweepFlow != nil && *c.MaxSweepFlow < 1 {
		return fmt.Errorf("max_sweep_flow must be at least 1, got %d", *c.MaxSweepFlow)
	}
	if c.SolverWorkers != nil && *c.SolverWorkers < 1 {
		return fmt.Errorf("solver_workers must be at least 1, got %d", *c.SolverWorkers)
	}
	if c.PixelSizeXYUm != nil && *c.PixelSizeXYUm <= 0 {
		return fmt.Errorf("pixel_size_xy_um must be positive, got %f", *c.PixelSizeXYUm)
	}
	if c.PixelSizeZUm != nil && *c.PixelSizeZUm <= 0 {
		return fmt.Errorf("pixel_size_z_um must be positive, got %f", *c.PixelSizeZUm)
	}
	if c.FrameIntervalMins != nil && *c.FrameIntervalMins < 0 {
		return fmt.Errorf("frame_interval_mins must be non-negative, got %f", *c.FrameIntervalMins)
	}
	return nil
}

// GetGatingRadiusUm returns the gating radius in micrometers.
func (c *TuningConfig) GetGatingRadiusUm() float64 {
	if c.GatingRadiusUm == nil {
		return 20.0
	}
	return *c.GatingRadiusUm
}

// GetFrameGapTolerance returns how many frames a migration link may span.
func (c *TuningConfig) GetFrameGapTolerance() int {
	if c.FrameGapTolerance == nil {
		return 1
	}
	return *c.FrameGapTolerance
}

// GetAppearancePenalty returns the appearance penalty.
func (c *TuningConfig) GetAppearancePenalty() float64 {
	if c.AppearancePenalty == nil {
		return 10.0
	}
	return *c.AppearancePenalty
}

// GetDisappearancePenalty returns the disappearance penalty.
func (c *TuningConfig) GetDisappearancePenalty() float64 {
	if c.DisappearancePenalty == nil {
		return 10.0
	}
	return *c.DisappearancePenalty
}

// GetDetectionWeight returns the reward for explaining a detection.
func (c *TuningConfig) GetDetectionWeight() float64 {
	if c.DetectionWeight == nil {
		return 30.0
	}
	return *c.DetectionWeight
}

// GetDivisionRadiusUm returns the division gating radius in micrometers.
func (c *TuningConfig) GetDivisionRadiusUm() float64 {
	if c.DivisionRadiusUm == nil {
		return c.GetGatingRadiusUm()
	}
	return *c.DivisionRadiusUm
}

// GetDivisionWeight returns the weight applied to division costs.
func (c *TuningConfig) GetDivisionWeight() float64 {
	if c.DivisionWeight == nil {
		return 1.0
	}
	return *c.DivisionWeight
}

// GetDivisionScoreThreshold returns the minimum mother score for a detection
// to be considered a division candidate.
func (c *TuningConfig) GetDivisionScoreThreshold() float64 {
	if c.DivisionScoreThreshold == nil {
		return 0.05
	}
	return *c.DivisionScoreThreshold
}

// GetDivisionAsymmetryLimit returns the maximum admissible daughter
// distance asymmetry.
func (c *TuningConfig) GetDivisionAsymmetryLimit() float64 {
	if c.DivisionAsymmetryLimit == nil {
		return 0.75
	}
	return *c.DivisionAsymmetryLimit
}

// GetCostModel returns the configured cost model name.
func (c *TuningConfig) GetCostModel() string {
	if c.CostModel == nil {
		return "distance"
	}
	return *c.CostModel
}

// GetFeatureWeight returns the weight of the feature term in the
// distance_feature cost model.
func (c *TuningConfig) GetFeatureWeight() float64 {
	if c.FeatureWeight == nil {
		return 1.0
	}
	return *c.FeatureWeight
}

// GetCostScale returns the float-to-integer cost scale factor.
func (c *TuningConfig) GetCostScale() float64 {
	if c.CostScale == nil {
		return 1000.0
	}
	return *c.CostScale
}

// GetTargetFlow returns the fixed total flow value, or 0 for sweep mode.
func (c *TuningConfig) GetTargetFlow() int {
	if c.TargetFlow == nil {
		return 0
	}
	return *c.TargetFlow
}

// GetMaxSweepFlow returns the upper bound for flow-value sweeps.
func (c *TuningConfig) GetMaxSweepFlow() int {
	if c.MaxSweepFlow == nil {
		return 0 // 0 means: bounded by the number of detections
	}
	return *c.MaxSweepFlow
}

// GetSolverWorkers returns the number of parallel component solvers.
func (c *TuningConfig) GetSolverWorkers() int {
	if c.SolverWorkers == nil {
		return 4
	}
	return *c.SolverWorkers
}

// GetPixelSizeXYUm returns the lateral pixel size in micrometers.
func (c *TuningConfig) GetPixelSizeXYUm() float64 {
	if c.PixelSizeXYUm == nil {
		return 1.0
	}
	return *c.PixelSizeXYUm
}

// GetPixelSizeZUm returns the axial pixel size in micrometers.
func (c *TuningConfig) GetPixelSizeZUm() float64 {
	if c.PixelSizeZUm == nil {
		return 1.0
	}
	return *c.PixelSizeZUm
}

// GetFrameIntervalMins returns the time between frames in minutes.
func (c *TuningConfig) GetFrameIntervalMins() float64 {
	if c.FrameIntervalMins == nil {
		return 0
	}
	return *c.FrameIntervalMins
}
