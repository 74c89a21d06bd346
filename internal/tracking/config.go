package tracking

import "fmt"

// LinkerConfig holds configuration parameters for the linker.
type LinkerConfig struct {
	GatingRadiusUm    float64 // Max distance for a migration link (micrometers)
	FrameGapTolerance int     // Max frames a migration link may span (>= 1)

	AppearancePenalty    float64 // Cost of starting a track mid-sequence
	DisappearancePenalty float64 // Cost of ending a track mid-sequence

	// DetectionWeight is the reward for explaining a detection with a track
	// (equivalently, the cost of leaving it unexplained). It is what makes
	// flow-value sweeps meaningful: with a zero weight the cheapest
	// explanation is always the empty one. Selection arcs carry it as a
	// negative cost.
	DetectionWeight float64

	DivisionRadiusUm       float64 // Max parent-to-daughter distance (micrometers)
	DivisionWeight         float64 // Multiplier on division costs
	DivisionScoreThreshold float64 // Min mother score to hypothesize a division
	DivisionAsymmetryLimit float64 // Max daughter asymmetry for an admissible division

	FeatureWeight float64 // Weight of the feature term in feature-aware cost models

	CostScale    float64 // Float cost to integer cost scale factor
	TargetFlow   int     // Fixed trajectory count; 0 selects sweep mode
	MaxSweepFlow int     // Sweep upper bound; 0 means bounded by detection count

	SolverWorkers int // Parallel component solvers

	Resolution Resolution // Physical image scale
}

// DefaultLinkerConfig returns the default linker configuration. The division
// score threshold matches the minimum mother score the upstream detector
// considers meaningful.
func DefaultLinkerConfig() LinkerConfig {
	return LinkerConfig{
		GatingRadiusUm:         20.0,
		FrameGapTolerance:      1,
		AppearancePenalty:      10.0,
		DisappearancePenalty:   10.0,
		DetectionWeight:        30.0,
		DivisionRadiusUm:       20.0,
		DivisionWeight:         1.0,
		DivisionScoreThreshold: 0.05,
		DivisionAsymmetryLimit: 0.75,
		FeatureWeight:          1.0,
		CostScale:              1000.0,
		TargetFlow:             0,
		MaxSweepFlow:           0,
		SolverWorkers:          4,
		Resolution: Resolution{
			PixelSizeXYUm:     1.0,
			PixelSizeZUm:      1.0,
			FrameIntervalMins: 0,
		},
	}
}

// Validate checks the configuration before any graph is built. All
// violations are configuration errors; nothing downstream runs until the
// config is clean.
func (c *LinkerConfig) Validate() error {
	if c.GatingRadiusUm <= 0 {
		return fmt.Errorf("config: gating radius must be positive, got %g", c.GatingRadiusUm)
	}
	if c.FrameGapTolerance < 1 {
		return fmt.Errorf("config: frame gap tolerance must be at least 1, got %d", c.FrameGapTolerance)
	}
	if c.AppearancePenalty < 0 {
		return fmt.Errorf("config: appearance penalty cannot be negative, got %g", c.AppearancePenalty)
	}
	if c.DisappearancePenalty < 0 {
		return fmt.Errorf("config: disappearance penalty cannot be negative, got %g", c.DisappearancePenalty)
	}
	if c.DetectionWeight < 0 {
		return fmt.Errorf("config: detection weight cannot be negative, got %g", c.DetectionWeight)
	}
	if c.DivisionRadiusUm <= 0 {
		return fmt.Errorf("config: division radius must be positive, got %g", c.DivisionRadiusUm)
	}
	if c.DivisionWeight < 0 {
		return fmt.Errorf("config: division weight cannot be negative, got %g", c.DivisionWeight)
	}
	if c.DivisionScoreThreshold < 0 || c.DivisionScoreThreshold > 1 {
		return fmt.Errorf("config: division score threshold must be in [0, 1], got %g", c.DivisionScoreThreshold)
	}
	if c.DivisionAsymmetryLimit < 0 || c.DivisionAsymmetryLimit > 1 {
		return fmt.Errorf("config: division asymmetry limit must be in [0, 1], got %g", c.DivisionAsymmetryLimit)
	}
	if c.FeatureWeight < 0 {
		return fmt.Errorf("config: feature weight cannot be negative, got %g", c.FeatureWeight)
	}
	if c.CostScale <= 0 {
		return fmt.Errorf("config: cost scale must be positive, got %g", c.CostScale)
	}
	if c.TargetFlow < 0 {
		return fmt.Errorf("config: target flow cannot be negative, got %d", c.TargetFlow)
	}
	if c.MaxSweepFlow < 0 {
		return fmt.Errorf("config: max sweep flow cannot be negative, got %d", c.MaxSweepFlow)
	}
	if c.SolverWorkers < 1 {
		return fmt.Errorf("config: solver workers must be at least 1, got %d", c.SolverWorkers)
	}
	if err := c.Resolution.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
