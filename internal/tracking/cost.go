package tracking

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// CostModel computes arc costs for the flow graph. Implementations are pure
// functions of the detections and the configuration: no side effects, no
// internal state, safe for concurrent use across builder workers.
//
// MigrationCost returns the cost of linking from to to across gap frames
// (gap >= 1). DivisionCost returns the cost of parent dividing into the two
// daughters, with ok=false when the hypothesis is inadmissible and no arc
// should exist at all. Appearance and disappearance costs depend on whether
// the detection sits at the boundary of the tracked frame range: a track may
// enter at the first frame or leave at the last frame for free, since the
// sequence simply does not cover those events.
type CostModel interface {
	MigrationCost(from, to *Detection, gap int) float64
	DivisionCost(parent, daughterA, daughterB *Detection) (cost float64, ok bool)
	AppearanceCost(d *Detection, firstFrame int) float64
	DisappearanceCost(d *Detection, lastFrame int) float64
}

// NewCostModel returns the cost model selected by name: "distance" for the
// pure geometric model, "distance_feature" for the geometric model with a
// feature dissimilarity term.
func NewCostModel(name string, cfg LinkerConfig) (CostModel, error) {
	switch name {
	case "distance":
		return &distanceCostModel{cfg: cfg}, nil
	case "distance_feature":
		return &featureCostModel{distanceCostModel{cfg: cfg}}, nil
	default:
		return nil, fmt.Errorf("config: unknown cost model %q", name)
	}
}

// distanceCostModel scores links by physical distance in micrometers.
// Migration out of a likely mother is half price, so that daughters are not
// penalized for moving apart during mitosis.
type distanceCostModel struct {
	cfg LinkerConfig
}

func (m *distanceCostModel) MigrationCost(from, to *Detection, gap int) float64 {
	cost := m.cfg.Resolution.DistanceUm(from, to) * float64(gap)
	if from.DivisionScore > m.cfg.DivisionScoreThreshold {
		cost /= 2
	}
	return cost
}

func (m *distanceCostModel) DivisionCost(parent, daughterA, daughterB *Detection) (float64, bool) {
	// A detector that scored this nucleus below the threshold rules the
	// hypothesis out. A zero score means no detector opinion; geometry
	// decides alone.
	if parent.DivisionScore > 0 && parent.DivisionScore <= m.cfg.DivisionScoreThreshold {
		return 0, false
	}

	distA := m.cfg.Resolution.DistanceUm(parent, daughterA)
	distB := m.cfg.Resolution.DistanceUm(parent, daughterB)
	if distA > m.cfg.DivisionRadiusUm || distB > m.cfg.DivisionRadiusUm {
		return 0, false
	}

	// Mitosis places the daughters roughly symmetrically around the mother.
	// A lopsided pair is more likely one real daughter plus an unrelated
	// neighbor.
	if asym := splitAsymmetry(distA, distB); asym > m.cfg.DivisionAsymmetryLimit {
		return 0, false
	}

	return m.cfg.DivisionWeight * (distA + distB) / 2, true
}

func (m *distanceCostModel) AppearanceCost(d *Detection, firstFrame int) float64 {
	if d.Frame <= firstFrame {
		return 0
	}
	return m.cfg.AppearancePenalty
}

func (m *distanceCostModel) DisappearanceCost(d *Detection, lastFrame int) float64 {
	if d.Frame >= lastFrame {
		return 0
	}
	return m.cfg.DisappearancePenalty
}

// featureCostModel extends the distance model with a feature dissimilarity
// term for migration, and requires dividing daughters to resemble each other.
type featureCostModel struct {
	distanceCostModel
}

func (m *featureCostModel) MigrationCost(from, to *Detection, gap int) float64 {
	return m.distanceCostModel.MigrationCost(from, to, gap) +
		m.cfg.FeatureWeight*featureDistance(from.Features, to.Features)
}

func (m *featureCostModel) DivisionCost(parent, daughterA, daughterB *Detection) (float64, bool) {
	cost, ok := m.distanceCostModel.DivisionCost(parent, daughterA, daughterB)
	if !ok {
		return 0, false
	}
	// Daughters of one mitosis inherit her appearance; penalize pairs that
	// look different from each other.
	return cost + m.cfg.FeatureWeight*featureDistance(daughterA.Features, daughterB.Features), true
}

// splitAsymmetry measures how unevenly two daughter distances straddle the
// parent, in [0, 1]. Zero for a perfectly symmetric split.
func splitAsymmetry(distA, distB float64) float64 {
	total := distA + distB
	if total == 0 {
		return 0
	}
	return math.Abs(distA-distB) / total
}

// featureDistance is the Euclidean distance between two feature vectors.
// Detections missing features (or with mismatched lengths, which upstream
// detectors can produce across model versions) contribute nothing.
func featureDistance(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	return floats.Distance(a, b, 2)
}
