package tracking

import (
	"fmt"
	"math"
	"sort"
)

// DetectionID identifies a detection within one linker run. IDs are stable for
// the lifetime of the DetectionSet and are the only reference later stages
// hold; detections themselves are never copied into the graph or the lineage.
type DetectionID int64

// Detection is a single candidate nucleus position in one frame, as produced
// by the upstream detector. Positions are in pixel coordinates; the
// Resolution converts them to micrometers for cost computation. Immutable
// once added to a DetectionSet.
type Detection struct {
	ID    DetectionID `json:"id"`
	Frame int         `json:"frame"`

	// Position in pixel coordinates.
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`

	// Optional appearance features from the detector (intensity, shape).
	Features []float64 `json:"features,omitempty"`

	// DivisionScore is the detector's belief that this nucleus is about to
	// divide, in [0, 1]. Zero when the detector provides none.
	DivisionScore float64 `json:"division_score,omitempty"`
}

// DetectionSet is the owned collection of all detections for a linker run,
// grouped by frame. It normalizes externally supplied per-frame detections:
// assigns stable IDs, validates coordinates, and keeps frames sorted.
type DetectionSet struct {
	byFrame map[int][]*Detection
	byID    map[DetectionID]*Detection
	nextID  DetectionID
	frames  []int // sorted, rebuilt lazily
	dirty   bool
}

// NewDetectionSet creates an empty detection set.
func NewDetectionSet() *DetectionSet {
	return &DetectionSet{
		byFrame: make(map[int][]*Detection),
		byID:    make(map[DetectionID]*Detection),
		nextID:  1,
	}
}

// Add validates and adds one detection, assigning it the next stable ID.
// Malformed input (negative frame, NaN or Inf coordinates) is rejected with a
// DetectionError naming the offending values; the set is unchanged.
func (s *DetectionSet) Add(frame int, x, y, z float64, features []float64, divisionScore float64) (DetectionID, error) {
	if frame < 0 {
		return 0, &DetectionError{ID: s.nextID, Reason: fmt.Sprintf("negative frame index %d", frame)}
	}
	for _, v := range [...]float64{x, y, z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, &DetectionError{ID: s.nextID, Reason: fmt.Sprintf("non-finite coordinate (%g, %g, %g)", x, y, z)}
		}
	}
	if divisionScore < 0 || divisionScore > 1 || math.IsNaN(divisionScore) {
		return 0, &DetectionError{ID: s.nextID, Reason: fmt.Sprintf("division score %g outside [0, 1]", divisionScore)}
	}
	for _, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, &DetectionError{ID: s.nextID, Reason: "non-finite feature value"}
		}
	}

	d := &Detection{
		ID:            s.nextID,
		Frame:         frame,
		X:             x,
		Y:             y,
		Z:             z,
		Features:      features,
		DivisionScore: divisionScore,
	}
	s.nextID++
	s.byFrame[frame] = append(s.byFrame[frame], d)
	s.byID[d.ID] = d
	s.dirty = true
	return d.ID, nil
}

// Get returns the detection with the given ID, or nil if unknown.
func (s *DetectionSet) Get(id DetectionID) *Detection {
	return s.byID[id]
}

// OfFrame returns the detections in the given frame, in insertion order.
// A frame with no detections yields an empty slice; gaps in acquisition are
// valid input.
func (s *DetectionSet) OfFrame(frame int) []*Detection {
	return s.byFrame[frame]
}

// Frames returns the sorted list of frames that contain detections.
func (s *DetectionSet) Frames() []int {
	if s.dirty {
		s.frames = s.frames[:0]
		for f := range s.byFrame {
			s.frames = append(s.frames, f)
		}
		sort.Ints(s.frames)
		s.dirty = false
	}
	return s.frames
}

// FrameRange returns the first and last frame holding detections.
// ok is false for an empty set.
func (s *DetectionSet) FrameRange() (first, last int, ok bool) {
	frames := s.Frames()
	if len(frames) == 0 {
		return 0, 0, false
	}
	return frames[0], frames[len(frames)-1], true
}

// Len returns the total number of detections across all frames.
func (s *DetectionSet) Len() int {
	return len(s.byID)
}

// All returns every detection ordered by frame, then by ID. The slice is
// freshly allocated; callers may reorder it.
func (s *DetectionSet) All() []*Detection {
	out := make([]*Detection, 0, len(s.byID))
	for _, frame := range s.Frames() {
		out = append(out, s.byFrame[frame]...)
	}
	return out
}

// subset builds a view over a slice of this set's detections, preserving
// their IDs. Used to carve spatially disjoint sub-problems that can be
// solved independently; the detections are shared, not copied.
func (s *DetectionSet) subset(dets []*Detection) *DetectionSet {
	sub := NewDetectionSet()
	for _, d := range dets {
		sub.byFrame[d.Frame] = append(sub.byFrame[d.Frame], d)
		sub.byID[d.ID] = d
		if d.ID >= sub.nextID {
			sub.nextID = d.ID + 1
		}
	}
	sub.dirty = true
	return sub
}
