package tracking

import (
	"errors"
	"math"
	"testing"
)

// addDet adds a detection with no features and a zero division score,
// failing the test on error.
func addDet(t *testing.T, s *DetectionSet, frame int, x, y, z float64) DetectionID {
	t.Helper()
	id, err := s.Add(frame, x, y, z, nil, 0)
	if err != nil {
		t.Fatalf("Add(frame=%d): %v", frame, err)
	}
	return id
}

func TestDetectionSetAdd(t *testing.T) {
	s := NewDetectionSet()

	id1 := addDet(t, s, 0, 1, 2, 3)
	id2 := addDet(t, s, 0, 4, 5, 6)
	if id1 == id2 {
		t.Fatalf("Add returned duplicate ID %d", id1)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}

	d := s.Get(id1)
	if d == nil {
		t.Fatal("Get returned nil for a known ID")
	}
	if d.X != 1 || d.Y != 2 || d.Z != 3 {
		t.Errorf("Get(%d) position = (%g, %g, %g), want (1, 2, 3)", id1, d.X, d.Y, d.Z)
	}
	if s.Get(DetectionID(9999)) != nil {
		t.Error("Get returned a detection for an unknown ID")
	}
}

func TestDetectionSetAddRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		frame int
		x     float64
		score float64
	}{
		{name: "negative frame", frame: -1, x: 0, score: 0},
		{name: "NaN coordinate", frame: 0, x: math.NaN(), score: 0},
		{name: "infinite coordinate", frame: 0, x: math.Inf(1), score: 0},
		{name: "score above one", frame: 0, x: 0, score: 1.5},
		{name: "negative score", frame: 0, x: 0, score: -0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewDetectionSet()
			_, err := s.Add(tt.frame, tt.x, 0, 0, nil, tt.score)
			if err == nil {
				t.Fatal("Add accepted invalid input")
			}
			var derr *DetectionError
			if !errors.As(err, &derr) {
				t.Errorf("error %v is not a DetectionError", err)
			}
			if s.Len() != 0 {
				t.Errorf("rejected detection was still stored, Len() = %d", s.Len())
			}
		})
	}
}

func TestDetectionSetFrames(t *testing.T) {
	s := NewDetectionSet()
	addDet(t, s, 5, 0, 0, 0)
	addDet(t, s, 2, 0, 0, 0)
	addDet(t, s, 5, 1, 0, 0)
	addDet(t, s, 9, 0, 0, 0)

	frames := s.Frames()
	want := []int{2, 5, 9}
	if len(frames) != len(want) {
		t.Fatalf("Frames() = %v, want %v", frames, want)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Fatalf("Frames() = %v, want %v", frames, want)
		}
	}

	first, last, ok := s.FrameRange()
	if !ok || first != 2 || last != 9 {
		t.Errorf("FrameRange() = (%d, %d, %v), want (2, 9, true)", first, last, ok)
	}
	if len(s.OfFrame(5)) != 2 {
		t.Errorf("OfFrame(5) returned %d detections, want 2", len(s.OfFrame(5)))
	}
	if s.OfFrame(3) != nil {
		t.Error("OfFrame(3) returned detections for an empty frame")
	}
}

func TestDetectionSetFrameRangeEmpty(t *testing.T) {
	s := NewDetectionSet()
	if _, _, ok := s.FrameRange(); ok {
		t.Error("FrameRange() reported a range for an empty set")
	}
}

func TestDetectionSetSubsetPreservesIDs(t *testing.T) {
	s := NewDetectionSet()
	a := addDet(t, s, 0, 0, 0, 0)
	addDet(t, s, 0, 100, 0, 0)
	b := addDet(t, s, 1, 1, 0, 0)

	sub := s.subset([]*Detection{s.Get(a), s.Get(b)})
	if sub.Len() != 2 {
		t.Fatalf("subset Len() = %d, want 2", sub.Len())
	}
	if sub.Get(a) != s.Get(a) {
		t.Error("subset does not share the parent set's detections")
	}
	if sub.Get(b) == nil {
		t.Errorf("subset lost detection %d", b)
	}
}
