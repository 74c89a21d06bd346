package tracking

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/lineage.report/internal/monitoring"
)

// PointRecord is one detection assignment within an exported track, with
// the position already converted to micrometers.
type PointRecord struct {
	Frame       int         `json:"frame"`
	DetectionID DetectionID `json:"detection_id"`
	X           float64     `json:"x_um"`
	Y           float64     `json:"y_um"`
	Z           float64     `json:"z_um"`
}

// TrackRecord is the export form of one track: points in micrometers plus
// summary motion statistics. Step statistics are per-frame displacements in
// micrometers; SpeedUmPerMin is filled only when the frame interval is
// configured.
type TrackRecord struct {
	TrackID       TrackID       `json:"track_id"`
	LineageID     TrackID       `json:"lineage_id"`
	ParentTrackID TrackID       `json:"parent_track_id"`
	StartFrame    int           `json:"start_frame"`
	EndFrame      int           `json:"end_frame"`
	Points        []PointRecord `json:"points"`

	MeanStepUm    float64 `json:"mean_step_um"`
	P95StepUm     float64 `json:"p95_step_um"`
	PeakStepUm    float64 `json:"peak_step_um"`
	SpeedUmPerMin float64 `json:"speed_um_per_min,omitempty"`
}

// RunRecord is the export form of a whole linking run.
type RunRecord struct {
	FrameMin       int           `json:"frame_min"`
	FrameMax       int           `json:"frame_max"`
	DetectionCount int           `json:"detection_count"`
	TrackCount     int           `json:"track_count"`
	DivisionCount  int           `json:"division_count"`
	Appearances    int           `json:"appearances"`
	Disappearances int           `json:"disappearances"`
	TotalCost      float64       `json:"total_cost"`
	Tracks         []TrackRecord `json:"tracks"`
}

// Export flattens a lineage into plain records suitable for JSON output or
// storage. Tracks are emitted in ID order. Logical oddities that are valid
// flow but suspicious biology (for example a division where one daughter
// immediately disappears) are logged, not rejected.
func Export(l *Lineage, set *DetectionSet, res Resolution) *RunRecord {
	run := &RunRecord{
		DetectionCount: set.Len(),
		TrackCount:     len(l.Tracks),
		DivisionCount:  l.Divisions,
		Appearances:    l.Appearances,
		Disappearances: l.Disappearances,
		TotalCost:      l.RealCost,
	}
	if first, last, ok := set.FrameRange(); ok {
		run.FrameMin, run.FrameMax = first, last
	}

	tracks := make([]*Track, len(l.Tracks))
	copy(tracks, l.Tracks)
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ID < tracks[j].ID })

	for _, t := range tracks {
		run.Tracks = append(run.Tracks, exportTrack(t, set, res))
	}
	warnOddLineages(l, set)
	return run
}

func exportTrack(t *Track, set *DetectionSet, res Resolution) TrackRecord {
	rec := TrackRecord{
		TrackID:       t.ID,
		LineageID:     t.LineageID,
		ParentTrackID: t.Parent,
		StartFrame:    t.StartFrame(),
		EndFrame:      t.EndFrame(),
		Points:        make([]PointRecord, 0, len(t.Points)),
	}

	var steps []float64
	var minutes float64
	for i, p := range t.Points {
		d := set.Get(p.Detection)
		x, y, z := res.PositionUm(d)
		rec.Points = append(rec.Points, PointRecord{
			Frame:       p.Frame,
			DetectionID: p.Detection,
			X:           x,
			Y:           y,
			Z:           z,
		})
		if i > 0 {
			prev := set.Get(t.Points[i-1].Detection)
			steps = append(steps, res.DistanceUm(prev, d))
			minutes += float64(p.Frame-t.Points[i-1].Frame) * res.FrameIntervalMins
		}
	}
	if len(steps) == 0 {
		return rec
	}

	sort.Float64s(steps)
	rec.MeanStepUm = stat.Mean(steps, nil)
	rec.P95StepUm = stat.Quantile(0.95, stat.Empirical, steps, nil)
	rec.PeakStepUm = steps[len(steps)-1]
	if minutes > 0 {
		rec.SpeedUmPerMin = floats.Sum(steps) / minutes
	}
	return rec
}

// warnOddLineages flags flow-optimal results that usually indicate a
// mis-tuned cost model: one-point tracks born and gone in a single frame,
// and daughters that vanish right after the division they came from.
func warnOddLineages(l *Lineage, set *DetectionSet) {
	first, last, ok := set.FrameRange()
	if !ok {
		return
	}
	for _, t := range l.Tracks {
		if len(t.Points) == 1 && t.StartFrame() != first && t.EndFrame() != last {
			monitoring.Debugf("tracking: track %d is a single interior detection at frame %d",
				t.ID, t.StartFrame())
		}
		if t.Parent != NoTrack && len(t.Points) == 1 && t.EndFrame() != last && len(t.Children) == 0 {
			monitoring.Logf("tracking: daughter track %d of %d disappears immediately after division",
				t.ID, t.Parent)
		}
	}
}
