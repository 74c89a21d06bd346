package tracking

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// frameIndex holds one kd-tree of detection positions (in micrometers) per
// frame. The graph builder queries it for gating: all detections of a frame
// within a radius of a query position. Build once, then read-only; safe for
// concurrent queries.
type frameIndex struct {
	res   Resolution
	trees map[int]*kdtree.Tree
}

func newFrameIndex(set *DetectionSet, res Resolution) *frameIndex {
	idx := &frameIndex{
		res:   res,
		trees: make(map[int]*kdtree.Tree),
	}
	for _, frame := range set.Frames() {
		dets := set.OfFrame(frame)
		points := make(detPoints, len(dets))
		for i, d := range dets {
			x, y, z := res.PositionUm(d)
			points[i] = detPoint{pos: [3]float64{x, y, z}, det: d}
		}
		idx.trees[frame] = kdtree.New(points, false)
	}
	return idx
}

// neighbors returns the detections in the given frame within radiusUm of the
// query detection, sorted by detection ID for deterministic arc ordering.
// The query detection itself is excluded when it happens to live in the same
// frame.
func (idx *frameIndex) neighbors(frame int, of *Detection, radiusUm float64) []*Detection {
	tree, ok := idx.trees[frame]
	if !ok {
		return nil
	}

	x, y, z := idx.res.PositionUm(of)
	query := detPoint{pos: [3]float64{x, y, z}}

	// detPoint distances are squared, so the keeper bound is radius².
	keeper := kdtree.NewDistKeeper(radiusUm * radiusUm)
	tree.NearestSet(keeper, query)

	var out []*Detection
	for _, c := range keeper.Heap {
		p, ok := c.Comparable.(detPoint)
		if !ok || p.det == nil {
			continue // the keeper's sentinel entry
		}
		if p.det.ID == of.ID {
			continue
		}
		out = append(out, p.det)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// detPoint adapts a detection position to the kdtree.Comparable interface.
// Distances are squared Euclidean in micrometers.
type detPoint struct {
	pos [3]float64
	det *Detection
}

func (p detPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(detPoint)
	return p.pos[d] - q.pos[d]
}

func (p detPoint) Dims() int { return 3 }

func (p detPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(detPoint)
	var sum float64
	for i := range p.pos {
		d := p.pos[i] - q.pos[i]
		sum += d * d
	}
	return sum
}

// detPoints implements kdtree.Interface over a slice of detPoints.
type detPoints []detPoint

func (p detPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p detPoints) Len() int                      { return len(p) }
func (p detPoints) Pivot(d kdtree.Dim) int        { return detPlane{detPoints: p, Dim: d}.Pivot() }
func (p detPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

// detPlane is the sort helper kdtree uses to partition detPoints on a
// dimension.
type detPlane struct {
	detPoints
	kdtree.Dim
}

func (p detPlane) Less(i, j int) bool {
	return p.detPoints[i].pos[p.Dim] < p.detPoints[j].pos[p.Dim]
}

func (p detPlane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}

func (p detPlane) Slice(start, end int) kdtree.SortSlicer {
	p.detPoints = p.detPoints[start:end]
	return p
}

func (p detPlane) Swap(i, j int) {
	p.detPoints[i], p.detPoints[j] = p.detPoints[j], p.detPoints[i]
}
