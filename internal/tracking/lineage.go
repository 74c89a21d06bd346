package tracking

import (
	"fmt"
	"sort"
)

// TrackID identifies a track within one linker run.
type TrackID int32

// NoTrack marks the absence of a parent or child track reference.
const NoTrack TrackID = -1

// TrackPoint is one step of a track: a detection used at a frame.
type TrackPoint struct {
	Frame     int         `json:"frame"`
	Detection DetectionID `json:"detection"`
}

// Track is a contiguous chain of detections representing one cell instance
// between two lineage events. A track starts with an appearance or a
// division, and ends with a disappearance or a division. Tracks reference
// detections by ID only, never by pointer, so a lineage serializes directly.
type Track struct {
	ID        TrackID      `json:"id"`
	LineageID TrackID      `json:"lineage_id"`
	Points    []TrackPoint `json:"points"`

	// Parent is the track that divided into this one, or NoTrack for a
	// track that starts with an appearance.
	Parent TrackID `json:"parent"`

	// Children holds zero or exactly two tracks spawned by the division
	// that ends this track.
	Children []TrackID `json:"children,omitempty"`
}

// StartFrame returns the frame of the track's first point.
func (t *Track) StartFrame() int { return t.Points[0].Frame }

// EndFrame returns the frame of the track's last point.
func (t *Track) EndFrame() int { return t.Points[len(t.Points)-1].Frame }

// Lineage is the forest of tracks decoded from one flow solution. Every
// tree in the forest descends from a single appearance; all its tracks
// share the root track's ID as their LineageID.
type Lineage struct {
	Tracks []*Track

	FlowValue int
	Cost      int64
	RealCost  float64

	Appearances    int
	Disappearances int
	Divisions      int
}

// TrackByID returns the track with the given ID, or nil.
func (l *Lineage) TrackByID(id TrackID) *Track {
	if id < 0 || int(id) >= len(l.Tracks) {
		return nil
	}
	return l.Tracks[id]
}

// ExtractLineage decomposes a flow solution into the track forest. It first
// re-verifies conservation and capacities defensively; the solver cannot
// emit a violating solution, but a malformed lineage must never be produced
// from one if it somehow does.
//
// Decoding rules:
//
//   - a flow-carrying appearance arc roots a new lineage tree at its
//     detection;
//   - flow through migration arcs chains detections into one track;
//   - a division helper with two flow-carrying exits ends the parent track
//     and spawns two child tracks;
//   - a helper passing a single unit is the parent simply continuing into
//     that daughter, and decodes as a migration step.
//
// Track IDs are assigned in discovery order: appearance-rooted tracks by
// ascending detection ID, then children in parent order. Re-running the
// extractor on the same solution yields the identical forest.
func ExtractLineage(g *FlowGraph, sol *FlowSolution, set *DetectionSet) (*Lineage, error) {
	if err := VerifyFlow(g, sol); err != nil {
		return nil, err
	}

	selected := make(map[DetectionID]bool)
	next := make(map[DetectionID]DetectionID) // migration successor
	roots := []DetectionID{}

	// Division helper constructs, grouped by helper node.
	helpers := make(map[NodeID]*helperFlow)

	appearances, disappearances := 0, 0
	for _, a := range g.Arcs {
		if sol.ArcFlow[a.ID] == 0 {
			continue
		}
		switch a.Kind {
		case ArcSelection:
			selected[a.Src] = true
		case ArcMigration:
			if prev, dup := next[a.Src]; dup {
				return nil, fmt.Errorf("detection %d feeds both %d and %d outside a division: %w",
					a.Src, prev, a.Dst, errMalformedFlow)
			}
			next[a.Src] = a.Dst
		case ArcAppearance:
			appearances++
			roots = append(roots, a.Dst)
		case ArcDisappearance:
			disappearances++
		case ArcDivisionEntry:
			h := helperAt(helpers, a.To)
			h.parent = a.Src
		case ArcDivisionSpawn:
			helperAt(helpers, a.To) // parent set by the entry arc
		case ArcDivisionExit:
			h := helperAt(helpers, a.From)
			h.exits = append(h.exits, a.Dst)
		}
	}

	divisions := make(map[DetectionID][2]DetectionID)
	divisionCount := 0
	for node, h := range helpers {
		if h.parent == 0 {
			return nil, fmt.Errorf("division helper node %d carries flow without a parent: %w", node, errMalformedFlow)
		}
		switch len(h.exits) {
		case 1:
			// One unit through the helper: the parent continued into a
			// single daughter. Decode as a plain migration step.
			if prev, dup := next[h.parent]; dup {
				return nil, fmt.Errorf("detection %d feeds both %d and %d outside a division: %w",
					h.parent, prev, h.exits[0], errMalformedFlow)
			}
			next[h.parent] = h.exits[0]
		case 2:
			sort.Slice(h.exits, func(i, j int) bool { return h.exits[i] < h.exits[j] })
			divisions[h.parent] = [2]DetectionID{h.exits[0], h.exits[1]}
			divisionCount++
		default:
			return nil, fmt.Errorf("division helper node %d has %d flow-carrying exits: %w",
				node, len(h.exits), errMalformedFlow)
		}
	}

	// Deterministic root order.
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	l := &Lineage{
		FlowValue:      sol.Value,
		Cost:           sol.Cost,
		RealCost:       sol.RealCost,
		Appearances:    appearances,
		Disappearances: disappearances,
		Divisions:      divisionCount,
	}

	used := make(map[DetectionID]bool)

	// Walk each tree breadth-first from its appearance root.
	type pending struct {
		start   DetectionID
		parent  TrackID
		lineage TrackID
	}
	queue := make([]pending, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, pending{start: r, parent: NoTrack, lineage: NoTrack})
	}

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		id := TrackID(len(l.Tracks))
		lineageID := p.lineage
		if lineageID == NoTrack {
			lineageID = id
		}
		track := &Track{ID: id, LineageID: lineageID, Parent: p.parent}

		for d := p.start; ; {
			det := set.Get(d)
			if det == nil {
				return nil, fmt.Errorf("flow uses detection %d not present in the input: %w", d, errMalformedFlow)
			}
			if !selected[d] {
				return nil, fmt.Errorf("flow routes through unselected detection %d: %w", d, errMalformedFlow)
			}
			if used[d] {
				return nil, fmt.Errorf("detection %d assigned to more than one track: %w", d, errMalformedFlow)
			}
			used[d] = true
			track.Points = append(track.Points, TrackPoint{Frame: det.Frame, Detection: d})

			if daughters, ok := divisions[d]; ok {
				queue = append(queue,
					pending{start: daughters[0], parent: id, lineage: lineageID},
					pending{start: daughters[1], parent: id, lineage: lineageID},
				)
				break
			}
			nd, ok := next[d]
			if !ok {
				break // disappearance
			}
			d = nd
		}

		l.Tracks = append(l.Tracks, track)
		if p.parent != NoTrack {
			parent := l.Tracks[p.parent]
			parent.Children = append(parent.Children, id)
		}
	}

	// Every selected detection must have been claimed by exactly one track.
	for d := range selected {
		if !used[d] {
			return nil, fmt.Errorf("selected detection %d unreachable from any appearance: %w", d, errMalformedFlow)
		}
	}

	return l, nil
}

// errMalformedFlow tags extraction failures that indicate a solver invariant
// breach rather than bad input.
var errMalformedFlow = fmt.Errorf("malformed flow solution")

// helperFlow accumulates the flow-carrying arcs of one division helper node.
type helperFlow struct {
	parent DetectionID
	exits  []DetectionID
}

func helperAt(m map[NodeID]*helperFlow, node NodeID) *helperFlow {
	h, ok := m[node]
	if !ok {
		h = &helperFlow{}
		m[node] = h
	}
	return h
}
