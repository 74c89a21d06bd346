package tracking

import (
	"math"
	"sync"

	"github.com/banshee-data/lineage.report/internal/monitoring"
)

// NodeID indexes a node in the flow graph. Node 0 is the source and node 1
// the sink; detection in/out nodes and division helper nodes follow.
type NodeID int32

// ArcID indexes an arc in the flow graph's arc list.
type ArcID int32

// NoArc marks the absence of an arc reference.
const NoArc ArcID = -1

// ArcKind distinguishes the roles arcs play in the tracking graph.
type ArcKind uint8

const (
	// ArcSelection is the zero-cost capacity-1 arc from a detection's
	// in-node to its out-node. Flow through it means the detection is used
	// by some track.
	ArcSelection ArcKind = iota
	// ArcMigration links a detection's out-node to a later detection's
	// in-node.
	ArcMigration
	// ArcAppearance runs from the source to a detection's in-node.
	ArcAppearance
	// ArcDisappearance runs from a detection's out-node to the sink.
	ArcDisappearance
	// ArcDivisionEntry runs from a dividing parent's out-node to a division
	// helper node.
	ArcDivisionEntry
	// ArcDivisionSpawn runs from the source to a division helper node. It
	// injects the extra unit of flow that turns one trajectory into two,
	// and is only traversable while the matching entry arc carries flow.
	ArcDivisionSpawn
	// ArcDivisionExit runs from a division helper node to a daughter's
	// in-node. The division cost is split evenly across the two exits.
	ArcDivisionExit
)

func (k ArcKind) String() string {
	switch k {
	case ArcSelection:
		return "selection"
	case ArcMigration:
		return "migration"
	case ArcAppearance:
		return "appearance"
	case ArcDisappearance:
		return "disappearance"
	case ArcDivisionEntry:
		return "division-entry"
	case ArcDivisionSpawn:
		return "division-spawn"
	case ArcDivisionExit:
		return "division-exit"
	}
	return "unknown"
}

// Arc is a directed, capacitated, costed edge of the flow graph. Costs are
// integers, scaled from the cost model's real values by the configured scale
// factor so the solver never compares floats.
type Arc struct {
	ID       ArcID
	Kind     ArcKind
	From, To NodeID
	Capacity int32
	Cost     int64   // scaled
	RealCost float64 // as produced by the cost model

	// Detection endpoints, when the arc touches detections. Zero when not
	// applicable (virtual endpoint).
	Src, Dst DetectionID

	// GatedBy couples a division spawn arc to its entry arc: the spawn arc
	// is only traversable while the entry arc carries flow. NoArc for all
	// other arcs.
	GatedBy ArcID
}

// FlowGraph is the immutable min-cost flow network over one detection set.
// Built once by BuildGraph, then handed read-only to the solver.
type FlowGraph struct {
	NumNodes     int
	Source, Sink NodeID
	Arcs         []Arc

	// FirstFrame and LastFrame bound the tracked range; appearance and
	// disappearance at these frames were free.
	FirstFrame, LastFrame int

	inNode  map[DetectionID]NodeID
	outNode map[DetectionID]NodeID
}

// InNode returns the in-node of a detection.
func (g *FlowGraph) InNode(id DetectionID) NodeID { return g.inNode[id] }

// OutNode returns the out-node of a detection.
func (g *FlowGraph) OutNode(id DetectionID) NodeID { return g.outNode[id] }

// divisionHypothesis is one admissible parent/daughter-pair candidate,
// produced by the gating pass and turned into a helper-node construct.
type divisionHypothesis struct {
	parent               DetectionID
	daughterA, daughterB DetectionID
	cost                 float64
}

// migrationCandidate is one gated frame-to-frame link candidate.
type migrationCandidate struct {
	from, to DetectionID
	cost     float64
}

// frameCandidates is the output of one gating worker: all migration and
// division candidates whose source detection lives in one frame.
type frameCandidates struct {
	migrations []migrationCandidate
	divisions  []divisionHypothesis
}

// BuildGraph constructs the flow network for the detection set:
//
//  1. per-detection in/out node pair joined by a capacity-1 selection arc;
//  2. gated migration arcs between detections up to FrameGapTolerance
//     frames apart, with the gating radius growing with the gap;
//  3. a helper-node construct per admissible division hypothesis;
//  4. appearance and disappearance arcs for every detection, free at the
//     boundary frames.
//
// A detection with no admissible migration or division arcs is still wired
// to source and sink; it can only be explained as a one-frame track, but it
// is never dropped.
//
// Candidate gating runs in parallel across frames; each worker owns its own
// candidate list and the lists merge in frame order, so arc IDs are
// deterministic for a given detection set and configuration.
func BuildGraph(set *DetectionSet, model CostModel, cfg LinkerConfig) (*FlowGraph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	first, last, ok := set.FrameRange()
	if !ok {
		// Empty set: a trivially valid network with no detections.
		return &FlowGraph{NumNodes: 2, Source: 0, Sink: 1,
			inNode:  map[DetectionID]NodeID{},
			outNode: map[DetectionID]NodeID{},
		}, nil
	}

	g := &FlowGraph{
		Source:     0,
		Sink:       1,
		FirstFrame: first,
		LastFrame:  last,
		inNode:     make(map[DetectionID]NodeID, set.Len()),
		outNode:    make(map[DetectionID]NodeID, set.Len()),
	}

	scaler := newCostScaler(cfg.CostScale)

	// Node allocation: source, sink, then in/out pairs in frame-then-ID
	// order. Helper nodes are appended as hypotheses are wired.
	next := NodeID(2)
	all := set.All()
	for _, d := range all {
		g.inNode[d.ID] = next
		g.outNode[d.ID] = next + 1
		next += 2
	}

	// Selection arcs. The negative cost is the reward for explaining the
	// detection at all; leaving a detection out of every track forfeits it.
	for _, d := range all {
		g.addArc(Arc{
			Kind:     ArcSelection,
			From:     g.inNode[d.ID],
			To:       g.outNode[d.ID],
			Capacity: 1,
			RealCost: -cfg.DetectionWeight,
			Src:      d.ID,
			Dst:      d.ID,
			GatedBy:  NoArc,
		}, scaler)
	}

	// Gating pass, sharded by source frame.
	frames := set.Frames()
	candidates := gateCandidates(set, frames, model, cfg)

	for fi := range frames {
		for _, mc := range candidates[fi].migrations {
			g.addArc(Arc{
				Kind:     ArcMigration,
				From:     g.outNode[mc.from],
				To:       g.inNode[mc.to],
				Capacity: 1,
				RealCost: mc.cost,
				Src:      mc.from,
				Dst:      mc.to,
				GatedBy:  NoArc,
			}, scaler)
		}
		for _, dh := range candidates[fi].divisions {
			helper := next
			next++
			entry := g.addArc(Arc{
				Kind:     ArcDivisionEntry,
				From:     g.outNode[dh.parent],
				To:       helper,
				Capacity: 1,
				Src:      dh.parent,
				GatedBy:  NoArc,
			}, scaler)
			g.addArc(Arc{
				Kind:     ArcDivisionSpawn,
				From:     g.Source,
				To:       helper,
				Capacity: 1,
				GatedBy:  entry,
			}, scaler)
			g.addArc(Arc{
				Kind:     ArcDivisionExit,
				From:     helper,
				To:       g.inNode[dh.daughterA],
				Capacity: 1,
				RealCost: dh.cost / 2,
				Src:      dh.parent,
				Dst:      dh.daughterA,
				GatedBy:  NoArc,
			}, scaler)
			g.addArc(Arc{
				Kind:     ArcDivisionExit,
				From:     helper,
				To:       g.inNode[dh.daughterB],
				Capacity: 1,
				RealCost: dh.cost / 2,
				Src:      dh.parent,
				Dst:      dh.daughterB,
				GatedBy:  NoArc,
			}, scaler)
		}
	}

	// Appearance and disappearance arcs. Every detection gets both, so a
	// detection isolated by gating still routes source → in → out → sink.
	for _, d := range all {
		g.addArc(Arc{
			Kind:     ArcAppearance,
			From:     g.Source,
			To:       g.inNode[d.ID],
			Capacity: 1,
			RealCost: model.AppearanceCost(d, first),
			Dst:      d.ID,
			GatedBy:  NoArc,
		}, scaler)
		g.addArc(Arc{
			Kind:     ArcDisappearance,
			From:     g.outNode[d.ID],
			To:       g.Sink,
			Capacity: 1,
			RealCost: model.DisappearanceCost(d, last),
			Src:      d.ID,
			GatedBy:  NoArc,
		}, scaler)
	}

	g.NumNodes = int(next)
	scaler.report()
	return g, nil
}

// gateCandidates runs the cost model over all gated detection pairs, one
// worker per frame. Workers only read the shared index and write their own
// slot of the results slice.
func gateCandidates(set *DetectionSet, frames []int, model CostModel, cfg LinkerConfig) []frameCandidates {
	idx := newFrameIndex(set, cfg.Resolution)
	results := make([]frameCandidates, len(frames))

	var wg sync.WaitGroup
	sem := make(chan struct{}, cfg.SolverWorkers)
	for fi, frame := range frames {
		wg.Add(1)
		sem <- struct{}{}
		go func(fi, frame int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[fi] = gateFrame(set, idx, frame, model, cfg)
		}(fi, frame)
	}
	wg.Wait()

	return results
}

// gateFrame produces the migration and division candidates whose source
// detection lives in the given frame.
func gateFrame(set *DetectionSet, idx *frameIndex, frame int, model CostModel, cfg LinkerConfig) frameCandidates {
	var out frameCandidates
	for _, d := range set.OfFrame(frame) {
		// Migration: later frames up to the gap tolerance, radius growing
		// with elapsed frames.
		for gap := 1; gap <= cfg.FrameGapTolerance; gap++ {
			for _, nb := range idx.neighbors(frame+gap, d, cfg.GatingRadiusUm*float64(gap)) {
				out.migrations = append(out.migrations, migrationCandidate{
					from: d.ID,
					to:   nb.ID,
					cost: model.MigrationCost(d, nb, gap),
				})
			}
		}

		// Division: daughter pairs in the immediately following frame. The
		// cost model applies its own admissibility rules on top of the
		// radius gate.
		daughters := idx.neighbors(frame+1, d, cfg.DivisionRadiusUm)
		for i := 0; i < len(daughters); i++ {
			for j := i + 1; j < len(daughters); j++ {
				cost, ok := model.DivisionCost(d, daughters[i], daughters[j])
				if !ok {
					continue
				}
				out.divisions = append(out.divisions, divisionHypothesis{
					parent:    d.ID,
					daughterA: daughters[i].ID,
					daughterB: daughters[j].ID,
					cost:      cost,
				})
			}
		}
	}
	return out
}

func (g *FlowGraph) addArc(a Arc, scaler *costScaler) ArcID {
	a.ID = ArcID(len(g.Arcs))
	a.Cost = scaler.scale(a.RealCost)
	g.Arcs = append(g.Arcs, a)
	return a.ID
}

// ArcsFrom returns the arcs leaving a node, in arc-ID order. Intended for
// tests and diagnostics; the solver builds its own adjacency.
func (g *FlowGraph) ArcsFrom(node NodeID) []Arc {
	var out []Arc
	for _, a := range g.Arcs {
		if a.From == node {
			out = append(out, a)
		}
	}
	return out
}

// costScaler converts real costs to scaled integers and tracks rounding
// collisions: two materially different real costs landing on the same
// integer can reorder near-ties, which is worth a warning but never fatal.
type costScaler struct {
	factor     float64
	epsilon    float64
	seen       map[int64][2]float64 // scaled -> (min, max) real cost
	collisions int
}

func newCostScaler(factor float64) *costScaler {
	// Costs within half an integer step of each other are expected to round
	// together; only a bucket spanning more than that signals the scale is
	// too coarse for the data.
	return &costScaler{factor: factor, epsilon: 0.5 / factor, seen: make(map[int64][2]float64)}
}

func (s *costScaler) scale(real float64) int64 {
	scaled := int64(math.Round(real * s.factor))
	if bounds, ok := s.seen[scaled]; ok {
		lo, hi := bounds[0], bounds[1]
		grown := false
		if real < lo {
			lo, grown = real, true
		}
		if real > hi {
			hi, grown = real, true
		}
		if grown {
			if hi-lo > s.epsilon {
				s.collisions++
			}
			s.seen[scaled] = [2]float64{lo, hi}
		}
	} else {
		s.seen[scaled] = [2]float64{real, real}
	}
	return scaled
}

func (s *costScaler) report() {
	if s.collisions > 0 {
		monitoring.Logf("tracking: cost scale %g collapsed %d materially different costs to equal integers; near-ties may reorder",
			s.factor, s.collisions)
	}
}
