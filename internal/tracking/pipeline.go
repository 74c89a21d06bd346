package tracking

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/lineage.report/internal/monitoring"
)

// Linker runs the full temporal linking pipeline: gating and cost
// computation, flow graph construction, min-cost flow solving, and lineage
// extraction. A Linker is immutable after construction and safe for
// concurrent use; each Link call owns all of its intermediate state.
type Linker struct {
	cfg   LinkerConfig
	model CostModel
}

// NewLinker validates the configuration and returns a linker using the
// given cost model. A nil model selects the default distance model.
func NewLinker(cfg LinkerConfig, model CostModel) (*Linker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		m, err := NewCostModel("distance", cfg)
		if err != nil {
			return nil, err
		}
		model = m
	}
	return &Linker{cfg: cfg, model: model}, nil
}

// Config returns the linker's configuration.
func (lk *Linker) Config() LinkerConfig { return lk.cfg }

// Link computes the globally optimal lineage for the detection set.
//
// With a fixed TargetFlow the whole set is solved as a single flow problem,
// since a trajectory budget cannot be split across disjoint regions without
// re-introducing a global coupling. MaxSweepFlow caps the run's total flow,
// so a capped sweep is solved whole-graph for the same reason. An unbounded
// sweep splits spatially disjoint groups of detections into fully
// independent flow problems solved in parallel; the union of their optima
// is the global optimum.
//
// Cancellation via ctx aborts the solve and returns the context error,
// which callers can distinguish from an InfeasibleError.
func (lk *Linker) Link(ctx context.Context, set *DetectionSet) (*Lineage, error) {
	if lk.cfg.TargetFlow > 0 {
		return lk.linkOne(ctx, set, lk.cfg.TargetFlow)
	}
	if lk.cfg.MaxSweepFlow > 0 {
		return lk.linkOne(ctx, set, 0)
	}

	components := lk.partition(set)
	if len(components) <= 1 {
		return lk.linkOne(ctx, set, 0)
	}
	monitoring.Debugf("tracking: solving %d independent components", len(components))

	lineages := make([]*Lineage, len(components))
	errs := make([]error, len(components))

	var wg sync.WaitGroup
	sem := make(chan struct{}, lk.cfg.SolverWorkers)
	for i, comp := range components {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, comp []*Detection) {
			defer wg.Done()
			defer func() { <-sem }()
			lineages[i], errs[i] = lk.linkOne(ctx, set.subset(comp), 0)
		}(i, comp)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return mergeLineages(lineages), nil
}

// linkOne solves a single flow problem end to end. targetFlow 0 selects
// sweep mode.
func (lk *Linker) linkOne(ctx context.Context, set *DetectionSet, targetFlow int) (*Lineage, error) {
	g, err := BuildGraph(set, lk.model, lk.cfg)
	if err != nil {
		return nil, err
	}

	var sol *FlowSolution
	if targetFlow > 0 {
		sol, err = Solve(ctx, g, targetFlow)
	} else {
		sol, err = SolveSweep(ctx, g, lk.sweepBound(set))
	}
	if err != nil {
		return nil, err
	}

	return ExtractLineage(g, sol, set)
}

// sweepBound limits the flow-value sweep. Every unit of flow must cross at
// least one selection arc, so the detection count bounds useful flow even
// before the configured cap.
func (lk *Linker) sweepBound(set *DetectionSet) int {
	bound := set.Len()
	if lk.cfg.MaxSweepFlow > 0 && lk.cfg.MaxSweepFlow < bound {
		bound = lk.cfg.MaxSweepFlow
	}
	return bound
}

// partition groups detections into weakly connected components under the
// same gating rules the graph builder applies: two detections belong to one
// component when any migration or division arc could join them. Components
// are returned ordered by their smallest detection ID, each sorted by ID.
func (lk *Linker) partition(set *DetectionSet) [][]*Detection {
	idx := newFrameIndex(set, lk.cfg.Resolution)
	parent := make(map[DetectionID]DetectionID, set.Len())

	var find func(DetectionID) DetectionID
	find = func(d DetectionID) DetectionID {
		if parent[d] != d {
			parent[d] = find(parent[d])
		}
		return parent[d]
	}
	union := func(a, b DetectionID) {
		ra, rb := find(a), find(b)
		if ra != rb {
			if rb < ra {
				ra, rb = rb, ra
			}
			parent[rb] = ra
		}
	}

	all := set.All()
	for _, d := range all {
		parent[d.ID] = d.ID
	}

	reach := lk.cfg.GatingRadiusUm
	if lk.cfg.DivisionRadiusUm > reach {
		reach = lk.cfg.DivisionRadiusUm
	}
	for _, d := range all {
		for gap := 1; gap <= lk.cfg.FrameGapTolerance; gap++ {
			r := lk.cfg.GatingRadiusUm * float64(gap)
			if gap == 1 && reach > r {
				r = reach
			}
			for _, nb := range idx.neighbors(d.Frame+gap, d, r) {
				union(d.ID, nb.ID)
			}
		}
		// Daughters of one division couple to each other even when they
		// are farther apart than any gating radius.
		daughters := idx.neighbors(d.Frame+1, d, lk.cfg.DivisionRadiusUm)
		for i := 1; i < len(daughters); i++ {
			union(daughters[0].ID, daughters[i].ID)
		}
	}

	groups := make(map[DetectionID][]*Detection)
	for _, d := range all {
		root := find(d.ID)
		groups[root] = append(groups[root], d)
	}

	rootIDs := make([]DetectionID, 0, len(groups))
	for root := range groups {
		rootIDs = append(rootIDs, root)
	}
	sort.Slice(rootIDs, func(i, j int) bool { return rootIDs[i] < rootIDs[j] })

	out := make([][]*Detection, 0, len(groups))
	for _, root := range rootIDs {
		comp := groups[root]
		sort.Slice(comp, func(i, j int) bool { return comp[i].ID < comp[j].ID })
		out = append(out, comp)
	}
	return out
}

// mergeLineages concatenates component lineages, renumbering track and
// lineage IDs into one namespace. Component order is deterministic, so the
// merged forest is too.
func mergeLineages(parts []*Lineage) *Lineage {
	merged := &Lineage{}
	for _, part := range parts {
		base := TrackID(len(merged.Tracks))
		for _, t := range part.Tracks {
			nt := &Track{
				ID:        t.ID + base,
				LineageID: t.LineageID + base,
				Points:    t.Points,
				Parent:    t.Parent,
			}
			if t.Parent != NoTrack {
				nt.Parent = t.Parent + base
			}
			for _, c := range t.Children {
				nt.Children = append(nt.Children, c+base)
			}
			merged.Tracks = append(merged.Tracks, nt)
		}
		merged.FlowValue += part.FlowValue
		merged.Cost += part.Cost
		merged.RealCost += part.RealCost
		merged.Appearances += part.Appearances
		merged.Disappearances += part.Disappearances
		merged.Divisions += part.Divisions
	}
	return merged
}

// Validate runs post-extraction sanity checks on a lineage against its
// detection set: detections used at most once, parent/child links
// symmetric, division timing consistent, and no step longer than the gated
// reach. Violations indicate a linker bug, not bad input.
func (l *Lineage) Validate(set *DetectionSet, cfg LinkerConfig) error {
	seen := make(map[DetectionID]TrackID)
	for _, t := range l.Tracks {
		if len(t.Points) == 0 {
			return fmt.Errorf("track %d has no points", t.ID)
		}
		for i, p := range t.Points {
			if owner, dup := seen[p.Detection]; dup {
				return fmt.Errorf("detection %d used by tracks %d and %d", p.Detection, owner, t.ID)
			}
			seen[p.Detection] = t.ID

			if i == 0 {
				continue
			}
			prev := t.Points[i-1]
			if p.Frame <= prev.Frame {
				return fmt.Errorf("track %d not strictly forward in time at frame %d", t.ID, p.Frame)
			}
			gap := p.Frame - prev.Frame
			if gap > cfg.FrameGapTolerance {
				return fmt.Errorf("track %d spans %d frames in one step, tolerance %d", t.ID, gap, cfg.FrameGapTolerance)
			}
			// A step can come from a migration arc or a one-daughter pass
			// through a division helper, whichever reaches farther.
			reach := cfg.GatingRadiusUm * float64(gap)
			if gap == 1 && cfg.DivisionRadiusUm > reach {
				reach = cfg.DivisionRadiusUm
			}
			d := cfg.Resolution.DistanceUm(set.Get(prev.Detection), set.Get(p.Detection))
			if d > reach+1e-9 {
				return fmt.Errorf("track %d jumps %.2fum at frame %d, beyond the gated reach", t.ID, d, p.Frame)
			}
		}

		if len(t.Children) != 0 && len(t.Children) != 2 {
			return fmt.Errorf("track %d has %d children; divisions produce exactly two", t.ID, len(t.Children))
		}
		for _, c := range t.Children {
			child := l.TrackByID(c)
			if child == nil || child.Parent != t.ID {
				return fmt.Errorf("track %d child %d does not point back to its parent", t.ID, c)
			}
			if child.StartFrame() <= t.EndFrame() {
				return fmt.Errorf("track %d divides at frame %d but child %d starts at frame %d",
					t.ID, t.EndFrame(), c, child.StartFrame())
			}
			if child.LineageID != t.LineageID {
				return fmt.Errorf("track %d and child %d disagree on lineage", t.ID, c)
			}
		}
	}
	return nil
}
