package tracking

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testModel(t *testing.T, cfg LinkerConfig) CostModel {
	t.Helper()
	model, err := NewCostModel("distance", cfg)
	if err != nil {
		t.Fatal(err)
	}
	return model
}

// arcCount tallies graph arcs by kind.
func arcCount(g *FlowGraph, kind ArcKind) int {
	n := 0
	for _, a := range g.Arcs {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func TestBuildGraphEmptySet(t *testing.T) {
	cfg := DefaultLinkerConfig()
	g, err := BuildGraph(NewDetectionSet(), testModel(t, cfg), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if g.NumNodes != 2 || len(g.Arcs) != 0 {
		t.Errorf("empty graph has %d nodes and %d arcs, want 2 and 0", g.NumNodes, len(g.Arcs))
	}
}

func TestBuildGraphChain(t *testing.T) {
	cfg := DefaultLinkerConfig()
	set := NewDetectionSet()
	a := addDet(t, set, 0, 0, 0, 0)
	addDet(t, set, 1, 1, 0, 0)
	c := addDet(t, set, 2, 2, 0, 0)

	g, err := BuildGraph(set, testModel(t, cfg), cfg)
	if err != nil {
		t.Fatal(err)
	}

	// Source, sink, and an in/out pair per detection.
	if g.NumNodes != 2+2*3 {
		t.Errorf("NumNodes = %d, want 8", g.NumNodes)
	}
	if got := arcCount(g, ArcSelection); got != 3 {
		t.Errorf("selection arcs = %d, want 3", got)
	}
	if got := arcCount(g, ArcMigration); got != 2 {
		t.Errorf("migration arcs = %d, want 2", got)
	}
	if got := arcCount(g, ArcAppearance); got != 3 {
		t.Errorf("appearance arcs = %d, want 3", got)
	}
	if got := arcCount(g, ArcDisappearance); got != 3 {
		t.Errorf("disappearance arcs = %d, want 3", got)
	}

	for _, a := range g.Arcs {
		if a.Capacity != 1 {
			t.Errorf("arc %d (%s) capacity = %d, want 1", a.ID, a.Kind, a.Capacity)
		}
	}

	// Selection rewards, boundary-free entry and exit, interior penalties.
	for _, arc := range g.ArcsFrom(g.InNode(a)) {
		if arc.Kind == ArcSelection && arc.RealCost != -cfg.DetectionWeight {
			t.Errorf("selection cost = %g, want %g", arc.RealCost, -cfg.DetectionWeight)
		}
	}
	for _, arc := range g.ArcsFrom(g.Source) {
		want := cfg.AppearancePenalty
		if arc.Dst == a {
			want = 0 // entering at the first frame is free
		}
		if arc.RealCost != want {
			t.Errorf("appearance cost for detection %d = %g, want %g", arc.Dst, arc.RealCost, want)
		}
	}
	for _, arc := range g.Arcs {
		if arc.Kind != ArcDisappearance {
			continue
		}
		want := cfg.DisappearancePenalty
		if arc.Src == c {
			want = 0 // leaving at the last frame is free
		}
		if arc.RealCost != want {
			t.Errorf("disappearance cost for detection %d = %g, want %g", arc.Src, arc.RealCost, want)
		}
	}
}

func TestBuildGraphIsolatedDetectionKept(t *testing.T) {
	cfg := DefaultLinkerConfig()
	set := NewDetectionSet()
	addDet(t, set, 0, 0, 0, 0)
	lone := addDet(t, set, 1, 500, 500, 0) // beyond any gating radius

	g, err := BuildGraph(set, testModel(t, cfg), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := arcCount(g, ArcMigration); got != 0 {
		t.Errorf("migration arcs = %d, want 0", got)
	}

	// The isolated detection still routes source -> in -> out -> sink.
	var hasAppearance, hasDisappearance bool
	for _, a := range g.Arcs {
		if a.Kind == ArcAppearance && a.Dst == lone {
			hasAppearance = true
		}
		if a.Kind == ArcDisappearance && a.Src == lone {
			hasDisappearance = true
		}
	}
	if !hasAppearance || !hasDisappearance {
		t.Error("isolated detection is not wired to both source and sink")
	}
}

func TestBuildGraphGapTolerance(t *testing.T) {
	cfg := DefaultLinkerConfig()
	set := NewDetectionSet()
	addDet(t, set, 0, 0, 0, 0)
	addDet(t, set, 2, 25, 0, 0) // 25um over 2 frames; within 2x the radius

	g, err := BuildGraph(set, testModel(t, cfg), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := arcCount(g, ArcMigration); got != 0 {
		t.Errorf("migration arcs with gap tolerance 1 = %d, want 0", got)
	}

	cfg.FrameGapTolerance = 2
	g, err = BuildGraph(set, testModel(t, cfg), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := arcCount(g, ArcMigration); got != 1 {
		t.Fatalf("migration arcs with gap tolerance 2 = %d, want 1", got)
	}
	for _, a := range g.Arcs {
		if a.Kind == ArcMigration && a.RealCost != 50 {
			t.Errorf("gap-2 migration cost = %g, want 50", a.RealCost)
		}
	}
}

func TestBuildGraphDivisionConstruct(t *testing.T) {
	cfg := DefaultLinkerConfig()
	set := NewDetectionSet()
	parent, err := set.Add(0, 0, 0, 0, nil, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	addDet(t, set, 1, 5, 0, 0)
	addDet(t, set, 1, -5, 0, 0)

	g, err := BuildGraph(set, testModel(t, cfg), cfg)
	if err != nil {
		t.Fatal(err)
	}

	if got := arcCount(g, ArcDivisionEntry); got != 1 {
		t.Fatalf("division entry arcs = %d, want 1", got)
	}
	if got := arcCount(g, ArcDivisionSpawn); got != 1 {
		t.Fatalf("division spawn arcs = %d, want 1", got)
	}
	if got := arcCount(g, ArcDivisionExit); got != 2 {
		t.Fatalf("division exit arcs = %d, want 2", got)
	}

	var entry, spawn Arc
	var exits []Arc
	for _, a := range g.Arcs {
		switch a.Kind {
		case ArcDivisionEntry:
			entry = a
		case ArcDivisionSpawn:
			spawn = a
		case ArcDivisionExit:
			exits = append(exits, a)
		}
	}

	if entry.From != g.OutNode(parent) {
		t.Error("entry arc does not leave the parent's out-node")
	}
	if spawn.From != g.Source {
		t.Error("spawn arc does not leave the source")
	}
	if spawn.GatedBy != entry.ID {
		t.Errorf("spawn arc gated by %d, want entry arc %d", spawn.GatedBy, entry.ID)
	}
	if spawn.To != entry.To {
		t.Error("spawn and entry arcs reach different helper nodes")
	}

	// Division cost 5 split evenly across the exits.
	for _, e := range exits {
		if e.From != entry.To {
			t.Error("exit arc does not leave the helper node")
		}
		if e.RealCost != 2.5 {
			t.Errorf("exit cost = %g, want 2.5", e.RealCost)
		}
	}
}

// TestBuildGraphDeterministic rebuilds the same graph with different worker
// counts; the arc lists must match exactly.
func TestBuildGraphDeterministic(t *testing.T) {
	build := func(workers int) *FlowGraph {
		cfg := DefaultLinkerConfig()
		cfg.SolverWorkers = workers
		set := NewDetectionSet()
		for i := 0; i < 40; i++ {
			frame := i % 4
			addDet(t, set, frame, float64(i%10)*3, float64(i%7)*3, float64(i%3))
		}
		g, err := BuildGraph(set, testModel(t, cfg), cfg)
		if err != nil {
			t.Fatal(err)
		}
		return g
	}

	a, b := build(1), build(8)
	if diff := cmp.Diff(a.Arcs, b.Arcs); diff != "" {
		t.Errorf("arc lists differ between worker counts (-serial +parallel):\n%s", diff)
	}
}

func TestCostScalerCollisions(t *testing.T) {
	// Costs within half an integer step round together by construction;
	// that is the resolution the scale promises, not a collision.
	s := newCostScaler(1000)
	if a, b := s.scale(0.2501), s.scale(0.2503); a != b {
		t.Fatalf("scale(0.2501) = %d, scale(0.2503) = %d, want equal", a, b)
	}
	if s.collisions != 0 {
		t.Errorf("collisions = %d for costs inside one step, want 0", s.collisions)
	}

	// A single bucket spanning more than half a step means materially
	// different costs were collapsed.
	s = newCostScaler(1000)
	s.scale(0.2496)
	s.scale(0.2504)
	if s.collisions == 0 {
		t.Error("scaler missed a bucket wider than half an integer step")
	}
}
