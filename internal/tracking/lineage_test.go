package tracking

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExtractLineageChain(t *testing.T) {
	cfg := DefaultLinkerConfig()
	set := chainSet(t)
	g := buildTestGraph(t, set, cfg)

	sol, err := Solve(context.Background(), g, 1)
	if err != nil {
		t.Fatal(err)
	}
	l, err := ExtractLineage(g, sol, set)
	if err != nil {
		t.Fatal(err)
	}

	if len(l.Tracks) != 1 {
		t.Fatalf("extracted %d tracks, want 1", len(l.Tracks))
	}
	track := l.Tracks[0]
	if len(track.Points) != 3 {
		t.Fatalf("track has %d points, want 3", len(track.Points))
	}
	for i, p := range track.Points {
		if p.Frame != i {
			t.Errorf("point %d at frame %d, want %d", i, p.Frame, i)
		}
	}
	if track.Parent != NoTrack || len(track.Children) != 0 {
		t.Error("plain chain has lineage relations")
	}
	if track.LineageID != track.ID {
		t.Errorf("root track lineage ID = %d, want its own ID %d", track.LineageID, track.ID)
	}
	if l.Appearances != 1 || l.Disappearances != 1 || l.Divisions != 0 {
		t.Errorf("event counts = (%d, %d, %d), want (1, 1, 0)",
			l.Appearances, l.Disappearances, l.Divisions)
	}
	if err := l.Validate(set, cfg); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

// divisionSet is a mother tracked for two frames that splits into two
// symmetric daughters. The reduced division weight makes entering the
// division construct strictly cheaper than plain migration, so the solver
// must route both units through the helper node.
func divisionSet(t *testing.T) (*DetectionSet, LinkerConfig) {
	t.Helper()
	cfg := DefaultLinkerConfig()
	cfg.DivisionWeight = 0.5

	set := NewDetectionSet()
	addDet(t, set, 0, 0, 0, 0)
	if _, err := set.Add(1, 0, 0, 0, nil, 0.9); err != nil {
		t.Fatal(err)
	}
	addDet(t, set, 2, 5, 0, 0)
	addDet(t, set, 2, -5, 0, 0)
	return set, cfg
}

func TestExtractLineageDivision(t *testing.T) {
	set, cfg := divisionSet(t)
	g := buildTestGraph(t, set, cfg)

	sol, err := SolveSweep(context.Background(), g, 0)
	if err != nil {
		t.Fatal(err)
	}
	if sol.Value != 2 {
		t.Fatalf("flow value = %d, want 2", sol.Value)
	}
	// Four detection rewards, a free migration, and a 2.5um division split
	// into two 1.25 exits.
	if math.Abs(sol.RealCost-(-117.5)) > 1e-9 {
		t.Errorf("real cost = %g, want -117.5", sol.RealCost)
	}

	l, err := ExtractLineage(g, sol, set)
	if err != nil {
		t.Fatal(err)
	}
	if len(l.Tracks) != 3 {
		t.Fatalf("extracted %d tracks, want parent and two daughters", len(l.Tracks))
	}
	if l.Divisions != 1 || l.Appearances != 1 || l.Disappearances != 2 {
		t.Errorf("event counts = (%d, %d, %d), want (1, 1, 2)",
			l.Divisions, l.Appearances, l.Disappearances)
	}

	parent := l.Tracks[0]
	if len(parent.Points) != 2 {
		t.Errorf("parent track has %d points, want 2", len(parent.Points))
	}
	if len(parent.Children) != 2 {
		t.Fatalf("parent has %d children, want 2", len(parent.Children))
	}
	for _, c := range parent.Children {
		child := l.TrackByID(c)
		if child == nil {
			t.Fatalf("child track %d missing", c)
		}
		if child.Parent != parent.ID {
			t.Errorf("child %d has parent %d, want %d", c, child.Parent, parent.ID)
		}
		if child.LineageID != parent.LineageID {
			t.Errorf("child %d lineage = %d, want %d", c, child.LineageID, parent.LineageID)
		}
		if child.StartFrame() != parent.EndFrame()+1 {
			t.Errorf("child %d starts at frame %d, want %d", c, child.StartFrame(), parent.EndFrame()+1)
		}
		if len(child.Points) != 1 {
			t.Errorf("child %d has %d points, want 1", c, len(child.Points))
		}
	}
	if err := l.Validate(set, cfg); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestExtractLineageDeterministic(t *testing.T) {
	set, cfg := divisionSet(t)
	// A second, distant family to give the solver genuine ordering choices.
	addDet(t, set, 0, 200, 0, 0)
	addDet(t, set, 1, 201, 0, 0)
	addDet(t, set, 2, 202, 0, 0)

	extract := func() *Lineage {
		g := buildTestGraph(t, set, cfg)
		sol, err := SolveSweep(context.Background(), g, 0)
		if err != nil {
			t.Fatal(err)
		}
		l, err := ExtractLineage(g, sol, set)
		if err != nil {
			t.Fatal(err)
		}
		return l
	}

	a, b := extract(), extract()
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("repeated extraction differs (-first +second):\n%s", diff)
	}
}

func TestExtractLineageRejectsTamperedFlow(t *testing.T) {
	cfg := DefaultLinkerConfig()
	set := chainSet(t)
	g := buildTestGraph(t, set, cfg)

	sol, err := Solve(context.Background(), g, 1)
	if err != nil {
		t.Fatal(err)
	}

	// Break conservation on one migration arc.
	for _, a := range g.Arcs {
		if a.Kind == ArcMigration {
			sol.ArcFlow[a.ID] = 0
			break
		}
	}
	_, err = ExtractLineage(g, sol, set)
	var cerr *ConsistencyError
	if !errors.As(err, &cerr) {
		t.Errorf("tampered flow produced %v, want a ConsistencyError", err)
	}
}

func TestVerifyFlowCapacity(t *testing.T) {
	cfg := DefaultLinkerConfig()
	g := buildTestGraph(t, chainSet(t), cfg)

	sol := &FlowSolution{ArcFlow: make([]int32, len(g.Arcs))}
	sol.ArcFlow[0] = 2 // above the universal unit capacity
	if err := VerifyFlow(g, sol); err == nil {
		t.Error("VerifyFlow accepted flow above capacity")
	}
}
