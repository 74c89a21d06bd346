package tracking

import (
	"container/heap"
	"context"
	"math"

	"github.com/banshee-data/lineage.report/internal/monitoring"
)

// FlowSolution is an integral min-cost flow through a FlowGraph: flow per
// arc (indexed by ArcID), the total routed flow value and its cost. Produced
// once per solve, consumed by the extractor, never mutated afterward.
type FlowSolution struct {
	ArcFlow  []int32
	Value    int
	Cost     int64   // in scaled integer units
	RealCost float64 // Cost / scale, as real cost units
}

// Solve finds the minimum-cost integral flow of exactly targetFlow units
// through the graph using successive shortest augmenting paths with Johnson
// potentials. Costs are scaled integers throughout, so shortest-path
// comparisons are exact.
//
// Determinism: the priority queue orders by (distance, node ID) and arcs are
// relaxed in ascending arc-ID order with strict improvement, so among
// equal-cost augmenting paths the lexicographically smallest
// (node ID, arc ID) path always wins.
//
// If targetFlow exceeds the maximum flow the graph supports, Solve returns
// an InfeasibleError carrying the true maximum; it never silently truncates.
// Cancellation via ctx is checked between augmentations and returns the
// context's error, distinct from infeasibility.
func Solve(ctx context.Context, g *FlowGraph, targetFlow int) (*FlowSolution, error) {
	s := newSolverState(g)
	sol, _, err := s.run(ctx, targetFlow, 0)
	return sol, err
}

// SolveSweep searches flow values 0..maxFlow for the one with the smallest
// total cost. Each augmentation's marginal cost is recorded and every prefix
// inspected, so the pick stays correct even when division-gate flips make
// the marginals non-monotone; if the best prefix is shorter than the full
// augmentation run, the solve is re-run at that fixed value to produce the
// matching flow.
//
// maxFlow <= 0 means no explicit bound beyond what the graph supports.
func SolveSweep(ctx context.Context, g *FlowGraph, maxFlow int) (*FlowSolution, error) {
	s := newSolverState(g)
	bound := maxFlow
	if bound <= 0 {
		bound = math.MaxInt32
	}
	sol, marginals, err := s.run(ctx, -1, bound)
	if err != nil {
		return nil, err
	}
	if len(marginals) == 0 {
		return sol, nil
	}

	// Pick the prefix 0..k with minimum cumulative cost, smallest k on ties.
	// Zero flow costs nothing, so a prefix only wins by being net negative.
	bestK, bestCost := 0, int64(0)
	var cum int64
	for k := 1; k <= len(marginals); k++ {
		cum += marginals[k-1]
		if cum < bestCost {
			bestK, bestCost = k, cum
		}
	}
	if bestK == sol.Value {
		return sol, nil
	}
	if bestK == 0 {
		monitoring.Debugf("tracking: sweep selected zero flow")
		return &FlowSolution{ArcFlow: make([]int32, len(g.Arcs))}, nil
	}

	monitoring.Debugf("tracking: sweep selected flow %d of %d (cost %d)", bestK, sol.Value, bestCost)
	fresh := newSolverState(g)
	best, _, err := fresh.run(ctx, bestK, 0)
	return best, err
}

// VerifyFlow defensively checks conservation at every node (except source
// and sink) and capacity respect on every arc. The solver cannot produce a
// violating solution; a failure here means an internal invariant broke and
// surfaces as a fatal ConsistencyError.
func VerifyFlow(g *FlowGraph, sol *FlowSolution) error {
	inflow := make([]int, g.NumNodes)
	outflow := make([]int, g.NumNodes)
	for _, a := range g.Arcs {
		f := int(sol.ArcFlow[a.ID])
		if f < 0 || f > int(a.Capacity) {
			return &ConsistencyError{Node: a.From, Inflow: f, Outflow: int(a.Capacity)}
		}
		outflow[a.From] += f
		inflow[a.To] += f
	}
	for n := 0; n < g.NumNodes; n++ {
		id := NodeID(n)
		if id == g.Source || id == g.Sink {
			continue
		}
		if inflow[n] != outflow[n] {
			return &ConsistencyError{Node: id, Inflow: inflow[n], Outflow: outflow[n]}
		}
	}
	return nil
}

// solverState carries the residual network for one solve. Edges come in
// pairs: edge 2i is arc i forward, edge 2i+1 its residual reverse. The
// state is private to the solve; parallel sub-problems each build their own.
type solverState struct {
	g   *FlowGraph
	n   int
	m   int     // arc count
	to  []int32 // per edge
	cap []int32
	cst []int64
	adj [][]int32 // per node, edge indices in ascending order

	flow   []int32 // per arc
	pot    []int64 // node potentials
	spawns []ArcID // entry arc -> spawn arc it gates, NoArc otherwise

	// gatesDirty forces a Bellman-Ford pass: flipping a gate can expose an
	// arc whose reduced cost under the current potentials is negative,
	// which Dijkstra must not see.
	gatesDirty bool
}

const infCost = int64(math.MaxInt64 / 4)

func newSolverState(g *FlowGraph) *solverState {
	m := len(g.Arcs)
	s := &solverState{
		g:          g,
		n:          g.NumNodes,
		m:          m,
		to:         make([]int32, 2*m),
		cap:        make([]int32, 2*m),
		cst:        make([]int64, 2*m),
		adj:        make([][]int32, g.NumNodes),
		flow:       make([]int32, m),
		pot:        make([]int64, g.NumNodes),
		spawns:     make([]ArcID, m),
		gatesDirty: true, // selection arcs may be negative; seed potentials first
	}
	for i := range s.spawns {
		s.spawns[i] = NoArc
	}
	for _, a := range g.Arcs {
		e := int32(2 * a.ID)
		s.to[e] = int32(a.To)
		s.cap[e] = a.Capacity
		s.cst[e] = a.Cost
		s.to[e+1] = int32(a.From)
		s.cap[e+1] = 0
		s.cst[e+1] = -a.Cost
		s.adj[a.From] = append(s.adj[a.From], e)
		s.adj[a.To] = append(s.adj[a.To], e+1)
		if a.GatedBy != NoArc {
			s.spawns[a.GatedBy] = a.ID
		}
	}
	return s
}

// usable reports whether edge e is traversable in the current residual
// graph, applying division gating on top of residual capacity:
//
//   - a spawn arc is only open while its entry arc carries flow (a division
//     cannot begin before its parent reaches the helper node);
//   - the reverse residual of an entry arc is closed while its spawn arc
//     carries flow (the parent cannot abandon a division in progress).
func (s *solverState) usable(e int32) bool {
	if s.cap[e] <= 0 {
		return false
	}
	arc := &s.g.Arcs[e/2]
	if e%2 == 0 {
		if arc.GatedBy != NoArc && s.flow[arc.GatedBy] == 0 {
			return false
		}
	} else {
		if spawn := s.spawns[arc.ID]; spawn != NoArc && s.flow[spawn] > 0 {
			return false
		}
	}
	return true
}

// run augments until targetFlow units are routed (targetFlow >= 0), or until
// no augmenting path remains (targetFlow < 0), bounded by maxUnits in sweep
// mode. It returns the solution and the per-unit marginal costs.
func (s *solverState) run(ctx context.Context, targetFlow, maxUnits int) (*FlowSolution, []int64, error) {
	var marginals []int64
	value := 0
	var cost int64

	dist := make([]int64, s.n)
	prevEdge := make([]int32, s.n)

	for {
		if targetFlow >= 0 && value >= targetFlow {
			break
		}
		if targetFlow < 0 && value >= maxUnits {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		var ok bool
		if s.gatesDirty {
			ok = s.bellmanFord(dist, prevEdge)
			s.gatesDirty = false
		} else {
			ok = s.dijkstra(dist, prevEdge)
		}
		if !ok {
			break
		}

		// Update potentials so reduced costs stay non-negative for the next
		// Dijkstra pass. Unreached nodes keep their potential; they stay
		// unreachable until a gate flips, which forces Bellman-Ford anyway.
		for v := 0; v < s.n; v++ {
			if dist[v] < infCost {
				s.pot[v] += dist[v]
			}
		}

		marginal := s.augment(prevEdge)
		cost += marginal
		value++
		marginals = append(marginals, marginal)
		monitoring.Debugf("tracking: augmentation %d cost %d", value, marginal)
	}

	if targetFlow >= 0 && value < targetFlow {
		return nil, nil, &InfeasibleError{Requested: targetFlow, Max: value}
	}

	sol := &FlowSolution{
		ArcFlow: append([]int32(nil), s.flow...),
		Value:   value,
		Cost:    cost,
	}
	if scale := s.costScaleGuess(); scale > 0 {
		sol.RealCost = float64(cost) / scale
	}
	return sol, marginals, nil
}

// bellmanFord computes exact shortest distances under the current reduced
// costs, tolerating the negative reduced costs that appear right after a
// gate flips or on the first pass. Relaxation scans edges in ascending
// (node, edge) order for deterministic parents.
func (s *solverState) bellmanFord(dist []int64, prevEdge []int32) bool {
	for v := range dist {
		dist[v] = infCost
		prevEdge[v] = -1
	}
	dist[s.g.Source] = 0

	for iter := 0; iter < s.n; iter++ {
		changed := false
		for v := 0; v < s.n; v++ {
			if dist[v] >= infCost {
				continue
			}
			for _, e := range s.adj[v] {
				if !s.usable(e) {
					continue
				}
				w := int32(s.to[e])
				nd := dist[v] + s.cst[e] + s.pot[v] - s.pot[w]
				if nd < dist[w] {
					dist[w] = nd
					prevEdge[w] = e
					changed = true
				}
			}
		}
		if !changed {
			return dist[s.g.Sink] < infCost
		}
	}
	// A full n iterations without convergence implies a negative residual
	// cycle, which successive shortest path augmentation cannot create.
	monitoring.Logf("tracking: solver shortest-path pass failed to converge; residual graph inconsistent")
	return false
}

// dijkstra computes shortest distances under reduced costs, which are
// non-negative between gate flips. The heap orders by (distance, node ID)
// and edges relax in ascending edge order with strict improvement, fixing
// the tie-break.
func (s *solverState) dijkstra(dist []int64, prevEdge []int32) bool {
	for v := range dist {
		dist[v] = infCost
		prevEdge[v] = -1
	}
	dist[s.g.Source] = 0

	pq := &nodeQueue{{node: int32(s.g.Source), dist: 0}}
	for pq.Len() > 0 {
		item := heap.Pop(pq).(nodeItem)
		v := item.node
		if item.dist > dist[v] {
			continue // stale entry
		}
		for _, e := range s.adj[v] {
			if !s.usable(e) {
				continue
			}
			w := s.to[e]
			nd := dist[v] + s.cst[e] + s.pot[v] - s.pot[w]
			if nd < dist[w] {
				dist[w] = nd
				prevEdge[w] = e
				heap.Push(pq, nodeItem{node: w, dist: nd})
			}
		}
	}
	return dist[s.g.Sink] < infCost
}

// augment pushes one unit along the shortest path recorded in prevEdge and
// returns the true (unreduced) cost of the path. All tracking arcs have
// unit capacity, so the bottleneck is always one.
func (s *solverState) augment(prevEdge []int32) int64 {
	var pathCost int64
	for v := int32(s.g.Sink); v != int32(s.g.Source); {
		e := prevEdge[v]
		s.cap[e]--
		s.cap[e^1]++
		pathCost += s.cst[e]

		arcID := ArcID(e / 2)
		if e%2 == 0 {
			s.flow[arcID]++
		} else {
			s.flow[arcID]--
		}
		kind := s.g.Arcs[arcID].Kind
		if kind == ArcDivisionEntry || kind == ArcDivisionSpawn {
			s.gatesDirty = true
		}
		v = s.to[e^1]
	}
	return pathCost
}

// costScaleGuess recovers the scale factor from the graph arcs so the
// solution can report a real-valued total cost. Zero when the graph carries
// no nonzero real costs to compare against.
func (s *solverState) costScaleGuess() float64 {
	for _, a := range s.g.Arcs {
		if a.RealCost != 0 && a.Cost != 0 {
			return float64(a.Cost) / a.RealCost
		}
	}
	return 0
}

// nodeItem and nodeQueue implement the Dijkstra priority queue with the
// (distance, node ID) ordering.
type nodeItem struct {
	node int32
	dist int64
}

type nodeQueue []nodeItem

func (q nodeQueue) Len() int { return len(q) }
func (q nodeQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].node < q[j].node
}
func (q nodeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *nodeQueue) Push(x interface{}) { *q = append(*q, x.(nodeItem)) }

func (q *nodeQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
