package tracking

import "fmt"

// DetectionError reports a malformed detection. Construction aborts for the
// offending detection only; the rest of the set is unaffected.
type DetectionError struct {
	ID     DetectionID
	Reason string
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection %d: %s", e.ID, e.Reason)
}

// InfeasibleError reports that the requested total flow value cannot be
// routed through the graph. Max carries the largest achievable flow so a
// caller can retry at that value instead of guessing.
type InfeasibleError struct {
	Requested int
	Max       int
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("infeasible flow: requested %d trajectories, graph supports at most %d", e.Requested, e.Max)
}

// ConsistencyError reports a conservation violation in a flow solution.
// It indicates an internal solver invariant breach and is always fatal;
// the linker never repairs or ignores it.
type ConsistencyError struct {
	Node    NodeID
	Inflow  int
	Outflow int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("flow conservation violated at node %d: inflow %d, outflow %d", e.Node, e.Inflow, e.Outflow)
}
