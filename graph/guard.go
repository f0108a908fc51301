package graph

import (
	"github.com/stategraph/stategraph/types"
)

// iterationGuard bounds cycles by counting node entries within one run.
// Counts reset whenever a thread starts or resumes; the guard trips before
// the offending execution, so a node capped at N is never run an N+1-th
// time.
type iterationGuard struct {
	max    int
	visits map[string]int
}

func newIterationGuard(max int) *iterationGuard {
	return &iterationGuard{
		max:    max,
		visits: make(map[string]int),
	}
}

// enter records a visit to the node and fails once the count would exceed
// the configured maximum.
func (g *iterationGuard) enter(nodeID string) error {
	g.visits[nodeID]++
	if g.visits[nodeID] > g.max {
		return types.NewErrorf(types.ErrMaxIterationsExceeded,
			"node %q reached the iteration limit of %d", nodeID, g.max).WithNode(nodeID)
	}
	return nil
}

// count returns how many times a node has been entered in this run.
func (g *iterationGuard) count(nodeID string) int {
	return g.visits[nodeID]
}
