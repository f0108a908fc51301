package graph

import (
	"sort"

	"github.com/stategraph/stategraph/types"
)

// CompiledGraph is the frozen, validated form of a Graph. It is immutable
// and safe to share between any number of concurrent executions.
type CompiledGraph struct {
	entry      string
	nodes      map[string]*node
	edges      map[string]*edge
	interrupts map[string]bool
}

// Entry returns the entry node id.
func (g *CompiledGraph) Entry() string { return g.entry }

// Nodes returns the registered node ids in sorted order.
func (g *CompiledGraph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// InterruptsBefore reports whether execution must suspend before a node.
func (g *CompiledGraph) InterruptsBefore(id string) bool { return g.interrupts[id] }

// hasInterrupts reports whether any interrupt point is declared.
func (g *CompiledGraph) hasInterrupts() bool { return len(g.interrupts) > 0 }

// next resolves the successor of a node. For conditional edges the router
// gets a private copy of the state; inlineLabel is the label a routing node
// returned from its own step, used when the edge carries no router.
func (g *CompiledGraph) next(nodeID string, state types.State, inlineLabel string) (string, error) {
	e, exists := g.edges[nodeID]
	if !exists {
		// Compile guarantees every node has an edge; reaching this means the
		// caller routed to something that was never a node.
		return "", types.NewErrorf(types.ErrUnknownNode, "no route out of %q", nodeID).WithNode(nodeID)
	}
	if !e.conditional() {
		return e.to, nil
	}

	label := inlineLabel
	if e.router != nil {
		label = e.router(state.Clone())
	}
	to, ok := e.targets[label]
	if !ok {
		return "", types.NewErrorf(types.ErrInvalidRoute,
			"router for %q returned undeclared label %q (declared: %v)", nodeID, label, labelSet(e.targets)).WithNode(nodeID)
	}
	return to, nil
}

func labelSet(targets map[string]string) []string {
	out := make([]string, 0, len(targets))
	for label := range targets {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}
