package graph

import (
	"go.uber.org/zap"

	"github.com/stategraph/stategraph/types"
)

// edge is the single outgoing route of a node: either a fixed successor or
// a label mapping resolved by a router (or by the node's inline label).
type edge struct {
	to      string
	router  RouteFunc
	targets map[string]string
}

func (e *edge) conditional() bool { return e.targets != nil }

// Graph is the mutable builder for a workflow graph. It is not safe for
// concurrent use; Compile freezes it into an immutable CompiledGraph.
type Graph struct {
	nodes      map[string]*node
	edges      map[string]*edge
	entry      string
	interrupts map[string]bool
	logger     *zap.Logger
}

// New creates an empty graph builder.
func New() *Graph {
	return &Graph{
		nodes:      make(map[string]*node),
		edges:      make(map[string]*edge),
		interrupts: make(map[string]bool),
		logger:     zap.NewNop(),
	}
}

// WithLogger sets the logger used by Compile and inherited by executors.
func (g *Graph) WithLogger(logger *zap.Logger) *Graph {
	if logger != nil {
		g.logger = logger
	}
	return g
}

// AddNode registers a processing step under a unique id.
func (g *Graph) AddNode(id string, fn NodeFunc) error {
	if err := g.checkNodeID(id, fn == nil); err != nil {
		return err
	}
	g.nodes[id] = &node{id: id, fn: fn}
	return nil
}

// AddRoutingNode registers a step that returns its own routing label. The
// node still needs a conditional edge declaring its allowed targets; that
// edge may omit the router since the node supplies the label.
func (g *Graph) AddRoutingNode(id string, fn RoutingNodeFunc) error {
	if err := g.checkNodeID(id, fn == nil); err != nil {
		return err
	}
	g.nodes[id] = &node{id: id, routingFn: fn}
	return nil
}

func (g *Graph) checkNodeID(id string, nilFn bool) error {
	if id == "" {
		return types.NewError(types.ErrGraphIntegrity, "node id cannot be empty")
	}
	if id == End {
		return types.NewErrorf(types.ErrGraphIntegrity, "%q is the reserved terminal sentinel", End)
	}
	if nilFn {
		return types.NewErrorf(types.ErrGraphIntegrity, "node %q has a nil step function", id).WithNode(id)
	}
	if _, exists := g.nodes[id]; exists {
		return types.NewErrorf(types.ErrDuplicateNode, "node %q already registered", id).WithNode(id)
	}
	return nil
}

// AddEdge declares the fixed successor of a node. The target may be End.
func (g *Graph) AddEdge(from, to string) error {
	if _, exists := g.edges[from]; exists {
		return types.NewErrorf(types.ErrGraphIntegrity, "node %q already has an outgoing edge", from).WithNode(from)
	}
	g.edges[from] = &edge{to: to}
	return nil
}

// AddConditionalEdges declares a routed successor: router picks a label,
// mapping translates it to a target node id (or End). A nil router is
// allowed only when from is a routing node that supplies the label itself.
func (g *Graph) AddConditionalEdges(from string, router RouteFunc, mapping map[string]string) error {
	if _, exists := g.edges[from]; exists {
		return types.NewErrorf(types.ErrGraphIntegrity, "node %q already has an outgoing edge", from).WithNode(from)
	}
	if len(mapping) == 0 {
		return types.NewErrorf(types.ErrGraphIntegrity, "conditional edge from %q has an empty mapping", from).WithNode(from)
	}
	targets := make(map[string]string, len(mapping))
	for label, to := range mapping {
		targets[label] = to
	}
	g.edges[from] = &edge{router: router, targets: targets}
	return nil
}

// SetEntryPoint declares the node execution starts at.
func (g *Graph) SetEntryPoint(id string) error {
	if _, exists := g.nodes[id]; !exists {
		return types.NewErrorf(types.ErrUnknownNode, "entry point %q is not a registered node", id).WithNode(id)
	}
	g.entry = id
	return nil
}

// InterruptBefore marks nodes as interrupt points: execution suspends with
// a persisted checkpoint immediately before each marked node runs.
func (g *Graph) InterruptBefore(ids ...string) *Graph {
	for _, id := range ids {
		g.interrupts[id] = true
	}
	return g
}

// Compile validates the graph and freezes it. Validation failures report
// every authoring mistake it can find, so graphs fail before any step runs
// rather than mid-execution.
func (g *Graph) Compile() (*CompiledGraph, error) {
	if len(g.nodes) == 0 {
		return nil, types.NewError(types.ErrGraphIntegrity, "graph has no nodes")
	}
	if g.entry == "" {
		return nil, types.NewError(types.ErrGraphIntegrity, "entry point not set")
	}

	for from, e := range g.edges {
		if _, exists := g.nodes[from]; !exists {
			return nil, types.NewErrorf(types.ErrGraphIntegrity, "edge source %q is not a registered node", from).WithNode(from)
		}
		if e.conditional() {
			for label, to := range e.targets {
				if to != End {
					if _, exists := g.nodes[to]; !exists {
						return nil, types.NewErrorf(types.ErrGraphIntegrity,
							"conditional edge from %q maps label %q to unregistered node %q", from, label, to).WithNode(from)
					}
				}
			}
			if e.router == nil && g.nodes[from].routingFn == nil {
				return nil, types.NewErrorf(types.ErrGraphIntegrity,
					"conditional edge from %q has no router and %q is not a routing node", from, from).WithNode(from)
			}
		} else if e.to != End {
			if _, exists := g.nodes[e.to]; !exists {
				return nil, types.NewErrorf(types.ErrGraphIntegrity, "edge from %q targets unregistered node %q", from, e.to).WithNode(from)
			}
		}
	}

	// Every node must be able to hand control onward; a node with no
	// outgoing edge would strand the thread.
	for id := range g.nodes {
		if _, exists := g.edges[id]; !exists {
			return nil, types.NewErrorf(types.ErrGraphIntegrity, "node %q has no outgoing edge", id).WithNode(id)
		}
	}

	for id := range g.interrupts {
		if _, exists := g.nodes[id]; !exists {
			return nil, types.NewErrorf(types.ErrGraphIntegrity, "interrupt point %q is not a registered node", id).WithNode(id)
		}
	}

	compiled := &CompiledGraph{
		entry:      g.entry,
		nodes:      make(map[string]*node, len(g.nodes)),
		edges:      make(map[string]*edge, len(g.edges)),
		interrupts: make(map[string]bool, len(g.interrupts)),
	}
	for id, n := range g.nodes {
		compiled.nodes[id] = n
	}
	for from, e := range g.edges {
		compiled.edges[from] = e
	}
	for id := range g.interrupts {
		compiled.interrupts[id] = true
	}

	g.logger.Info("graph compiled",
		zap.String("entry", g.entry),
		zap.Int("nodes", len(g.nodes)),
		zap.Int("interrupt_points", len(g.interrupts)),
	)
	return compiled, nil
}
