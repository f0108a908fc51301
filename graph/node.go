package graph

import (
	"context"

	"github.com/stategraph/stategraph/types"
)

// End is the reserved terminal sentinel. Routing to End completes the
// thread; End can never be registered as a node.
const End = "__end__"

// NodeFunc is a single processing step. It receives the full current state
// and returns the fields it changed; untouched fields pass through
// unchanged. Implementations must not retain the state beyond the call.
type NodeFunc func(ctx context.Context, state types.State) (types.State, error)

// RoutingNodeFunc is a step that also decides routing inline: besides the
// updated state it returns the label resolved against the node's conditional
// edge mapping.
type RoutingNodeFunc func(ctx context.Context, state types.State) (types.State, string, error)

// RouteFunc inspects state and returns a routing label. Routers are
// read-only: they receive a copy of the state, so any mutation is discarded.
type RouteFunc func(state types.State) string

// RouteByField returns a router that reads the label from a state field.
// This is the usual multi-actor handoff shape: one node writes the field,
// the router hands control to whichever worker it names.
func RouteByField(field string) RouteFunc {
	return func(state types.State) string {
		return state.GetString(field)
	}
}

// node is one registry entry. Exactly one of fn and routingFn is set.
type node struct {
	id        string
	fn        NodeFunc
	routingFn RoutingNodeFunc
}

// run invokes the step function and returns the state delta plus the inline
// routing label, empty for plain nodes.
func (n *node) run(ctx context.Context, state types.State) (types.State, string, error) {
	if n.routingFn != nil {
		return n.routingFn(ctx, state)
	}
	out, err := n.fn(ctx, state)
	return out, "", err
}
