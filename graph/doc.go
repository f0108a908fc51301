// Package graph implements a stateful workflow graph runtime: named nodes
// connected by fixed and conditional edges, executed one step at a time with
// a shared state record threaded through every node.
//
// A Graph is built with AddNode, AddEdge and AddConditionalEdges, then
// frozen with Compile. The resulting CompiledGraph is immutable and safe to
// share between any number of concurrently executing threads. An Executor
// drives one thread at a time through the compiled graph, bounding cycles
// with an iteration guard and persisting checkpoints so a thread can be
// suspended at a declared interrupt point and resumed later, possibly by a
// different process.
//
// Basic usage:
//
//	g := graph.New()
//	g.AddNode("draft", draftFn)
//	g.AddNode("review", reviewFn)
//	g.AddEdge("draft", "review")
//	g.AddEdge("review", graph.End)
//	g.SetEntryPoint("draft")
//	compiled, err := g.Compile()
//
//	exec, err := graph.NewExecutor(compiled, graph.WithCheckpoints(mgr))
//	result, err := exec.Start(ctx, "thread-1", types.State{"topic": "go"})
package graph
