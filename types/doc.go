// Package types defines the shared primitives of the stategraph runtime:
// the State container threaded through graph nodes, the per-thread run
// status machine, and the unified error taxonomy used by the graph builder,
// the executor, and the checkpoint stores.
package types
