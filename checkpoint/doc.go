// Package checkpoint persists (thread, sequence, state, pending node)
// snapshots so a graph execution can be suspended and resumed later,
// possibly by a different process.
//
// A Store is a dumb keyed persistence backend; the Manager layers sequence
// assignment, per-thread write serialization, and logging on top of it.
// Backends: in-memory, Redis, GORM (SQLite/PostgreSQL/MySQL), and MongoDB.
package checkpoint
