package types

// RunStatus is the lifecycle state of one thread's execution.
type RunStatus string

const (
	// StatusReady means the thread has been created but no node has run yet.
	StatusReady RunStatus = "ready"
	// StatusRunning means the executor is actively stepping through nodes.
	StatusRunning RunStatus = "running"
	// StatusSuspended means execution stopped at an interrupt point and a
	// checkpoint was persisted; the thread can be resumed later.
	StatusSuspended RunStatus = "suspended"
	// StatusCompleted means the terminal sentinel was reached.
	StatusCompleted RunStatus = "completed"
	// StatusFailed means an execution-time error stopped the thread.
	StatusFailed RunStatus = "failed"
)

// Terminal reports whether the status is a final one: a suspended thread is
// not terminal because it can still be resumed.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
