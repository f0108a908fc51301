package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stategraph/stategraph/types"
)

// Checkpoint is one persisted snapshot of a thread: the state after the last
// completed node and the node the executor will run next.
type Checkpoint struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Seq       int64          `json:"seq"`
	NodeID    string         `json:"node_id"`
	State     types.State    `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	ParentID  string         `json:"parent_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.State = c.State.Clone()
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Store is the persistence backend for checkpoints. Implementations must
// return a types.Error with code NOT_FOUND for missing threads or sequence
// numbers; they do not need to serialize writes per thread, the Manager
// does that.
type Store interface {
	// Put persists a checkpoint keyed by (thread_id, seq).
	Put(ctx context.Context, cp *Checkpoint) error

	// Get loads the checkpoint with the given sequence number.
	Get(ctx context.Context, threadID string, seq int64) (*Checkpoint, error)

	// Latest loads the highest-sequence checkpoint of a thread.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// List returns up to limit checkpoints of a thread, newest first.
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)

	// DeleteThread removes all checkpoints of a thread.
	DeleteThread(ctx context.Context, threadID string) error
}

// notFound builds the canonical missing-thread error.
func notFound(threadID string) error {
	return types.NewErrorf(types.ErrNotFound, "no checkpoints for thread %q", threadID).WithThread(threadID)
}

// notFoundSeq builds the canonical missing-sequence error.
func notFoundSeq(threadID string, seq int64) error {
	return types.NewErrorf(types.ErrNotFound, "no checkpoint %d for thread %q", seq, threadID).WithThread(threadID)
}

// Manager assigns monotonically increasing sequence numbers per thread and
// serializes writes so two concurrent resumes of the same thread can never
// produce divergent sequences.
type Manager struct {
	store  Store
	logger *zap.Logger

	mu      sync.Mutex
	threads map[string]*sync.Mutex
}

// NewManager creates a checkpoint manager on top of a store.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   store,
		logger:  logger.With(zap.String("component", "checkpoint_manager")),
		threads: make(map[string]*sync.Mutex),
	}
}

// threadLock returns the write lock for a thread id, creating it on first use.
func (m *Manager) threadLock(threadID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.threads[threadID]
	if !ok {
		l = &sync.Mutex{}
		m.threads[threadID] = l
	}
	return l
}

// Save persists a new checkpoint for the thread with the next sequence
// number. The state is deep-copied before it is handed to the store.
func (m *Manager) Save(ctx context.Context, threadID, nodeID string, state types.State, metadata map[string]any) (*Checkpoint, error) {
	lock := m.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	var seq int64 = 1
	var parentID string
	latest, err := m.store.Latest(ctx, threadID)
	switch {
	case err == nil:
		seq = latest.Seq + 1
		parentID = latest.ID
	case types.IsNotFound(err):
		// first checkpoint of the thread
	default:
		return nil, err
	}

	cp := &Checkpoint{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Seq:       seq,
		NodeID:    nodeID,
		State:     state.Clone(),
		CreatedAt: time.Now().UTC(),
		ParentID:  parentID,
		Metadata:  metadata,
	}

	if err := m.store.Put(ctx, cp); err != nil {
		return nil, err
	}

	m.logger.Debug("checkpoint saved",
		zap.String("thread_id", threadID),
		zap.Int64("seq", seq),
		zap.String("pending_node", nodeID),
	)
	return cp.Clone(), nil
}

// Latest returns the highest-sequence checkpoint of a thread.
func (m *Manager) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	cp, err := m.store.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return cp.Clone(), nil
}

// Get returns the checkpoint at a specific sequence number, for time-travel
// resumes and debugging.
func (m *Manager) Get(ctx context.Context, threadID string, seq int64) (*Checkpoint, error) {
	cp, err := m.store.Get(ctx, threadID, seq)
	if err != nil {
		return nil, err
	}
	return cp.Clone(), nil
}

// History lists a thread's checkpoints, newest first.
func (m *Manager) History(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	cps, err := m.store.List(ctx, threadID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Checkpoint, len(cps))
	for i, cp := range cps {
		out[i] = cp.Clone()
	}
	return out, nil
}

// DeleteThread removes all persisted checkpoints of a thread.
func (m *Manager) DeleteThread(ctx context.Context, threadID string) error {
	lock := m.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	m.logger.Debug("thread checkpoints deleted", zap.String("thread_id", threadID))
	return nil
}
