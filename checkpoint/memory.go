package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. It is the default backend
// for tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]map[int64]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]map[int64]*Checkpoint),
	}
}

// Put persists a checkpoint keyed by (thread_id, seq).
func (s *MemoryStore) Put(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byseq, ok := s.threads[cp.ThreadID]
	if !ok {
		byseq = make(map[int64]*Checkpoint)
		s.threads[cp.ThreadID] = byseq
	}
	byseq[cp.Seq] = cp.Clone()
	return nil
}

// Get loads the checkpoint with the given sequence number.
func (s *MemoryStore) Get(ctx context.Context, threadID string, seq int64) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byseq, ok := s.threads[threadID]
	if !ok {
		return nil, notFound(threadID)
	}
	cp, ok := byseq[seq]
	if !ok {
		return nil, notFoundSeq(threadID, seq)
	}
	return cp.Clone(), nil
}

// Latest loads the highest-sequence checkpoint of a thread.
func (s *MemoryStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byseq, ok := s.threads[threadID]
	if !ok || len(byseq) == 0 {
		return nil, notFound(threadID)
	}
	var latest *Checkpoint
	for _, cp := range byseq {
		if latest == nil || cp.Seq > latest.Seq {
			latest = cp
		}
	}
	return latest.Clone(), nil
}

// List returns up to limit checkpoints of a thread, newest first.
func (s *MemoryStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byseq, ok := s.threads[threadID]
	if !ok {
		return nil, notFound(threadID)
	}
	out := make([]*Checkpoint, 0, len(byseq))
	for _, cp := range byseq {
		out = append(out, cp.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteThread removes all checkpoints of a thread.
func (s *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}
