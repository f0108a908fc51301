package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore persists checkpoints in Redis: one JSON blob per checkpoint plus
// a per-thread sorted set scored by sequence number, so the latest snapshot
// is a single ZREVRANGE away.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed store. A zero ttl keeps checkpoints
// forever; otherwise both blobs and the thread index expire together.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "stategraph"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("store", "redis_checkpoint")),
	}
}

func (s *RedisStore) blobKey(threadID string, seq int64) string {
	return fmt.Sprintf("%s:cp:%s:%d", s.prefix, threadID, seq)
}

func (s *RedisStore) indexKey(threadID string) string {
	return fmt.Sprintf("%s:idx:%s", s.prefix, threadID)
}

// Put persists a checkpoint keyed by (thread_id, seq).
func (s *RedisStore) Put(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	key := s.blobKey(cp.ThreadID, cp.Seq)
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}

	idx := s.indexKey(cp.ThreadID)
	member := strconv.FormatInt(cp.Seq, 10)
	if err := s.client.ZAdd(ctx, idx, redis.Z{Score: float64(cp.Seq), Member: member}).Err(); err != nil {
		return fmt.Errorf("index checkpoint: %w", err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, idx, s.ttl).Err(); err != nil {
			return fmt.Errorf("expire index: %w", err)
		}
	}

	s.logger.Debug("checkpoint saved to redis",
		zap.String("thread_id", cp.ThreadID),
		zap.Int64("seq", cp.Seq),
	)
	return nil
}

// Get loads the checkpoint with the given sequence number.
func (s *RedisStore) Get(ctx context.Context, threadID string, seq int64) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.blobKey(threadID, seq)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFoundSeq(threadID, seq)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return decode(data)
}

// Latest loads the highest-sequence checkpoint of a thread.
func (s *RedisStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	members, err := s.client.ZRevRange(ctx, s.indexKey(threadID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("read thread index: %w", err)
	}
	if len(members) == 0 {
		return nil, notFound(threadID)
	}
	seq, err := strconv.ParseInt(members[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt thread index entry %q: %w", members[0], err)
	}
	return s.Get(ctx, threadID, seq)
}

// List returns up to limit checkpoints of a thread, newest first.
func (s *RedisStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := s.client.ZRevRange(ctx, s.indexKey(threadID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read thread index: %w", err)
	}
	if len(members) == 0 {
		return nil, notFound(threadID)
	}

	out := make([]*Checkpoint, 0, len(members))
	for _, member := range members {
		seq, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			s.logger.Warn("skipping corrupt index entry", zap.String("member", member))
			continue
		}
		cp, err := s.Get(ctx, threadID, seq)
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint",
				zap.String("thread_id", threadID),
				zap.Int64("seq", seq),
				zap.Error(err),
			)
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteThread removes all checkpoints of a thread.
func (s *RedisStore) DeleteThread(ctx context.Context, threadID string) error {
	idx := s.indexKey(threadID)
	members, err := s.client.ZRange(ctx, idx, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read thread index: %w", err)
	}

	keys := make([]string, 0, len(members)+1)
	for _, member := range members {
		seq, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, s.blobKey(threadID, seq))
	}
	keys = append(keys, idx)

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

func decode(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
