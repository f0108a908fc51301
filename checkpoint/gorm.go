package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stategraph/stategraph/types"
)

// checkpointRecord is the relational shape of a checkpoint. State and
// metadata are stored as JSON blobs; the unique (thread_id, seq) index is
// what enforces sequence integrity at the database level.
type checkpointRecord struct {
	ID           uint   `gorm:"primaryKey"`
	CheckpointID string `gorm:"size:64;uniqueIndex"`
	ThreadID     string `gorm:"size:191;uniqueIndex:idx_thread_seq,priority:1"`
	Seq          int64  `gorm:"uniqueIndex:idx_thread_seq,priority:2"`
	NodeID       string `gorm:"size:191"`
	ParentID     string `gorm:"size:64"`
	State        []byte
	Metadata     []byte
	CreatedAt    time.Time
}

// TableName pins the table name regardless of GORM naming strategy.
func (checkpointRecord) TableName() string { return "checkpoints" }

// GormStore persists checkpoints through GORM. Any dialect GORM supports
// works; OpenSQLite, OpenPostgres and OpenMySQL cover the common ones.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore wraps an open *gorm.DB. When autoMigrate is true the
// checkpoints table is created or updated on the spot; production setups
// that version their schema run the migration package instead.
func NewGormStore(db *gorm.DB, logger *zap.Logger, autoMigrate bool) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if autoMigrate {
		if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
			return nil, fmt.Errorf("migrate checkpoints table: %w", err)
		}
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("store", "gorm_checkpoint")),
	}, nil
}

// OpenSQLite opens a pure-Go SQLite database at the given path.
func OpenSQLite(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), gormConfig())
}

// OpenPostgres opens a PostgreSQL database from a DSN.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), gormConfig())
}

// OpenMySQL opens a MySQL database from a DSN.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), gormConfig())
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
}

// Put persists a checkpoint keyed by (thread_id, seq).
func (s *GormStore) Put(ctx context.Context, cp *Checkpoint) error {
	rec, err := toRecord(cp)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint saved",
		zap.String("thread_id", cp.ThreadID),
		zap.Int64("seq", cp.Seq),
	)
	return nil
}

// Get loads the checkpoint with the given sequence number.
func (s *GormStore) Get(ctx context.Context, threadID string, seq int64) (*Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND seq = ?", threadID, seq).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundSeq(threadID, seq)
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	return fromRecord(&rec)
}

// Latest loads the highest-sequence checkpoint of a thread.
func (s *GormStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("query latest checkpoint: %w", err)
	}
	return fromRecord(&rec)
}

// List returns up to limit checkpoints of a thread, newest first.
func (s *GormStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	q := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []checkpointRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(recs) == 0 {
		return nil, notFound(threadID)
	}

	out := make([]*Checkpoint, 0, len(recs))
	for i := range recs {
		cp, err := fromRecord(&recs[i])
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint row",
				zap.String("thread_id", threadID),
				zap.Int64("seq", recs[i].Seq),
				zap.Error(err),
			)
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// DeleteThread removes all checkpoints of a thread.
func (s *GormStore) DeleteThread(ctx context.Context, threadID string) error {
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Delete(&checkpointRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

func toRecord(cp *Checkpoint) (*checkpointRecord, error) {
	state, err := cp.State.MarshalSnapshot()
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var meta []byte
	if cp.Metadata != nil {
		meta, err = json.Marshal(cp.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	return &checkpointRecord{
		CheckpointID: cp.ID,
		ThreadID:     cp.ThreadID,
		Seq:          cp.Seq,
		NodeID:       cp.NodeID,
		ParentID:     cp.ParentID,
		State:        state,
		Metadata:     meta,
		CreatedAt:    cp.CreatedAt,
	}, nil
}

func fromRecord(rec *checkpointRecord) (*Checkpoint, error) {
	state, err := types.UnmarshalSnapshot(rec.State)
	if err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	var meta map[string]any
	if len(rec.Metadata) > 0 {
		if err := json.Unmarshal(rec.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &Checkpoint{
		ID:        rec.CheckpointID,
		ThreadID:  rec.ThreadID,
		Seq:       rec.Seq,
		NodeID:    rec.NodeID,
		State:     state,
		CreatedAt: rec.CreatedAt,
		ParentID:  rec.ParentID,
		Metadata:  meta,
	}, nil
}
