package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/stategraph/stategraph/types"
)

// mongoDocument mirrors Checkpoint with the state flattened to a JSON blob,
// keeping persistence byte-compatible with the other backends.
type mongoDocument struct {
	CheckpointID string         `bson:"checkpoint_id"`
	ThreadID     string         `bson:"thread_id"`
	Seq          int64          `bson:"seq"`
	NodeID       string         `bson:"node_id"`
	ParentID     string         `bson:"parent_id,omitempty"`
	State        []byte         `bson:"state"`
	Metadata     map[string]any `bson:"metadata,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
}

// MongoStore persists checkpoints in a MongoDB collection with a unique
// (thread_id, seq) compound index.
type MongoStore struct {
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMongoStore wraps a collection. EnsureIndexes should be called once
// after construction before the store takes writes.
func NewMongoStore(coll *mongo.Collection, logger *zap.Logger) *MongoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoStore{
		coll:   coll,
		logger: logger.With(zap.String("store", "mongo_checkpoint")),
	}
}

// OpenMongo connects to MongoDB and returns the checkpoints collection.
func OpenMongo(ctx context.Context, uri, database, collection string) (*mongo.Collection, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client.Database(database).Collection(collection), nil
}

// EnsureIndexes creates the unique (thread_id, seq) index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "thread_id", Value: 1},
			{Key: "seq", Value: -1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create checkpoint index: %w", err)
	}
	return nil
}

// Put persists a checkpoint keyed by (thread_id, seq).
func (s *MongoStore) Put(ctx context.Context, cp *Checkpoint) error {
	state, err := cp.State.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	doc := mongoDocument{
		CheckpointID: cp.ID,
		ThreadID:     cp.ThreadID,
		Seq:          cp.Seq,
		NodeID:       cp.NodeID,
		ParentID:     cp.ParentID,
		State:        state,
		Metadata:     cp.Metadata,
		CreatedAt:    cp.CreatedAt,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint saved to mongo",
		zap.String("thread_id", cp.ThreadID),
		zap.Int64("seq", cp.Seq),
	)
	return nil
}

// Get loads the checkpoint with the given sequence number.
func (s *MongoStore) Get(ctx context.Context, threadID string, seq int64) (*Checkpoint, error) {
	filter := bson.D{{Key: "thread_id", Value: threadID}, {Key: "seq", Value: seq}}
	var doc mongoDocument
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFoundSeq(threadID, seq)
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	return fromMongoDocument(&doc)
}

// Latest loads the highest-sequence checkpoint of a thread.
func (s *MongoStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	filter := bson.D{{Key: "thread_id", Value: threadID}}
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})

	var doc mongoDocument
	err := s.coll.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("query latest checkpoint: %w", err)
	}
	return fromMongoDocument(&doc)
}

// List returns up to limit checkpoints of a thread, newest first.
func (s *MongoStore) List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	filter := bson.D{{Key: "thread_id", Value: threadID}}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Checkpoint
	for cursor.Next(ctx) {
		var doc mongoDocument
		if err := cursor.Decode(&doc); err != nil {
			s.logger.Warn("skipping undecodable checkpoint document", zap.Error(err))
			continue
		}
		cp, err := fromMongoDocument(&doc)
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint document", zap.Error(err))
			continue
		}
		out = append(out, cp)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	if len(out) == 0 {
		return nil, notFound(threadID)
	}
	return out, nil
}

// DeleteThread removes all checkpoints of a thread.
func (s *MongoStore) DeleteThread(ctx context.Context, threadID string) error {
	filter := bson.D{{Key: "thread_id", Value: threadID}}
	if _, err := s.coll.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

func fromMongoDocument(doc *mongoDocument) (*Checkpoint, error) {
	state, err := types.UnmarshalSnapshot(doc.State)
	if err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &Checkpoint{
		ID:        doc.CheckpointID,
		ThreadID:  doc.ThreadID,
		Seq:       doc.Seq,
		NodeID:    doc.NodeID,
		State:     state,
		CreatedAt: doc.CreatedAt,
		ParentID:  doc.ParentID,
		Metadata:  doc.Metadata,
	}, nil
}
