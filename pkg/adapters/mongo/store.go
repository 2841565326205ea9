package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DefaultDatabase   = "espalier"
	DefaultCollection = "checkpoints"
)

// Store implements ports.CheckpointStore on MongoDB.
// A unique index on (thread_id, step) lets exactly one writer take each step.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type checkpointDoc struct {
	ID        string `bson:"_id"`
	ThreadID  string `bson:"thread_id"`
	Step      int    `bson:"step"`
	Payload   string `bson:"payload"`
	CreatedAt int64  `bson:"created_at"`
}

// New creates a Mongo-backed store and ensures its index.
// dbName defaults to DefaultDatabase if empty, collName to DefaultCollection.
func New(ctx context.Context, client *mongo.Client, dbName, collName string) (*Store, error) {
	if dbName == "" {
		dbName = DefaultDatabase
	}
	if collName == "" {
		collName = DefaultCollection
	}

	s := &Store{client: client, coll: client.Database(dbName).Collection(collName)}
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "thread_id", Value: 1}, {Key: "step", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure index: %w", err)
	}
	return s, nil
}

// Connect dials uri and returns a store owning the client.
func Connect(ctx context.Context, uri, dbName, collName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to reach mongo: %w", err)
	}

	s, err := New(ctx, client, dbName, collName)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Save appends the checkpoint.
func (s *Store) Save(ctx context.Context, cp *domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	count, err := s.coll.CountDocuments(ctx, bson.M{"thread_id": cp.ThreadID})
	if err != nil {
		return fmt.Errorf("failed to count checkpoints: %w", err)
	}
	if int64(cp.Step) != count {
		return &domain.ConcurrentModificationError{ThreadID: cp.ThreadID, Expected: int(count), Actual: cp.Step}
	}

	_, err = s.coll.InsertOne(ctx, checkpointDoc{
		ID:        fmt.Sprintf("%s#%d", cp.ThreadID, cp.Step),
		ThreadID:  cp.ThreadID,
		Step:      cp.Step,
		Payload:   string(data),
		CreatedAt: cp.CreatedAt.UnixNano(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return &domain.ConcurrentModificationError{ThreadID: cp.ThreadID, Expected: int(count) + 1, Actual: cp.Step}
	}
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

func (s *Store) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions, missing error) (*domain.Checkpoint, error) {
	var doc checkpointDoc
	if err := s.coll.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, missing
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal([]byte(doc.Payload), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// LoadLatest reads the highest step of the thread.
func (s *Store) LoadLatest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "step", Value: -1}})
	return s.findOne(ctx, bson.M{"thread_id": threadID}, opts, domain.ErrThreadNotFound)
}

// LoadAt reads one step of the thread.
func (s *Store) LoadAt(ctx context.Context, threadID string, step int) (*domain.Checkpoint, error) {
	return s.findOne(ctx, bson.M{"thread_id": threadID, "step": step}, options.FindOne(), domain.ErrCheckpointNotFound)
}

// ListSteps returns the steps of the thread, ascending.
func (s *Store) ListSteps(ctx context.Context, threadID string) ([]int, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "step", Value: 1}}).
		SetProjection(bson.M{"step": 1})
	cursor, err := s.coll.Find(ctx, bson.M{"thread_id": threadID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer cursor.Close(ctx)

	steps := []int{}
	for cursor.Next(ctx) {
		var doc struct {
			Step int `bson:"step"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode step: %w", err)
		}
		steps = append(steps, doc.Step)
	}
	return steps, cursor.Err()
}

// Delete removes every checkpoint of the thread.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"thread_id": threadID}); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// List returns every thread id, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	values, err := s.coll.Distinct(ctx, "thread_id", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	threads := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			threads = append(threads, id)
		}
	}
	sort.Strings(threads)
	return threads, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
