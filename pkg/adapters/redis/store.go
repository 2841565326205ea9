package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the store and the locker.
const DefaultPrefix = "espalier:"

// Store implements ports.CheckpointStore using Redis.
// Each thread is a list whose index is the step; a sorted set indexes thread ids by expiry.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration for threads, refreshed on every save.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: DefaultPrefix,
		ttl:    0, // No expiration by default
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Client exposes the underlying client, e.g. to build a Locker sharing the connection pool.
func (s *Store) Client() *backend.Client {
	return s.client
}

func (s *Store) key(threadID string) string {
	return s.prefix + "thread:" + threadID
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

// Save appends the checkpoint inside a WATCH/MULTI transaction so that
// two writers racing for the same step cannot both succeed.
func (s *Store) Save(ctx context.Context, cp *domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	key := s.key(cp.ThreadID)
	conflict := func(next int64) error {
		return &domain.ConcurrentModificationError{ThreadID: cp.ThreadID, Expected: int(next), Actual: cp.Step}
	}

	err = s.client.Watch(ctx, func(tx *backend.Tx) error {
		n, err := tx.LLen(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to read thread length: %w", err)
		}
		if int64(cp.Step) != n {
			return conflict(n)
		}

		// Score = Now + TTL. If TTL = 0, Score = +Inf (approx).
		score := float64(time.Now().Add(s.ttl).Unix())
		if s.ttl == 0 {
			score = 4102444800 // 2100-01-01 (Far enough for now)
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			pipe.ZAdd(ctx, s.indexKey(), backend.Z{Score: score, Member: cp.ThreadID})
			return nil
		})
		return err
	}, key)

	if errors.Is(err, backend.TxFailedErr) {
		return conflict(int64(cp.Step) + 1)
	}
	var cme *domain.ConcurrentModificationError
	if errors.As(err, &cme) {
		return cme
	}
	if err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, threadID string, index int64, missing error) (*domain.Checkpoint, error) {
	val, err := s.client.LIndex(ctx, s.key(threadID), index).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, missing
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var cp domain.Checkpoint
	if err := json.Unmarshal([]byte(val), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// LoadLatest reads the tail of the thread list.
func (s *Store) LoadLatest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	return s.load(ctx, threadID, -1, domain.ErrThreadNotFound)
}

// LoadAt reads one step of the thread.
func (s *Store) LoadAt(ctx context.Context, threadID string, step int) (*domain.Checkpoint, error) {
	if step < 0 {
		return nil, domain.ErrCheckpointNotFound
	}
	return s.load(ctx, threadID, int64(step), domain.ErrCheckpointNotFound)
}

// ListSteps derives the step indices from the list length.
func (s *Store) ListSteps(ctx context.Context, threadID string) ([]int, error) {
	n, err := s.client.LLen(ctx, s.key(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read thread length: %w", err)
	}
	steps := make([]int, n)
	for i := range steps {
		steps[i] = i
	}
	return steps, nil
}

// Delete removes the thread.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	pipe := s.client.Pipeline()

	pipe.Del(ctx, s.key(threadID))
	pipe.ZRem(ctx, s.indexKey(), threadID)

	_, err := pipe.Exec(ctx)
	return err
}

// List returns live threads from the index, pruning expired entries lazily.
func (s *Store) List(ctx context.Context) ([]string, error) {
	now := float64(time.Now().Unix())

	// ZREMRANGEBYSCORE key -inf (now)
	err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", fmt.Sprintf("(%f", now)).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to prune expired threads: %w", err)
	}

	threads, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	return threads, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
