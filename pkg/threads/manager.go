package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

// DefaultLockTTL bounds how long a crashed replica can hold a thread.
const DefaultLockTTL = 30 * time.Second

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager orchestrates thread access, ensuring runs of one thread never overlap.
// It uses Reference Counting to garbage collect unused locks. Different threads never
// contend with each other.
type Manager struct {
	store ports.CheckpointStore

	mu    sync.Mutex            // Global lock for the map
	locks map[string]*lockEntry // Map of active locks

	locker  ports.DistributedLocker // Optional distributed locker
	lockTTL time.Duration
	logger  *slog.Logger // Logger for internal events (like deferred errors)
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL sets the expiry of distributed locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a new thread Manager over the given checkpoint store.
func NewManager(store ports.CheckpointStore, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		locks:   make(map[string]*lockEntry),
		lockTTL: DefaultLockTTL,
		logger:  logging.NewNop(), // Default to no-op
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(threadID) after unlocking.
func (m *Manager) acquire(threadID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[threadID]
	if !exists {
		entry = &lockEntry{}
		m.locks[threadID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[threadID]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, threadID)
	}
}

// WithLock executes fn while holding the lock for the thread.
// The lock is released when fn returns, so nothing is held across a pause.
func (m *Manager) WithLock(ctx context.Context, threadID string, fn func(context.Context) error) error {
	entry := m.acquire(threadID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(threadID)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, threadID, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"thread_id", threadID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}

// Latest loads the newest checkpoint of a thread.
// Unknown threads yield a *domain.UnknownThreadError.
func (m *Manager) Latest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	cp, err := m.store.LoadLatest(ctx, threadID)
	if errors.Is(err, domain.ErrThreadNotFound) {
		return nil, &domain.UnknownThreadError{ThreadID: threadID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %q: %w", threadID, err)
	}
	return cp, nil
}

// At loads a historical checkpoint.
func (m *Manager) At(ctx context.Context, threadID string, step int) (*domain.Checkpoint, error) {
	cp, err := m.store.LoadAt(ctx, threadID, step)
	if errors.Is(err, domain.ErrCheckpointNotFound) {
		if _, latestErr := m.Latest(ctx, threadID); latestErr != nil {
			return nil, latestErr
		}
		return nil, fmt.Errorf("thread %q has no step %d: %w", threadID, step, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load step %d of thread %q: %w", step, threadID, err)
	}
	return cp, nil
}

// History loads every checkpoint of a thread in step order.
func (m *Manager) History(ctx context.Context, threadID string) ([]*domain.Checkpoint, error) {
	steps, err := m.store.ListSteps(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps of thread %q: %w", threadID, err)
	}
	if len(steps) == 0 {
		return nil, &domain.UnknownThreadError{ThreadID: threadID}
	}

	history := make([]*domain.Checkpoint, 0, len(steps))
	for _, step := range steps {
		cp, err := m.store.LoadAt(ctx, threadID, step)
		if err != nil {
			return nil, fmt.Errorf("failed to load step %d of thread %q: %w", step, threadID, err)
		}
		history = append(history, cp)
	}
	return history, nil
}

// Save appends a checkpoint to the store.
func (m *Manager) Save(ctx context.Context, cp *domain.Checkpoint) error {
	if err := m.store.Save(ctx, cp); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
		return fmt.Errorf("failed to save step %d of thread %q: %w", cp.Step, cp.ThreadID, err)
	}
	return nil
}

// Delete removes the thread from the store.
func (m *Manager) Delete(ctx context.Context, threadID string) error {
	return m.WithLock(ctx, threadID, func(ctx context.Context) error {
		return m.store.Delete(ctx, threadID)
	})
}

// List delegates to the store.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// Store returns the underlying checkpoint store.
func (m *Manager) Store() ports.CheckpointStore {
	return m.store
}
