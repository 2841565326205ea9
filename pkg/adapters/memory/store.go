package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/espalier/pkg/domain"
)

// Store implements ports.CheckpointStore in memory.
// Safe for concurrent use.
type Store struct {
	threads map[string][]*domain.Checkpoint
	mu      sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		threads: make(map[string][]*domain.Checkpoint),
	}
}

// Save appends a deep copy of the checkpoint, isolating it from the caller.
func (s *Store) Save(ctx context.Context, cp *domain.Checkpoint) error {
	copied := cp.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.threads[cp.ThreadID]
	if cp.Step != len(history) {
		return &domain.ConcurrentModificationError{
			ThreadID: cp.ThreadID,
			Expected: len(history),
			Actual:   cp.Step,
		}
	}
	s.threads[cp.ThreadID] = append(history, copied)
	return nil
}

// LoadLatest returns a copy of the newest checkpoint.
func (s *Store) LoadLatest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.threads[threadID]
	if len(history) == 0 {
		return nil, domain.ErrThreadNotFound
	}
	return history[len(history)-1].Clone(), nil
}

// LoadAt returns a copy of the checkpoint at step.
func (s *Store) LoadAt(ctx context.Context, threadID string, step int) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.threads[threadID]
	if step < 0 || step >= len(history) {
		return nil, domain.ErrCheckpointNotFound
	}
	return history[step].Clone(), nil
}

// ListSteps returns the step indices of the thread.
func (s *Store) ListSteps(ctx context.Context, threadID string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.threads[threadID]
	steps := make([]int, len(history))
	for i, cp := range history {
		steps[i] = cp.Step
	}
	return steps, nil
}

// Delete removes the thread history.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}

// List returns known threads, sorted for stable output.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threads := make([]string, 0, len(s.threads))
	for id := range s.threads {
		threads = append(threads, id)
	}
	sort.Strings(threads)
	return threads, nil
}
