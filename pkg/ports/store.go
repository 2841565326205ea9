package ports

import (
	"context"

	"github.com/aretw0/espalier/pkg/domain"
)

// CheckpointStore persists the append-only checkpoint history of each thread.
// This is what makes a paused or failed run resumable from another process.
type CheckpointStore interface {
	// Save appends a checkpoint to its thread.
	// cp.Step must equal the thread's next index (0 for a new thread); otherwise the
	// store returns an error matching domain.ErrConcurrentModification and writes nothing.
	Save(ctx context.Context, cp *domain.Checkpoint) error

	// LoadLatest returns the checkpoint with the highest step index.
	// Returns domain.ErrThreadNotFound if the thread has no checkpoints.
	LoadLatest(ctx context.Context, threadID string) (*domain.Checkpoint, error)

	// LoadAt returns the checkpoint at the given step index.
	// Returns domain.ErrCheckpointNotFound if the step does not exist.
	LoadAt(ctx context.Context, threadID string, step int) (*domain.Checkpoint, error)

	// ListSteps returns the step indices of the thread in ascending order.
	// An unknown thread yields an empty list.
	ListSteps(ctx context.Context, threadID string) ([]int, error)

	// Delete removes the whole history of a thread.
	Delete(ctx context.Context, threadID string) error

	// List returns the ids of all threads with at least one checkpoint.
	List(ctx context.Context) ([]string, error)
}
