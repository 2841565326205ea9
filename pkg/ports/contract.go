package ports

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunCheckpointStoreContract runs a suite of tests to verify that a CheckpointStore
// implementation adheres to the defined interface contract.
//
// Values are compared as strings and []any so JSON-backed stores pass unchanged.
func RunCheckpointStoreContract(t *testing.T, store CheckpointStore) {
	ctx := context.Background()
	prefix := "contract-" + time.Now().Format("20060102150405.000000000")

	checkpoint := func(threadID string, step int, next string, state domain.State) *domain.Checkpoint {
		return &domain.Checkpoint{
			ThreadID:  threadID,
			Step:      step,
			Next:      next,
			State:     state,
			Status:    domain.StatusRunning,
			Source:    domain.SourceStep,
			CreatedAt: time.Now().UTC(),
		}
	}

	t.Run("Save and LoadLatest", func(t *testing.T) {
		threadID := prefix + "-latest"
		defer func() { _ = store.Delete(ctx, threadID) }()

		require.NoError(t, store.Save(ctx, checkpoint(threadID, 0, "A", domain.State{"log": []any{}})))
		require.NoError(t, store.Save(ctx, checkpoint(threadID, 1, "B", domain.State{"log": []any{"a"}})))

		latest, err := store.LoadLatest(ctx, threadID)
		require.NoError(t, err)
		assert.Equal(t, threadID, latest.ThreadID)
		assert.Equal(t, 1, latest.Step)
		assert.Equal(t, "B", latest.Next)
		assert.Equal(t, []any{"a"}, latest.State["log"])
		assert.Equal(t, domain.StatusRunning, latest.Status)
		assert.WithinDuration(t, time.Now(), latest.CreatedAt, time.Minute)
	})

	t.Run("LoadAt and ListSteps", func(t *testing.T) {
		threadID := prefix + "-history"
		defer func() { _ = store.Delete(ctx, threadID) }()

		for i, node := range []string{"A", "B", "C", domain.End} {
			require.NoError(t, store.Save(ctx, checkpoint(threadID, i, node, domain.State{"at": node})))
		}

		steps, err := store.ListSteps(ctx, threadID)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3}, steps)

		cp, err := store.LoadAt(ctx, threadID, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, cp.Step)
		assert.Equal(t, "C", cp.Next)
		assert.Equal(t, "C", cp.State["at"])

		_, err = store.LoadAt(ctx, threadID, 42)
		assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)
	})

	t.Run("Pending Interrupt Roundtrip", func(t *testing.T) {
		threadID := prefix + "-interrupt"
		defer func() { _ = store.Delete(ctx, threadID) }()

		cp := checkpoint(threadID, 0, "review", domain.State{"draft": "v1"})
		cp.Status = domain.StatusPaused
		cp.PendingInterrupt = &domain.InterruptRequest{
			ThreadID:         threadID,
			Node:             "review",
			Description:      "Approve the draft?",
			State:            domain.State{"draft": "v1"},
			AllowedDecisions: []domain.DecisionKind{domain.DecisionApprove, domain.DecisionReject},
		}
		require.NoError(t, store.Save(ctx, cp))

		loaded, err := store.LoadLatest(ctx, threadID)
		require.NoError(t, err)
		require.NotNil(t, loaded.PendingInterrupt)
		assert.Equal(t, "review", loaded.PendingInterrupt.Node)
		assert.Equal(t, "Approve the draft?", loaded.PendingInterrupt.Description)
		assert.Equal(t, "v1", loaded.PendingInterrupt.State["draft"])
		assert.Equal(t, cp.PendingInterrupt.AllowedDecisions, loaded.PendingInterrupt.AllowedDecisions)
		assert.Equal(t, domain.StatusPaused, loaded.Status)
	})

	t.Run("Unknown Thread", func(t *testing.T) {
		threadID := prefix + "-missing"

		_, err := store.LoadLatest(ctx, threadID)
		assert.ErrorIs(t, err, domain.ErrThreadNotFound)

		_, err = store.LoadAt(ctx, threadID, 0)
		assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)

		steps, err := store.ListSteps(ctx, threadID)
		require.NoError(t, err)
		assert.Empty(t, steps)
	})

	t.Run("Optimistic Step Check", func(t *testing.T) {
		threadID := prefix + "-optimistic"
		defer func() { _ = store.Delete(ctx, threadID) }()

		// A new thread must start at step 0.
		err := store.Save(ctx, checkpoint(threadID, 1, "B", domain.State{}))
		assertConflict(t, err, threadID, 0, 1)

		require.NoError(t, store.Save(ctx, checkpoint(threadID, 0, "A", domain.State{"v": "first"})))

		err = store.Save(ctx, checkpoint(threadID, 0, "A", domain.State{"v": "second"}))
		assertConflict(t, err, threadID, 1, 0)

		err = store.Save(ctx, checkpoint(threadID, 5, "A", domain.State{}))
		assertConflict(t, err, threadID, 1, 5)

		latest, err := store.LoadLatest(ctx, threadID)
		require.NoError(t, err)
		assert.Equal(t, 0, latest.Step)
		assert.Equal(t, "first", latest.State["v"], "a rejected write must not change history")
	})

	t.Run("Concurrent Writers Race", func(t *testing.T) {
		threadID := prefix + "-race"
		defer func() { _ = store.Delete(ctx, threadID) }()

		require.NoError(t, store.Save(ctx, checkpoint(threadID, 0, "A", domain.State{})))

		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(writer int) {
				defer wg.Done()
				err := store.Save(ctx, checkpoint(threadID, 1, "B", domain.State{"writer": fmt.Sprint(writer)}))
				switch {
				case err == nil:
					wins.Add(1)
				case assertConflict(t, err, threadID, 2, 1):
					conflicts.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.EqualValues(t, 1, wins.Load(), "exactly one writer may take step 1")
		assert.EqualValues(t, 7, conflicts.Load())

		steps, err := store.ListSteps(ctx, threadID)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, steps)
	})

	t.Run("Thread Isolation", func(t *testing.T) {
		first := prefix + "-iso-1"
		second := prefix + "-iso-2"
		defer func() {
			_ = store.Delete(ctx, first)
			_ = store.Delete(ctx, second)
		}()

		require.NoError(t, store.Save(ctx, checkpoint(first, 0, "A", domain.State{"owner": "first"})))
		require.NoError(t, store.Save(ctx, checkpoint(first, 1, "B", domain.State{"owner": "first"})))
		require.NoError(t, store.Save(ctx, checkpoint(second, 0, "A", domain.State{"owner": "second"})))

		latest, err := store.LoadLatest(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, 0, latest.Step)
		assert.Equal(t, "second", latest.State["owner"])

		steps, err := store.ListSteps(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, steps)
	})

	t.Run("Stored Snapshots Are Immutable", func(t *testing.T) {
		threadID := prefix + "-immutable"
		defer func() { _ = store.Delete(ctx, threadID) }()

		cp := checkpoint(threadID, 0, "A", domain.State{"log": []any{"a"}})
		require.NoError(t, store.Save(ctx, cp))

		// Mutating the saved value or a loaded copy must not leak into the store.
		cp.State["log"] = []any{"tampered"}
		loaded, err := store.LoadAt(ctx, threadID, 0)
		require.NoError(t, err)
		loaded.State["log"] = []any{"tampered"}

		again, err := store.LoadAt(ctx, threadID, 0)
		require.NoError(t, err)
		assert.Equal(t, []any{"a"}, again.State["log"])
	})

	t.Run("Delete", func(t *testing.T) {
		threadID := prefix + "-delete"
		require.NoError(t, store.Save(ctx, checkpoint(threadID, 0, "A", domain.State{})))

		require.NoError(t, store.Delete(ctx, threadID), "Delete should not return error")

		_, err := store.LoadLatest(ctx, threadID)
		assert.ErrorIs(t, err, domain.ErrThreadNotFound, "LoadLatest after Delete should return ErrThreadNotFound")

		// A deleted thread starts over at step 0.
		require.NoError(t, store.Save(ctx, checkpoint(threadID, 0, "A", domain.State{})))
		require.NoError(t, store.Delete(ctx, threadID))

		assert.NoError(t, store.Delete(ctx, threadID), "deleting twice is a no-op")
	})

	t.Run("List", func(t *testing.T) {
		id1 := prefix + "-list-1"
		id2 := prefix + "-list-2"
		require.NoError(t, store.Save(ctx, checkpoint(id1, 0, "A", domain.State{})))
		require.NoError(t, store.Save(ctx, checkpoint(id2, 0, "A", domain.State{})))
		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		threads, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, threads, id1)
		assert.Contains(t, threads, id2)
	})
}

// assertConflict checks that err is a *domain.ConcurrentModificationError
// reporting the step the thread accepts next and the step that was refused.
func assertConflict(t *testing.T, err error, threadID string, expected, actual int) bool {
	t.Helper()
	var cme *domain.ConcurrentModificationError
	if !assert.ErrorAs(t, err, &cme) {
		return false
	}
	return assert.ErrorIs(t, err, domain.ErrConcurrentModification) &&
		assert.Equal(t, threadID, cme.ThreadID) &&
		assert.Equal(t, expected, cme.Expected, "next accepted step") &&
		assert.Equal(t, actual, cme.Actual, "refused step")
}
