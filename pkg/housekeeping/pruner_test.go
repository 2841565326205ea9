package housekeeping_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/housekeeping"
	"github.com/aretw0/espalier/pkg/threads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, mgr *threads.Manager, threadID string, age time.Duration, status domain.RunStatus) {
	t.Helper()
	next := "work"
	if status == domain.StatusCompleted {
		next = domain.End
	}
	require.NoError(t, mgr.Save(context.Background(), &domain.Checkpoint{
		ThreadID:  threadID,
		Step:      0,
		Next:      next,
		State:     domain.State{},
		Status:    status,
		Source:    domain.SourceInput,
		CreatedAt: now.Add(-age),
	}))
}

func setup(t *testing.T) *threads.Manager {
	t.Helper()
	mgr := threads.NewManager(memory.NewStore())
	seed(t, mgr, "fresh", time.Minute, domain.StatusCompleted)
	seed(t, mgr, "old-done", 48*time.Hour, domain.StatusCompleted)
	seed(t, mgr, "old-paused", 72*time.Hour, domain.StatusPaused)
	return mgr
}

func TestPruner_DeletesExpiredThreads(t *testing.T) {
	mgr := setup(t)
	pruner, err := housekeeping.NewPruner(mgr, 24*time.Hour,
		housekeeping.WithClock(func() time.Time { return now }),
		housekeeping.WithWorkers(2))
	require.NoError(t, err)

	report, err := pruner.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, []string{"old-done", "old-paused"}, report.Expired)
	assert.Equal(t, []string{"old-done", "old-paused"}, report.Deleted)
	assert.Empty(t, report.Failed)

	ids, err := mgr.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids)
}

func TestPruner_DryRun(t *testing.T) {
	mgr := setup(t)
	pruner, err := housekeeping.NewPruner(mgr, 24*time.Hour,
		housekeeping.WithClock(func() time.Time { return now }),
		housekeeping.WithDryRun(true))
	require.NoError(t, err)

	report, err := pruner.Prune(context.Background())
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, []string{"old-done", "old-paused"}, report.Expired)
	assert.Empty(t, report.Deleted)

	ids, err := mgr.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestPruner_StatusFilter(t *testing.T) {
	mgr := setup(t)
	pruner, err := housekeeping.NewPruner(mgr, 24*time.Hour,
		housekeeping.WithClock(func() time.Time { return now }),
		housekeeping.WithStatuses(domain.StatusCompleted, domain.StatusFailed))
	require.NoError(t, err)

	report, err := pruner.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"old-done"}, report.Deleted, "paused threads await a reviewer")
}

// advancingStore appends a fresh checkpoint to a thread right after its first
// LoadLatest, like a run resuming between the scan and the delete.
type advancingStore struct {
	*memory.Store
	threadID string
	once     sync.Once
}

func (s *advancingStore) LoadLatest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	cp, err := s.Store.LoadLatest(ctx, threadID)
	if err != nil || threadID != s.threadID {
		return cp, err
	}
	s.once.Do(func() {
		fresh := cp.Clone()
		fresh.Step++
		fresh.CreatedAt = now
		err = s.Store.Save(ctx, fresh)
	})
	return cp, err
}

func TestPruner_KeepsThreadsThatAdvance(t *testing.T) {
	store := &advancingStore{Store: memory.NewStore(), threadID: "resumed"}
	mgr := threads.NewManager(store)
	seed(t, mgr, "resumed", 48*time.Hour, domain.StatusPaused)
	seed(t, mgr, "idle", 48*time.Hour, domain.StatusPaused)

	pruner, err := housekeeping.NewPruner(mgr, 24*time.Hour,
		housekeeping.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	report, err := pruner.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, report.Deleted)
	assert.Equal(t, []string{"idle"}, report.Expired)
	assert.Empty(t, report.Failed)

	steps, err := store.ListSteps(context.Background(), "resumed")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, steps)
}

func TestPruner_InvalidAge(t *testing.T) {
	_, err := housekeeping.NewPruner(threads.NewManager(memory.NewStore()), 0)
	assert.Error(t, err)
}
