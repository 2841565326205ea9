package threads_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/threads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_SerializesSameThread(t *testing.T) {
	manager := threads.NewManager(memory.NewStore())
	ctx := context.Background()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := manager.WithLock(ctx, "race-test", func(ctx context.Context) error {
				n := active.Add(1)
				for {
					current := maxActive.Load()
					if n <= current || maxActive.CompareAndSwap(current, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond) // Simulate IO
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxActive.Load(), "runs of one thread must not overlap")
}

func TestManager_DifferentThreadsDoNotBlock(t *testing.T) {
	manager := threads.NewManager(memory.NewStore())
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = manager.WithLock(ctx, "slow", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	done := make(chan struct{})
	go func() {
		_ = manager.WithLock(ctx, "fast", func(ctx context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another thread blocked")
	}
}

func TestManager_UnknownThread(t *testing.T) {
	manager := threads.NewManager(memory.NewStore())
	ctx := context.Background()

	_, err := manager.Latest(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownThread)

	_, err = manager.At(ctx, "ghost", 0)
	assert.ErrorIs(t, err, domain.ErrUnknownThread)

	_, err = manager.History(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownThread)
}

func TestManager_HistoryAndDelete(t *testing.T) {
	manager := threads.NewManager(memory.NewStore())
	ctx := context.Background()

	for i, next := range []string{"A", "B", domain.End} {
		require.NoError(t, manager.Save(ctx, &domain.Checkpoint{ThreadID: "t1", Step: i, Next: next, State: domain.State{}}))
	}

	history, err := manager.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.End, history[2].Next)

	_, err = manager.At(ctx, "t1", 9)
	assert.ErrorIs(t, err, domain.ErrCheckpointNotFound)

	ids, err := manager.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	require.NoError(t, manager.Delete(ctx, "t1"))
	_, err = manager.Latest(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrUnknownThread)
}

type fakeLocker struct {
	locked   []string
	unlocked []string
	fail     error
}

func (f *fakeLocker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.locked = append(f.locked, key)
	return func(ctx context.Context) error {
		f.unlocked = append(f.unlocked, key)
		return nil
	}, nil
}

func TestManager_DistributedLocker(t *testing.T) {
	locker := &fakeLocker{}
	manager := threads.NewManager(memory.NewStore(), threads.WithLocker(locker), threads.WithLockTTL(time.Second))
	ctx := context.Background()

	ran := false
	err := manager.WithLock(ctx, "t1", func(ctx context.Context) error {
		ran = true
		assert.Equal(t, []string{"t1"}, locker.locked)
		assert.Empty(t, locker.unlocked, "lock is held while fn runs")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"t1"}, locker.unlocked)

	locker.fail = errors.New("redis down")
	err = manager.WithLock(ctx, "t2", func(ctx context.Context) error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	assert.ErrorContains(t, err, "redis down")
}
