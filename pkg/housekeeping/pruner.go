package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/threads"
	"github.com/panjf2000/ants/v2"
)

// DefaultWorkers bounds concurrent store calls during a prune.
const DefaultWorkers = 8

// Report summarizes one prune pass.
type Report struct {
	Scanned int               `json:"scanned"`
	Expired []string          `json:"expired"`
	Deleted []string          `json:"deleted"`
	Failed  map[string]string `json:"failed,omitempty"`
	DryRun  bool              `json:"dry_run"`
}

// Pruner deletes threads whose latest checkpoint is older than a maximum age.
type Pruner struct {
	threads  *threads.Manager
	maxAge   time.Duration
	workers  int
	dryRun   bool
	statuses []domain.RunStatus
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Pruner.
type Option func(*Pruner)

// WithWorkers sets the size of the worker pool.
func WithWorkers(n int) Option {
	return func(p *Pruner) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithDryRun reports expired threads without deleting them.
func WithDryRun(dryRun bool) Option {
	return func(p *Pruner) {
		p.dryRun = dryRun
	}
}

// WithStatuses restricts pruning to threads whose latest checkpoint has one of the statuses.
func WithStatuses(statuses ...domain.RunStatus) Option {
	return func(p *Pruner) {
		p.statuses = statuses
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pruner) {
		p.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pruner) {
		p.logger = logger
	}
}

// NewPruner creates a pruner for threads older than maxAge.
func NewPruner(mgr *threads.Manager, maxAge time.Duration, opts ...Option) (*Pruner, error) {
	if maxAge <= 0 {
		return nil, errors.New("max age must be positive")
	}
	p := &Pruner{
		threads: mgr,
		maxAge:  maxAge,
		workers: DefaultWorkers,
		now:     time.Now,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Prune scans every thread and deletes the expired ones.
// Failures on single threads are collected in the report; only setup errors are returned.
func (p *Pruner) Prune(ctx context.Context) (*Report, error) {
	ids, err := p.threads.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}

	pool, err := ants.NewPool(p.workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create prune worker pool: %w", err)
	}
	defer pool.Release()

	cutoff := p.now().Add(-p.maxAge)
	report := &Report{Scanned: len(ids), Expired: []string{}, Deleted: []string{}, DryRun: p.dryRun}
	var mu sync.Mutex
	var wg sync.WaitGroup

	fail := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if report.Failed == nil {
			report.Failed = make(map[string]string)
		}
		report.Failed[id] = err.Error()
		p.logger.Warn("prune failed", "thread_id", id, "err", err)
	}

	for _, id := range ids {
		wg.Add(1)
		threadID := id
		err := pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				fail(threadID, ctx.Err())
				return
			}

			expired, err := p.expired(ctx, threadID, cutoff)
			if err != nil {
				if errors.Is(err, domain.ErrUnknownThread) {
					// Deleted concurrently.
					return
				}
				fail(threadID, err)
				return
			}
			if !expired {
				return
			}

			if p.dryRun {
				mu.Lock()
				report.Expired = append(report.Expired, threadID)
				mu.Unlock()
				return
			}

			deleted, err := p.deleteExpired(ctx, threadID, cutoff)
			if err != nil {
				fail(threadID, err)
				return
			}
			if !deleted {
				p.logger.Debug("thread advanced during prune, kept", "thread_id", threadID)
				return
			}
			p.logger.Info("thread pruned", "thread_id", threadID)

			mu.Lock()
			report.Expired = append(report.Expired, threadID)
			report.Deleted = append(report.Deleted, threadID)
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			fail(threadID, fmt.Errorf("failed to submit prune task: %w", err))
		}
	}

	wg.Wait()
	sort.Strings(report.Expired)
	sort.Strings(report.Deleted)
	return report, nil
}

// deleteExpired re-reads the thread under its lock so a run that saved a
// checkpoint after the scan is not deleted.
func (p *Pruner) deleteExpired(ctx context.Context, threadID string, cutoff time.Time) (bool, error) {
	deleted := false
	err := p.threads.WithLock(ctx, threadID, func(ctx context.Context) error {
		expired, err := p.expired(ctx, threadID, cutoff)
		if errors.Is(err, domain.ErrUnknownThread) {
			return nil
		}
		if err != nil || !expired {
			return err
		}
		if err := p.threads.Store().Delete(ctx, threadID); err != nil {
			return fmt.Errorf("failed to delete thread %q: %w", threadID, err)
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (p *Pruner) expired(ctx context.Context, threadID string, cutoff time.Time) (bool, error) {
	latest, err := p.threads.Latest(ctx, threadID)
	if err != nil {
		return false, err
	}
	if len(p.statuses) > 0 && !slices.Contains(p.statuses, latest.Status) {
		return false, nil
	}
	return latest.CreatedAt.Before(cutoff), nil
}
