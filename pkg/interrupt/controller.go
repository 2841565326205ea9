package interrupt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
)

// CheckpointReader loads the newest checkpoint of a thread.
// It must return a *domain.UnknownThreadError for threads that were never started.
type CheckpointReader interface {
	Latest(ctx context.Context, threadID string) (*domain.Checkpoint, error)
}

// Resumer applies a decision and continues the run.
type Resumer interface {
	Resume(ctx context.Context, threadID string, decision domain.Decision) (*domain.RunResult, error)
}

// Reviewer answers a pending interrupt.
type Reviewer func(ctx context.Context, req *domain.InterruptRequest) (domain.Decision, error)

// Controller exposes pending interrupts to external reviewers and routes their decisions.
type Controller struct {
	reader  CheckpointReader
	resumer Resumer
	logger  *slog.Logger
}

// Option configures the Controller.
type Option func(*Controller)

// WithLogger configures the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewController creates a controller reading checkpoints from reader and resuming through resumer.
func NewController(reader CheckpointReader, resumer Resumer, opts ...Option) *Controller {
	c := &Controller{
		reader:  reader,
		resumer: resumer,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Inspect returns the pending interrupt of a thread, or nil when the thread is not paused.
func (c *Controller) Inspect(ctx context.Context, threadID string) (*domain.InterruptRequest, error) {
	latest, err := c.reader.Latest(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return latest.PendingInterrupt.Clone(), nil
}

// Decide applies a decision to the thread. The decision is consumed by the
// checkpoint it produces; repeating it fails with *domain.InvalidDecisionError.
func (c *Controller) Decide(ctx context.Context, threadID string, decision domain.Decision) (*domain.RunResult, error) {
	c.logger.Debug("decision received", "thread_id", threadID, "kind", decision.Kind)
	return c.resumer.Resume(ctx, threadID, decision)
}

// Drain asks reviewer for a decision on every interrupt the thread raises
// until it completes, fails or the reviewer gives up with an error.
func (c *Controller) Drain(ctx context.Context, threadID string, reviewer Reviewer) (*domain.RunResult, error) {
	for {
		req, err := c.Inspect(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if req == nil {
			return nil, fmt.Errorf("thread %q has no pending interrupt", threadID)
		}

		decision, err := reviewer(ctx, req)
		if err != nil {
			return domain.Paused(threadID, req.Step, req), err
		}

		result, err := c.Decide(ctx, threadID, decision)
		if err != nil || result.Status != domain.StatusPaused {
			return result, err
		}
	}
}
