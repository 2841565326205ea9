package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/interrupt"
)

// Engine is the part of espalier.Engine the runner drives.
type Engine interface {
	Start(ctx context.Context, threadID string, initial domain.State) (*domain.RunResult, error)
	Resume(ctx context.Context, threadID string, decision domain.Decision) (*domain.RunResult, error)
	Latest(ctx context.Context, threadID string) (*domain.Checkpoint, error)
	Drain(ctx context.Context, threadID string, reviewer interrupt.Reviewer) (*domain.RunResult, error)
}

// Runner handles the review loop of a thread using provided IO.
// It uses an IOHandler strategy to abstract the interaction mode (Text vs JSON).
type Runner struct {
	Handler IOHandler
	Logger  *slog.Logger
	Retry   bool
}

// NewRunner creates a new Runner with a text handler on Stdin/Stdout.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{}
	for _, opt := range opts {
		opt(r)
	}
	if r.Handler == nil {
		r.Handler = NewTextHandler(os.Stdin, os.Stdout)
	}
	if r.Logger == nil {
		r.Logger = logging.NewNop()
	}
	return r
}

// Run starts the thread when it does not exist yet, or picks it up where it stopped,
// then reviews every interrupt. It returns when the thread completes, fails or the
// reviewer quits; quitting leaves the thread paused and is not an error.
func (r *Runner) Run(ctx context.Context, eng Engine, threadID string, initial domain.State) (*domain.RunResult, error) {
	result, err := r.pickUp(ctx, eng, threadID, initial)
	if err != nil && result == nil {
		return nil, err
	}

	if err == nil && result.Status == domain.StatusPaused {
		result, err = eng.Drain(ctx, threadID, func(ctx context.Context, req *domain.InterruptRequest) (domain.Decision, error) {
			decision, err := r.Handler.Review(ctx, req)
			if err == nil {
				r.Logger.Debug("decision read", "thread_id", threadID, "node", req.Node, "kind", decision.Kind)
			}
			return decision, err
		})
		if errors.Is(err, ErrQuit) {
			r.Logger.Info("review stopped", "thread_id", threadID)
			_ = r.Handler.SystemOutput(ctx, fmt.Sprintf("Thread '%s' left paused. Run it again to continue.", threadID))
			return result, nil
		}
		if err != nil && result == nil {
			return nil, err
		}
	}

	if rerr := r.Handler.Result(ctx, result); rerr != nil {
		r.Logger.Warn("failed to present result", "thread_id", threadID, "err", rerr)
	}
	return result, err
}

// pickUp produces the first result of the loop: a fresh start or the thread's current position.
func (r *Runner) pickUp(ctx context.Context, eng Engine, threadID string, initial domain.State) (*domain.RunResult, error) {
	latest, err := eng.Latest(ctx, threadID)
	if errors.Is(err, domain.ErrUnknownThread) {
		_ = r.Handler.SystemOutput(ctx, fmt.Sprintf("Thread '%s' started.", threadID))
		return eng.Start(ctx, threadID, initial)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case latest.Terminal():
		return domain.Completed(threadID, latest.Step, latest.State), nil
	case latest.Paused():
		_ = r.Handler.SystemOutput(ctx, fmt.Sprintf("Resuming thread '%s' at step %d.", threadID, latest.Step))
		return domain.Paused(threadID, latest.Step, latest.PendingInterrupt), nil
	case r.Retry:
		_ = r.Handler.SystemOutput(ctx, fmt.Sprintf("Retrying thread '%s' from step %d.", threadID, latest.Step))
		return eng.Resume(ctx, threadID, domain.Approve())
	}
	if latest.Failed() {
		return domain.Failed(threadID, latest.Step, fmt.Errorf("thread failed at %q: %s; retry to run it again", latest.Node, latest.Error)), nil
	}
	return domain.Failed(threadID, latest.Step, fmt.Errorf("thread stopped before %q; retry to run it again", latest.Next)), nil
}
