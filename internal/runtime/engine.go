package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/threads"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Engine executes a compiled graph against persisted threads.
// Every invocation runs until the thread pauses, completes or fails, then returns;
// no lock or goroutine outlives the call.
type Engine struct {
	graph   *graph.Compiled
	threads *threads.Manager

	logger    *slog.Logger
	hooks     domain.LifecycleHooks
	tracer    trace.Tracer
	stepLimit int
	newRunID  func() string
	now       func() time.Time
}

// NewEngine creates an engine for g persisting through mgr.
func NewEngine(g *graph.Compiled, mgr *threads.Manager, opts ...Option) *Engine {
	e := &Engine{
		graph:     g,
		threads:   mgr,
		logger:    logging.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("espalier"),
		stepLimit: DefaultStepLimit,
		newRunID:  newRunID,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, w := range g.Warnings() {
		e.logger.Warn("graph compiled with warning", "graph", g.Name(), "warning", w)
	}
	return e
}

// Graph returns the compiled graph the engine runs.
func (e *Engine) Graph() *graph.Compiled { return e.graph }

// run carries the bookkeeping of one Start or Resume invocation.
type run struct {
	threadID string
	id       string
	started  time.Time
	executed int
}

// Start writes the initial checkpoint of a new thread and runs it.
// A thread that already has checkpoints is refused with *domain.ConcurrentModificationError.
func (e *Engine) Start(ctx context.Context, threadID string, initial domain.State) (result *domain.RunResult, err error) {
	r := e.newRun(threadID)
	ctx, span := e.tracer.Start(ctx, "espalier.start", trace.WithAttributes(
		attribute.String("espalier.graph", e.graph.Name()),
		attribute.String("espalier.thread_id", threadID),
		attribute.String("espalier.run_id", r.id),
	))
	defer func() { e.finish(ctx, span, r, result, err) }()

	e.logger.Info("run started", "graph", e.graph.Name(), "thread_id", threadID, "run_id", r.id)

	err = e.threads.WithLock(ctx, threadID, func(ctx context.Context) error {
		steps, err := e.threads.Store().ListSteps(ctx, threadID)
		if err != nil {
			return fmt.Errorf("failed to inspect thread %q: %w", threadID, err)
		}
		if len(steps) > 0 {
			return &domain.ConcurrentModificationError{ThreadID: threadID, Expected: len(steps), Actual: 0}
		}

		state, err := e.graph.Merge(domain.State{}, initial)
		if err != nil {
			return fmt.Errorf("invalid initial state: %w", err)
		}

		first := &domain.Checkpoint{
			ThreadID: threadID,
			Step:     0,
			Next:     e.graph.Entry(),
			State:    state,
			Source:   domain.SourceInput,
		}
		result, err = e.settle(ctx, r, first, false)
		if result != nil || err != nil {
			return err
		}
		result, err = e.advance(ctx, r, first)
		return err
	})
	return result, err
}

// Resume applies a decision to the thread's latest checkpoint and continues the run.
//
// With an interrupt pending, approve runs the gated node, reject records the reason and
// skips past it, and replace overwrites fields before running it. Without one, approve
// retries from the latest checkpoint and replace patches the state first.
func (e *Engine) Resume(ctx context.Context, threadID string, decision domain.Decision) (result *domain.RunResult, err error) {
	r := e.newRun(threadID)
	ctx, span := e.tracer.Start(ctx, "espalier.resume", trace.WithAttributes(
		attribute.String("espalier.graph", e.graph.Name()),
		attribute.String("espalier.thread_id", threadID),
		attribute.String("espalier.run_id", r.id),
		attribute.String("espalier.decision", string(decision.Kind)),
	))
	defer func() { e.finish(ctx, span, r, result, err) }()

	e.logger.Info("run resumed", "graph", e.graph.Name(), "thread_id", threadID, "run_id", r.id, "decision", decision.Kind)

	err = e.threads.WithLock(ctx, threadID, func(ctx context.Context) error {
		latest, err := e.threads.Latest(ctx, threadID)
		if err != nil {
			return err
		}
		if err := e.validateDecision(latest, decision); err != nil {
			return err
		}

		e.emitDecision(ctx, r, latest.Next, decision)

		from := latest
		switch decision.Kind {
		case domain.DecisionReject:
			if from, err = e.reject(ctx, latest, decision.Reason); err != nil {
				result, err = e.fail(ctx, r, latest, err)
				return err
			}
			result, err = e.settle(ctx, r, from, false)
		case domain.DecisionReplace:
			from = &domain.Checkpoint{
				ThreadID: threadID,
				Step:     latest.Step + 1,
				Next:     latest.Next,
				State:    domain.Overlay(latest.State, decision.Fields),
				Node:     latest.Next,
				Source:   domain.SourceReplace,
			}
			result, err = e.settle(ctx, r, from, true)
		}
		if err != nil {
			result, err = e.fail(ctx, r, latest, err)
			return err
		}
		if result != nil {
			return nil
		}

		result, err = e.advance(ctx, r, from)
		return err
	})
	return result, err
}

func (e *Engine) newRun(threadID string) *run {
	return &run{threadID: threadID, id: e.newRunID(), started: e.now()}
}

// validateDecision checks the decision against the latest checkpoint of the thread.
func (e *Engine) validateDecision(latest *domain.Checkpoint, decision domain.Decision) error {
	invalid := func(node, reason string) error {
		return &domain.InvalidDecisionError{ThreadID: latest.ThreadID, Node: node, Kind: decision.Kind, Reason: reason}
	}

	if !decision.Kind.Valid() {
		return invalid("", "unknown decision kind")
	}
	if latest.Terminal() {
		return invalid("", "thread already completed")
	}
	if decision.Kind == domain.DecisionReplace && len(decision.Fields) == 0 {
		return invalid(latest.Next, "replace requires at least one field")
	}
	if decision.Kind == domain.DecisionReplace {
		if err := e.graph.CheckFields(decision.Fields); err != nil {
			return invalid(latest.Next, err.Error())
		}
	}

	if req := latest.PendingInterrupt; req != nil {
		if !req.Allows(decision.Kind) {
			return invalid(req.Node, fmt.Sprintf("node accepts %v", req.AllowedDecisions))
		}
		return nil
	}

	if decision.Kind == domain.DecisionReject {
		return invalid(latest.Next, "no interrupt is pending")
	}
	return nil
}

// reject records the reason and routes past the gated node without running it.
func (e *Engine) reject(ctx context.Context, latest *domain.Checkpoint, reason string) (*domain.Checkpoint, error) {
	node := latest.PendingInterrupt.Node
	state, err := e.graph.Merge(latest.State, domain.State{e.graph.RejectField(): reason})
	if err != nil {
		return nil, &domain.StepExecutionError{ThreadID: latest.ThreadID, Node: node, LastGoodStep: latest.Step, Cause: err}
	}
	next, err := e.graph.Next(ctx, node, state)
	if err != nil {
		return nil, err
	}
	return &domain.Checkpoint{
		ThreadID: latest.ThreadID,
		Step:     latest.Step + 1,
		Next:     next,
		State:    state,
		Node:     node,
		Source:   domain.SourceReject,
	}, nil
}

// advance executes nodes from a saved checkpoint until the run stops.
func (e *Engine) advance(ctx context.Context, r *run, from *domain.Checkpoint) (*domain.RunResult, error) {
	cp := from
	for {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, r, cp, &domain.StepExecutionError{ThreadID: r.threadID, Node: cp.Next, LastGoodStep: cp.Step, Cause: err})
		}
		if e.stepLimit > 0 && r.executed >= e.stepLimit {
			return e.fail(ctx, r, cp, &domain.StepExecutionError{
				ThreadID:     r.threadID,
				Node:         cp.Next,
				LastGoodStep: cp.Step,
				Cause:        fmt.Errorf("%w: %d nodes in one invocation", domain.ErrStepLimit, e.stepLimit),
			})
		}

		next, err := e.execute(ctx, r, cp)
		if err != nil {
			return e.fail(ctx, r, cp, err)
		}

		result, err := e.settle(ctx, r, next, false)
		if err != nil {
			return e.fail(ctx, r, cp, err)
		}
		if result != nil {
			return result, nil
		}
		cp = next
	}
}

// settle completes a candidate checkpoint, persists it and reports whether the run stops there.
// A decided checkpoint runs its gated Next without raising the interrupt again.
func (e *Engine) settle(ctx context.Context, r *run, cp *domain.Checkpoint, decided bool) (*domain.RunResult, error) {
	cp.RunID = r.id
	cp.CreatedAt = e.now().UTC()
	cp.Status = domain.StatusRunning

	if cp.Next == domain.End {
		cp.Status = domain.StatusCompleted
	} else if node, ok := e.graph.Node(cp.Next); ok && node.Gated && !decided {
		req, err := e.graph.Interrupt(r.threadID, cp.Next, cp.Step, cp.State)
		if err != nil {
			return nil, err
		}
		req.CreatedAt = cp.CreatedAt
		cp.PendingInterrupt = req
		cp.Status = domain.StatusPaused
	}

	if err := e.threads.Save(ctx, cp); err != nil {
		return nil, err
	}
	e.emitCheckpoint(ctx, r, cp)

	switch cp.Status {
	case domain.StatusCompleted:
		return domain.Completed(r.threadID, cp.Step, cp.State.Clone()), nil
	case domain.StatusPaused:
		e.logger.Info("run paused", "thread_id", r.threadID, "run_id", r.id, "node", cp.Next, "step", cp.Step)
		e.emitInterrupt(ctx, r, cp.PendingInterrupt)
		return domain.Paused(r.threadID, cp.Step, cp.PendingInterrupt.Clone()), nil
	}
	return nil, nil
}

// execute runs the node named by cp.Next and builds the checkpoint that follows it.
func (e *Engine) execute(ctx context.Context, r *run, cp *domain.Checkpoint) (*domain.Checkpoint, error) {
	node, ok := e.graph.Node(cp.Next)
	if !ok {
		return nil, &domain.StepExecutionError{
			ThreadID:     r.threadID,
			Node:         cp.Next,
			LastGoodStep: cp.Step,
			Cause:        fmt.Errorf("node is not part of graph %q", e.graph.Name()),
		}
	}
	r.executed++

	ctx, span := e.tracer.Start(ctx, "execute_node "+node.Name, trace.WithAttributes(
		attribute.String("espalier.node", node.Name),
		attribute.Int("espalier.step", cp.Step+1),
	))
	defer span.End()

	e.emitNodeEnter(ctx, r, node.Name, cp.Step+1)
	started := time.Now()
	update, err := callStep(ctx, node.Step, cp.State.Clone())
	e.emitNodeLeave(ctx, r, node.Name, cp.Step+1, time.Since(started), err)

	var state domain.State
	if err == nil {
		state, err = e.graph.Merge(cp.State, update)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &domain.StepExecutionError{ThreadID: r.threadID, Node: node.Name, LastGoodStep: cp.Step, Cause: err}
	}

	next, err := e.graph.Next(ctx, node.Name, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("espalier.next", next))

	return &domain.Checkpoint{
		ThreadID: r.threadID,
		Step:     cp.Step + 1,
		Next:     next,
		State:    state,
		Node:     node.Name,
		Source:   domain.SourceStep,
	}, nil
}

// callStep invokes a step function, converting panics into errors.
func callStep(ctx context.Context, step graph.StepFunc, state domain.State) (update domain.State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return step(ctx, state)
}

// fail reports a failed run. Step and routing failures are also recorded as a
// failure checkpoint that repeats last (state, Next and any pending interrupt), so the
// thread shows as failed in its history and a retry resumes exactly where last left off.
func (e *Engine) fail(ctx context.Context, r *run, last *domain.Checkpoint, err error) (*domain.RunResult, error) {
	e.logger.Error("run failed", "thread_id", r.threadID, "run_id", r.id, "last_good_step", last.Step, "err", err)
	if errors.Is(err, domain.ErrStepExecution) || errors.Is(err, domain.ErrRouting) {
		e.recordFailure(ctx, r, last, err)
	}
	return domain.Failed(r.threadID, last.Step, err), err
}

func (e *Engine) recordFailure(ctx context.Context, r *run, last *domain.Checkpoint, cause error) {
	node := last.Next
	var stepErr *domain.StepExecutionError
	var routeErr *domain.RoutingError
	switch {
	case errors.As(cause, &stepErr):
		node = stepErr.Node
	case errors.As(cause, &routeErr):
		node = routeErr.Node
	}

	marker := last.Clone()
	marker.Step = last.Step + 1
	marker.Node = node
	marker.Source = domain.SourceFailure
	marker.Status = domain.StatusFailed
	marker.RunID = r.id
	marker.CreatedAt = e.now().UTC()
	marker.Error = cause.Error()

	// A cancelled run is still recorded.
	if err := e.threads.Save(context.WithoutCancel(ctx), marker); err != nil {
		e.logger.Warn("failed to record run failure", "thread_id", r.threadID, "run_id", r.id, "err", err)
		return
	}
	e.emitCheckpoint(ctx, r, marker)
}

// finish closes the invocation span and reports the outcome to the run hook.
func (e *Engine) finish(ctx context.Context, span trace.Span, r *run, result *domain.RunResult, err error) {
	defer span.End()

	status := domain.StatusFailed
	step := -1
	if result != nil {
		status = result.Status
		step = result.Step
	}
	span.SetAttributes(attribute.String("espalier.status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrConcurrentModification) || errors.Is(err, domain.ErrInvalidDecision) || errors.Is(err, domain.ErrUnknownThread) {
			e.logger.Warn("run refused", "thread_id", r.threadID, "run_id", r.id, "err", err)
		}
	}

	e.emitRunEnd(ctx, r, status, step, err)
}
