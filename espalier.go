package espalier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/interrupt"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/aretw0/espalier/pkg/threads"
	"go.opentelemetry.io/otel/trace"
)

// Engine is the high-level entry point for the Espalier library.
// It binds a compiled graph to a checkpoint store and exposes the caller operations.
type Engine struct {
	graph      *graph.Compiled
	runtime    *runtime.Engine
	threads    *threads.Manager
	interrupts *interrupt.Controller

	store     ports.CheckpointStore
	locker    ports.DistributedLocker
	lockTTL   time.Duration
	hooks     []domain.LifecycleHooks
	tracer    trace.Tracer
	stepLimit int
	logger    *slog.Logger
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithStore selects where checkpoints are persisted (default: in memory).
func WithStore(store ports.CheckpointStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLifecycleHooks registers observability hooks.
// It may be given more than once; every registered hook is called in order.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) {
		e.hooks = append(e.hooks, hooks)
	}
}

// WithLocker serializes runs of a thread across processes.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(e *Engine) {
		e.locker = locker
	}
}

// WithLockTTL sets the expiry of distributed locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.lockTTL = ttl
	}
}

// WithTracer records OpenTelemetry spans for runs and nodes.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithStepLimit caps the nodes executed by one Start or Resume.
func WithStepLimit(n int) Option {
	return func(e *Engine) {
		e.stepLimit = n
	}
}

// New binds a compiled graph to an engine.
func New(g *graph.Compiled, opts ...Option) (*Engine, error) {
	if g == nil {
		return nil, errors.New("espalier: compiled graph is required")
	}

	eng := &Engine{graph: g}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.store == nil {
		eng.store = memory.NewStore()
	}
	// Ensure logger is initialized (so we don't pass nil down, which would overwrite defaults)
	if eng.logger == nil {
		eng.logger = logging.NewNop()
	}
	eng.logger = eng.logger.With("graph", g.Name())

	threadOpts := []threads.Option{threads.WithLogger(eng.logger)}
	if eng.locker != nil {
		threadOpts = append(threadOpts, threads.WithLocker(eng.locker))
	}
	if eng.lockTTL > 0 {
		threadOpts = append(threadOpts, threads.WithLockTTL(eng.lockTTL))
	}
	eng.threads = threads.NewManager(eng.store, threadOpts...)

	runtimeOpts := []runtime.Option{
		runtime.WithLogger(eng.logger),
		runtime.WithLifecycleHooks(domain.ComposeHooks(eng.hooks...)),
		runtime.WithStepLimit(eng.stepLimit),
	}
	if eng.tracer != nil {
		runtimeOpts = append(runtimeOpts, runtime.WithTracer(eng.tracer))
	}
	eng.runtime = runtime.NewEngine(g, eng.threads, runtimeOpts...)
	eng.interrupts = interrupt.NewController(eng.threads, eng.runtime, interrupt.WithLogger(eng.logger))

	return eng, nil
}

// Start runs a new thread from initial until it pauses, completes or fails.
// Starting a thread that already exists returns *domain.ConcurrentModificationError.
func (e *Engine) Start(ctx context.Context, threadID string, initial domain.State) (*domain.RunResult, error) {
	return e.runtime.Start(ctx, threadID, initial)
}

// Resume applies a decision to the thread and continues it.
func (e *Engine) Resume(ctx context.Context, threadID string, decision domain.Decision) (*domain.RunResult, error) {
	return e.runtime.Resume(ctx, threadID, decision)
}

// Inspect returns the pending interrupt of a thread, or nil when it is not paused.
func (e *Engine) Inspect(ctx context.Context, threadID string) (*domain.InterruptRequest, error) {
	return e.interrupts.Inspect(ctx, threadID)
}

// Decide is Resume routed through the interrupt controller.
func (e *Engine) Decide(ctx context.Context, threadID string, decision domain.Decision) (*domain.RunResult, error) {
	return e.interrupts.Decide(ctx, threadID, decision)
}

// Drain answers every interrupt of the thread with reviewer until it stops pausing.
func (e *Engine) Drain(ctx context.Context, threadID string, reviewer interrupt.Reviewer) (*domain.RunResult, error) {
	return e.interrupts.Drain(ctx, threadID, reviewer)
}

// GetCheckpoint loads the checkpoint written at step (time travel).
func (e *Engine) GetCheckpoint(ctx context.Context, threadID string, step int) (*domain.Checkpoint, error) {
	return e.threads.At(ctx, threadID, step)
}

// Latest loads the newest checkpoint of a thread.
func (e *Engine) Latest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	return e.threads.Latest(ctx, threadID)
}

// History loads every checkpoint of a thread in step order.
func (e *Engine) History(ctx context.Context, threadID string) ([]*domain.Checkpoint, error) {
	return e.threads.History(ctx, threadID)
}

// ListSteps returns the step indices persisted for a thread.
func (e *Engine) ListSteps(ctx context.Context, threadID string) ([]int, error) {
	return e.store.ListSteps(ctx, threadID)
}

// Threads lists every thread id in the store.
func (e *Engine) Threads(ctx context.Context) ([]string, error) {
	return e.threads.List(ctx)
}

// DeleteThread removes a thread and its whole history.
func (e *Engine) DeleteThread(ctx context.Context, threadID string) error {
	return e.threads.Delete(ctx, threadID)
}

// Graph returns the compiled graph the engine runs.
func (e *Engine) Graph() *graph.Compiled {
	return e.graph
}

// Store returns the checkpoint store.
func (e *Engine) Store() ports.CheckpointStore {
	return e.store
}
