package runtime

import (
	"log/slog"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// DefaultStepLimit leaves cycles unbounded; loop guards belong in the graph's own routers.
const DefaultStepLimit = 0

// Option configures the Engine.
type Option func(*Engine)

// WithLogger configures the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLifecycleHooks registers observability callbacks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) {
		e.hooks = hooks
	}
}

// WithTracer records one span per invocation and per executed node.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithStepLimit caps how many nodes a single Start or Resume may execute.
// Zero or less disables the limit.
func WithStepLimit(n int) Option {
	return func(e *Engine) {
		e.stepLimit = n
	}
}

// WithRunIDGenerator replaces the uuid generator used for run ids.
func WithRunIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newRunID = gen
		}
	}
}

// WithClock replaces time.Now for checkpoint timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func newRunID() string {
	return uuid.NewString()
}
