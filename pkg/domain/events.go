package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventNodeEnter  EventType = "node_enter"
	EventNodeLeave  EventType = "node_leave"
	EventCheckpoint EventType = "checkpoint"
	EventInterrupt  EventType = "interrupt"
	EventDecision   EventType = "decision"
	EventRunEnd     EventType = "run_end"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	ThreadID  string    `json:"thread_id"`
	RunID     string    `json:"run_id,omitempty"`
}

// NodeEvent represents entry into or exit from a step function.
// Duration and Err are only set on leave.
type NodeEvent struct {
	EventBase
	Node     string        `json:"node"`
	Step     int           `json:"step"`
	Duration time.Duration `json:"duration,omitempty"`
	Err      error         `json:"-"`
}

// CheckpointEvent is emitted after a checkpoint is durably written.
type CheckpointEvent struct {
	EventBase
	Checkpoint *Checkpoint `json:"checkpoint"`
}

// InterruptEvent is emitted when a run pauses before a gated node.
type InterruptEvent struct {
	EventBase
	Request *InterruptRequest `json:"request"`
}

// DecisionEvent is emitted when a decision is accepted for a paused node.
type DecisionEvent struct {
	EventBase
	Node     string   `json:"node"`
	Decision Decision `json:"decision"`
}

// RunEvent is emitted when Start or Resume returns.
type RunEvent struct {
	EventBase
	Status RunStatus     `json:"status"`
	Step   int           `json:"step"`
	Took   time.Duration `json:"took"`
	Err    error         `json:"-"`
}

// LifecycleHooks defines callbacks for engine observability.
// Any hook may be nil.
type LifecycleHooks struct {
	OnNodeEnter  func(context.Context, *NodeEvent)
	OnNodeLeave  func(context.Context, *NodeEvent)
	OnCheckpoint func(context.Context, *CheckpointEvent)
	OnInterrupt  func(context.Context, *InterruptEvent)
	OnDecision   func(context.Context, *DecisionEvent)
	OnRunEnd     func(context.Context, *RunEvent)
}

// ComposeHooks fans each callback out to every non-nil hook in order.
func ComposeHooks(hooks ...LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnNodeEnter: func(ctx context.Context, e *NodeEvent) {
			for _, h := range hooks {
				if h.OnNodeEnter != nil {
					h.OnNodeEnter(ctx, e)
				}
			}
		},
		OnNodeLeave: func(ctx context.Context, e *NodeEvent) {
			for _, h := range hooks {
				if h.OnNodeLeave != nil {
					h.OnNodeLeave(ctx, e)
				}
			}
		},
		OnCheckpoint: func(ctx context.Context, e *CheckpointEvent) {
			for _, h := range hooks {
				if h.OnCheckpoint != nil {
					h.OnCheckpoint(ctx, e)
				}
			}
		},
		OnInterrupt: func(ctx context.Context, e *InterruptEvent) {
			for _, h := range hooks {
				if h.OnInterrupt != nil {
					h.OnInterrupt(ctx, e)
				}
			}
		},
		OnDecision: func(ctx context.Context, e *DecisionEvent) {
			for _, h := range hooks {
				if h.OnDecision != nil {
					h.OnDecision(ctx, e)
				}
			}
		},
		OnRunEnd: func(ctx context.Context, e *RunEvent) {
			for _, h := range hooks {
				if h.OnRunEnd != nil {
					h.OnRunEnd(ctx, e)
				}
			}
		},
	}
}
