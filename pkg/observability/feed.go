package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
)

// DefaultFeedBuffer is the per-subscriber channel capacity.
const DefaultFeedBuffer = 16

// Event is the serializable form of a lifecycle event sent to live subscribers.
type Event struct {
	Type      domain.EventType         `json:"type"`
	ThreadID  string                   `json:"thread_id"`
	RunID     string                   `json:"run_id,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
	Node      string                   `json:"node,omitempty"`
	Step      int                      `json:"step"`
	Diff      *domain.CheckpointDiff   `json:"diff,omitempty"`
	Interrupt *domain.InterruptRequest `json:"interrupt,omitempty"`
	Decision  *domain.Decision         `json:"decision,omitempty"`
	Status    domain.RunStatus         `json:"status,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// Feed fans engine events out to subscribers, per thread or globally.
// Slow subscribers lose events instead of blocking the engine.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{} // ThreadID ("" for all) -> Set of Channels
	last        map[string]*domain.Checkpoint      // previous checkpoint of active runs, for diffs
	buffer      int
	logger      *slog.Logger
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFeedBuffer sets the per-subscriber channel capacity.
func WithFeedBuffer(n int) FeedOption {
	return func(f *Feed) {
		if n > 0 {
			f.buffer = n
		}
	}
}

// WithFeedLogger sets the logger used to report dropped events.
func WithFeedLogger(logger *slog.Logger) FeedOption {
	return func(f *Feed) {
		f.logger = logger
	}
}

// NewFeed creates an empty feed.
func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{
		subscribers: make(map[string]map[chan Event]struct{}),
		last:        make(map[string]*domain.Checkpoint),
		buffer:      DefaultFeedBuffer,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe registers a subscriber for threadID; the empty id receives every thread.
// The returned function unsubscribes and closes the channel.
func (f *Feed) Subscribe(threadID string) (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Event, f.buffer)
	if _, ok := f.subscribers[threadID]; !ok {
		f.subscribers[threadID] = make(map[chan Event]struct{})
	}
	f.subscribers[threadID][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if subs, ok := f.subscribers[threadID]; ok {
				delete(subs, ch)
				close(ch)
				if len(subs) == 0 {
					delete(f.subscribers, threadID)
				}
			}
		})
	}
}

// Publish delivers e to the thread's subscribers and to global subscribers.
func (f *Feed) Publish(e Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, key := range []string{e.ThreadID, ""} {
		for ch := range f.subscribers[key] {
			select {
			case ch <- e:
			default:
				// Drop message if channel is full (slow client)
				f.logger.Warn("feed subscriber buffer full, dropping event", "thread_id", e.ThreadID, "type", e.Type)
			}
		}
		if e.ThreadID == "" {
			break
		}
	}
}

// Hooks returns lifecycle hooks that publish into the feed.
func (f *Feed) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnNodeEnter: func(ctx context.Context, e *domain.NodeEvent) {
			f.Publish(Event{
				Type: e.Type, ThreadID: e.ThreadID, RunID: e.RunID, Timestamp: e.Timestamp,
				Node: e.Node, Step: e.Step,
			})
		},
		OnNodeLeave: func(ctx context.Context, e *domain.NodeEvent) {
			ev := Event{
				Type: e.Type, ThreadID: e.ThreadID, RunID: e.RunID, Timestamp: e.Timestamp,
				Node: e.Node, Step: e.Step,
			}
			if e.Err != nil {
				ev.Error = e.Err.Error()
			}
			f.Publish(ev)
		},
		OnCheckpoint: func(ctx context.Context, e *domain.CheckpointEvent) {
			f.mu.Lock()
			prev := f.last[e.ThreadID]
			f.last[e.ThreadID] = e.Checkpoint
			f.mu.Unlock()

			f.Publish(Event{
				Type: e.Type, ThreadID: e.ThreadID, RunID: e.RunID, Timestamp: e.Timestamp,
				Node: e.Checkpoint.Node, Step: e.Checkpoint.Step,
				Diff:   domain.Diff(prev, e.Checkpoint),
				Status: e.Checkpoint.Status,
			})
		},
		OnInterrupt: func(ctx context.Context, e *domain.InterruptEvent) {
			f.Publish(Event{
				Type: e.Type, ThreadID: e.ThreadID, RunID: e.RunID, Timestamp: e.Timestamp,
				Node: e.Request.Node, Step: e.Request.Step,
				Interrupt: e.Request,
				Status:    domain.StatusPaused,
			})
		},
		OnDecision: func(ctx context.Context, e *domain.DecisionEvent) {
			decision := e.Decision
			f.Publish(Event{
				Type: e.Type, ThreadID: e.ThreadID, RunID: e.RunID, Timestamp: e.Timestamp,
				Node: e.Node, Decision: &decision,
			})
		},
		OnRunEnd: func(ctx context.Context, e *domain.RunEvent) {
			f.mu.Lock()
			delete(f.last, e.ThreadID)
			f.mu.Unlock()

			ev := Event{
				Type: e.Type, ThreadID: e.ThreadID, RunID: e.RunID, Timestamp: e.Timestamp,
				Step: e.Step, Status: e.Status,
			}
			if e.Err != nil {
				ev.Error = e.Err.Error()
			}
			f.Publish(ev)
		},
	}
}
