package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/observability"
	"github.com/aretw0/espalier/pkg/runner"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// RunOptions contains all the configuration for the run command.
type RunOptions struct {
	ThreadID string
	State    string // JSON or YAML object
	JSON     bool
	Watch    bool
	Retry    bool
	Fresh    bool
	Renderer runner.ContentRenderer

	In      io.Reader
	Out     io.Writer
	WatchTo io.Writer // defaults to Out
}

// ParseState reads an initial state given on the command line. YAML is a superset of JSON,
// so both `{"topic": "x"}` and `topic: x` work.
func ParseState(raw string) (domain.State, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var state domain.State
	if err := yaml.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("error parsing --state: %w", err)
	}
	return state, nil
}

// Run drives one thread interactively until it completes, fails or the reviewer quits.
// Without a thread id a fresh one is generated.
func Run(ctx context.Context, stack *Stack, opts RunOptions) (*domain.RunResult, error) {
	initial, err := ParseState(opts.State)
	if err != nil {
		return nil, err
	}

	threadID := opts.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	if opts.Fresh {
		if err := stack.Engine.DeleteThread(ctx, threadID); err != nil {
			return nil, fmt.Errorf("failed to reset thread %s: %w", threadID, err)
		}
	}

	var handler runner.IOHandler
	if opts.JSON {
		handler = runner.NewJSONHandler(opts.In, opts.Out)
	} else {
		handler = runner.NewTextHandler(opts.In, opts.Out, runner.WithTextHandlerRenderer(opts.Renderer))
	}

	if opts.Watch {
		to := opts.WatchTo
		if to == nil {
			to = opts.Out
		}
		events, cancel := stack.Feed.Subscribe(threadID)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for e := range events {
				fmt.Fprintln(to, FormatEvent(e))
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	r := runner.NewRunner(
		runner.WithLogger(stack.Logger),
		runner.WithInputHandler(handler),
		runner.WithRetry(opts.Retry),
	)
	return r.Run(ctx, stack.Engine, threadID, initial)
}

// FormatEvent renders a feed event as one line for --watch.
func FormatEvent(e observability.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "~ %-10s thread=%s step=%d", e.Type, e.ThreadID, e.Step)
	if e.Node != "" {
		fmt.Fprintf(&sb, " node=%s", e.Node)
	}
	if e.Diff != nil && len(e.Diff.State) > 0 {
		fmt.Fprintf(&sb, " changed=%s", strings.Join(slices.Sorted(maps.Keys(e.Diff.State)), ","))
	}
	if e.Decision != nil {
		fmt.Fprintf(&sb, " decision=%s", e.Decision.Kind)
	}
	if e.Status != "" {
		fmt.Fprintf(&sb, " status=%s", e.Status)
	}
	if e.Error != "" {
		fmt.Fprintf(&sb, " err=%q", e.Error)
	}
	return sb.String()
}
