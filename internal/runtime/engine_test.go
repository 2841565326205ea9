package runtime_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/schema"
	"github.com/aretw0/espalier/pkg/threads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func set(field string, value any) graph.StepFunc {
	return func(ctx context.Context, s domain.State) (domain.State, error) {
		return domain.State{field: value}, nil
	}
}

func newEngine(t *testing.T, b *graph.Builder, opts ...runtime.Option) (*runtime.Engine, *memory.Store) {
	t.Helper()
	g, err := b.Compile()
	require.NoError(t, err)
	store := memory.NewStore()
	return runtime.NewEngine(g, threads.NewManager(store), opts...), store
}

// reviewGraph is A -> B(gated) -> END with an append log that also collects rejections.
func reviewGraph(bRuns *atomic.Int32) *graph.Builder {
	return graph.New("review").
		Field("log", domain.PolicyAppend).
		RejectInto("log").
		AddNode("A", set("log", "a")).
		AddNode("B", func(ctx context.Context, s domain.State) (domain.State, error) {
			bRuns.Add(1)
			return domain.State{"log": "b"}, nil
		}, graph.Gated(), graph.Describe("Review the log")).
		AddEdge(graph.Start, "A").
		AddEdge("A", "B").
		SetFinish("B")
}

func TestEngine_LinearRunCompletes(t *testing.T) {
	engine, store := newEngine(t, graph.New("linear").
		AddNode("A", set("x", 1)).
		AddNode("B", set("x", 2)).
		SetEntry("A").
		AddEdge("A", "B").
		SetFinish("B"))
	ctx := context.Background()

	result, err := engine.Start(ctx, "T1", domain.State{"x": 0})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, domain.State{"x": 2}, result.State)
	assert.Equal(t, 2, result.Step)

	steps, err := store.ListSteps(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, steps)

	first, err := store.LoadAt(ctx, "T1", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.State{"x": 0}, first.State)
	assert.Equal(t, "A", first.Next)
	assert.Equal(t, domain.SourceInput, first.Source)

	last, err := store.LoadLatest(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.End, last.Next)
	assert.Equal(t, domain.StatusCompleted, last.Status)
	assert.Equal(t, "B", last.Node)
}

func TestEngine_PauseAndApprove(t *testing.T) {
	var bRuns atomic.Int32
	engine, store := newEngine(t, reviewGraph(&bRuns))
	ctx := context.Background()

	result, err := engine.Start(ctx, "T2", domain.State{"log": []any{}})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaused, result.Status)
	require.NotNil(t, result.Interrupt)
	assert.Equal(t, "B", result.Interrupt.Node)
	assert.Equal(t, "Review the log", result.Interrupt.Description)
	assert.Equal(t, []any{"a"}, result.Interrupt.State["log"])
	assert.ElementsMatch(t, domain.AllDecisions, result.Interrupt.AllowedDecisions)
	assert.Zero(t, bRuns.Load(), "gated node must not run before a decision")

	paused, err := store.LoadLatest(ctx, "T2")
	require.NoError(t, err)
	assert.True(t, paused.Paused())
	assert.Equal(t, "B", paused.Next)
	assert.Equal(t, domain.StatusPaused, paused.Status)

	result, err = engine.Resume(ctx, "T2", domain.Approve())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, []any{"a", "b"}, result.State["log"])
	assert.EqualValues(t, 1, bRuns.Load())

	// The paused checkpoint is still in history after the decision is consumed.
	again, err := store.LoadAt(ctx, "T2", paused.Step)
	require.NoError(t, err)
	assert.True(t, again.Paused())
}

func TestEngine_RejectSkipsGatedNode(t *testing.T) {
	var bRuns atomic.Int32
	engine, store := newEngine(t, reviewGraph(&bRuns))
	ctx := context.Background()

	_, err := engine.Start(ctx, "T2", domain.State{"log": []any{}})
	require.NoError(t, err)

	result, err := engine.Resume(ctx, "T2", domain.Reject("skip"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, []any{"a", "skip"}, result.State["log"])
	assert.Zero(t, bRuns.Load(), "rejected node body must never run")

	latest, err := store.LoadLatest(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceReject, latest.Source)
	assert.Equal(t, "B", latest.Node)
	assert.Equal(t, domain.End, latest.Next)
}

func TestEngine_ReplaceOverwritesThenRuns(t *testing.T) {
	var bRuns atomic.Int32
	engine, store := newEngine(t, reviewGraph(&bRuns))
	ctx := context.Background()

	_, err := engine.Start(ctx, "T3", domain.State{"log": []any{}})
	require.NoError(t, err)

	result, err := engine.Resume(ctx, "T3", domain.Replace(domain.State{"log": []any{"edited"}}))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, []any{"edited", "b"}, result.State["log"])
	assert.EqualValues(t, 1, bRuns.Load())

	history := make([]*domain.Checkpoint, 0)
	steps, err := store.ListSteps(ctx, "T3")
	require.NoError(t, err)
	for _, step := range steps {
		cp, err := store.LoadAt(ctx, "T3", step)
		require.NoError(t, err)
		history = append(history, cp)
	}
	require.Len(t, history, 4)
	assert.Equal(t, domain.SourceReplace, history[2].Source)
	assert.Equal(t, "B", history[2].Next)
	assert.False(t, history[2].Paused(), "a decided checkpoint does not raise the interrupt again")
}

func TestEngine_ReplaceChecksFieldTypes(t *testing.T) {
	var bRuns atomic.Int32
	engine, store := newEngine(t, reviewGraph(&bRuns).Typed("title", schema.String()))
	ctx := context.Background()

	_, err := engine.Start(ctx, "typed", domain.State{})
	require.NoError(t, err)

	result, err := engine.Resume(ctx, "typed", domain.Replace(domain.State{"title": 42}))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, domain.ErrInvalidDecision)
	assert.ErrorContains(t, err, `field "title"`)
	assert.Zero(t, bRuns.Load())

	steps, err := store.ListSteps(ctx, "typed")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, steps, "a refused decision writes nothing")

	result, err = engine.Resume(ctx, "typed", domain.Replace(domain.State{"title": "ok"}))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
}

func TestEngine_RouterOutsideDeclaredTargets(t *testing.T) {
	engine, store := newEngine(t, graph.New("routing").
		AddNode("C", set("seen", true)).
		AddNode("D", set("d", true)).
		AddNode("E", set("e", true)).
		AddNode("F", set("f", true)).
		SetEntry("C").
		AddConditionalEdge("C", func(ctx context.Context, s domain.State) string { return "D" }, "E", "F").
		AddEdge("D", graph.End).
		SetFinish("E").
		SetFinish("F"))
	ctx := context.Background()

	result, err := engine.Start(ctx, "T4", domain.State{})
	require.Error(t, err)

	var routing *domain.RoutingError
	require.ErrorAs(t, err, &routing)
	assert.Equal(t, "C", routing.Node)
	assert.Equal(t, "D", routing.Target)
	assert.Equal(t, []string{"E", "F"}, routing.Allowed)

	require.NotNil(t, result)
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Equal(t, 0, result.LastGoodStep)
	assert.ErrorIs(t, result.Err, domain.ErrRouting)

	before, err := store.LoadAt(ctx, "T4", 0)
	require.NoError(t, err)
	assert.Equal(t, "C", before.Next)

	steps, err := store.ListSteps(ctx, "T4")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, steps, "only the failure is recorded after the last good step")

	failed, err := store.LoadLatest(ctx, "T4")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, domain.SourceFailure, failed.Source)
	assert.Equal(t, "C", failed.Node)
	assert.Equal(t, "C", failed.Next, "a retry runs C again")
	assert.Equal(t, before.State, failed.State)
	assert.Contains(t, failed.Error, `"D"`)
}

func TestEngine_StartTwiceIsRefused(t *testing.T) {
	engine, store := newEngine(t, graph.New("linear").
		AddNode("A", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{"seen": s["x"]}, nil
		}).
		SetEntry("A").
		SetFinish("A"))
	ctx := context.Background()

	first, err := engine.Start(ctx, "T5", domain.State{"x": "first"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, first.Status)

	second, err := engine.Start(ctx, "T5", domain.State{"x": "second"})
	assert.Nil(t, second)
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	var cme *domain.ConcurrentModificationError
	require.ErrorAs(t, err, &cme)
	assert.Equal(t, "T5", cme.ThreadID)
	assert.Equal(t, 2, cme.Expected)
	assert.Equal(t, 0, cme.Actual)

	latest, err := store.LoadLatest(ctx, "T5")
	require.NoError(t, err)
	assert.Equal(t, "first", latest.State["seen"], "the refused start must not touch history")

	steps, err := store.ListSteps(ctx, "T5")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, steps)
}

func TestEngine_StepFailureIsResumable(t *testing.T) {
	var attempts atomic.Int32
	engine, store := newEngine(t, graph.New("flaky").
		AddNode("A", set("a", true)).
		AddNode("B", func(ctx context.Context, s domain.State) (domain.State, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("upstream unavailable")
			}
			return domain.State{"b": s["patched"]}, nil
		}).
		SetEntry("A").
		AddEdge("A", "B").
		SetFinish("B"))
	ctx := context.Background()

	result, err := engine.Start(ctx, "flaky", domain.State{})
	require.Error(t, err)

	var stepErr *domain.StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "B", stepErr.Node)
	assert.Equal(t, 1, stepErr.LastGoodStep)
	assert.True(t, stepErr.Retryable())
	assert.ErrorContains(t, err, "upstream unavailable")
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Equal(t, 1, result.LastGoodStep)

	latest, err := store.LoadLatest(ctx, "flaky")
	require.NoError(t, err)
	assert.True(t, latest.Failed())
	assert.Equal(t, 2, latest.Step)
	assert.Equal(t, "B", latest.Next)
	assert.Equal(t, "B", latest.Node)
	assert.Equal(t, domain.State{"a": true}, latest.State)
	assert.Contains(t, latest.Error, "upstream unavailable")

	// Reject has nothing to act on without a pending interrupt.
	_, err = engine.Resume(ctx, "flaky", domain.Reject("nope"))
	assert.ErrorIs(t, err, domain.ErrInvalidDecision)

	result, err = engine.Resume(ctx, "flaky", domain.Replace(domain.State{"patched": "yes"}))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, "yes", result.State["b"])

	steps, err := store.ListSteps(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, steps)
}

func TestEngine_PanicBecomesStepError(t *testing.T) {
	engine, _ := newEngine(t, graph.New("panics").
		AddNode("A", func(ctx context.Context, s domain.State) (domain.State, error) {
			panic("boom")
		}).
		SetEntry("A").
		SetFinish("A"))

	result, err := engine.Start(context.Background(), "p", domain.State{})
	require.ErrorIs(t, err, domain.ErrStepExecution)
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Equal(t, 0, result.LastGoodStep)
}

func TestEngine_ApproveRetriesFailedRun(t *testing.T) {
	var attempts atomic.Int32
	engine, _ := newEngine(t, graph.New("retry").
		AddNode("A", func(ctx context.Context, s domain.State) (domain.State, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return domain.State{"ok": true}, nil
		}).
		SetEntry("A").
		SetFinish("A"))
	ctx := context.Background()

	_, err := engine.Start(ctx, "r", domain.State{})
	require.Error(t, err)

	result, err := engine.Resume(ctx, "r", domain.Approve())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, true, result.State["ok"])
	assert.Equal(t, 2, result.Step, "input, failure, then the retried node")
}

func TestEngine_FailedGatedNodeIsReviewedAgain(t *testing.T) {
	var bRuns atomic.Int32
	engine, store := newEngine(t, graph.New("review").
		Field("log", domain.PolicyAppend).
		RejectInto("log").
		AddNode("A", set("log", "a")).
		AddNode("B", func(ctx context.Context, s domain.State) (domain.State, error) {
			if bRuns.Add(1) == 1 {
				return nil, errors.New("mail server down")
			}
			return domain.State{"log": "b"}, nil
		}, graph.Gated()).
		AddEdge(graph.Start, "A").
		AddEdge("A", "B").
		SetFinish("B"))
	ctx := context.Background()

	_, err := engine.Start(ctx, "g", domain.State{})
	require.NoError(t, err)
	result, err := engine.Resume(ctx, "g", domain.Approve())
	require.ErrorIs(t, err, domain.ErrStepExecution)
	assert.Equal(t, domain.StatusFailed, result.Status)

	latest, err := store.LoadLatest(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, latest.Status)
	require.True(t, latest.Paused(), "the review is still open after the gated node failed")
	assert.Equal(t, "B", latest.PendingInterrupt.Node)

	result, err = engine.Resume(ctx, "g", domain.Reject("give up"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, []any{"a", "give up"}, result.State["log"])
	assert.EqualValues(t, 1, bRuns.Load())
}

func TestEngine_DecisionValidation(t *testing.T) {
	var bRuns atomic.Int32
	engine, _ := newEngine(t, graph.New("strict").
		Field("log", domain.PolicyAppend).
		AddNode("A", set("log", "a")).
		AddNode("B", func(ctx context.Context, s domain.State) (domain.State, error) {
			bRuns.Add(1)
			return nil, nil
		}, graph.AllowDecisions(domain.DecisionApprove)).
		SetEntry("A").
		AddEdge("A", "B").
		SetFinish("B"))
	ctx := context.Background()

	_, err := engine.Resume(ctx, "ghost", domain.Approve())
	assert.ErrorIs(t, err, domain.ErrUnknownThread)

	result, err := engine.Start(ctx, "s", domain.State{})
	require.NoError(t, err)
	assert.Equal(t, []domain.DecisionKind{domain.DecisionApprove}, result.Interrupt.AllowedDecisions)

	_, err = engine.Resume(ctx, "s", domain.Replace(domain.State{"log": []any{"x"}}))
	var invalid *domain.InvalidDecisionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "B", invalid.Node)
	assert.Equal(t, domain.DecisionReplace, invalid.Kind)

	_, err = engine.Resume(ctx, "s", domain.Decision{Kind: "maybe"})
	assert.ErrorIs(t, err, domain.ErrInvalidDecision)
	assert.Zero(t, bRuns.Load(), "invalid decisions must not run the node")

	result, err = engine.Resume(ctx, "s", domain.Approve())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)

	// The interrupt was consumed; the completed thread refuses further decisions.
	_, err = engine.Resume(ctx, "s", domain.Approve())
	assert.ErrorIs(t, err, domain.ErrInvalidDecision)
	assert.EqualValues(t, 1, bRuns.Load())
}

func TestEngine_ConcurrentResumeRunsNodeOnce(t *testing.T) {
	var bRuns atomic.Int32
	engine, _ := newEngine(t, reviewGraph(&bRuns))
	ctx := context.Background()

	_, err := engine.Start(ctx, "race", domain.State{})
	require.NoError(t, err)

	var wins, refused atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Resume(ctx, "race", domain.Approve())
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrInvalidDecision):
				refused.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 4, refused.Load())
	assert.EqualValues(t, 1, bRuns.Load(), "the gated node runs exactly once")
}

func TestEngine_GatedEntryPausesAtStepZero(t *testing.T) {
	engine, store := newEngine(t, graph.New("entry-gate").
		AddNode("A", set("done", true), graph.AllowDecisions(domain.DecisionApprove)).
		SetEntry("A").
		SetFinish("A"))
	ctx := context.Background()

	result, err := engine.Start(ctx, "g", domain.State{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, result.Status)
	assert.Equal(t, 0, result.Step)

	first, err := store.LoadAt(ctx, "g", 0)
	require.NoError(t, err)
	assert.True(t, first.Paused())
	assert.Equal(t, domain.SourceInput, first.Source)
}

func TestEngine_CycleVisitsGetFreshSteps(t *testing.T) {
	engine, store := newEngine(t, graph.New("counter").
		AddNode("inc", func(ctx context.Context, s domain.State) (domain.State, error) {
			n, _ := s["n"].(int)
			return domain.State{"n": n + 1}, nil
		}).
		SetEntry("inc").
		AddConditionalEdge("inc", func(ctx context.Context, s domain.State) string {
			if s["n"].(int) >= 3 {
				return graph.End
			}
			return "inc"
		}, "inc", graph.End))
	ctx := context.Background()

	result, err := engine.Start(ctx, "loop", domain.State{"n": 0})
	require.NoError(t, err)
	assert.Equal(t, 3, result.State["n"])

	steps, err := store.ListSteps(ctx, "loop")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, steps)
}

func TestEngine_StepLimit(t *testing.T) {
	engine, _ := newEngine(t, graph.New("forever").
		AddNode("spin", set("x", 1)).
		SetEntry("spin").
		AddConditionalEdge("spin", func(ctx context.Context, s domain.State) string { return "spin" }, "spin", graph.End),
		runtime.WithStepLimit(5))

	result, err := engine.Start(context.Background(), "spin", domain.State{})
	require.ErrorIs(t, err, domain.ErrStepLimit)
	assert.Equal(t, 5, result.LastGoodStep)
}

func TestEngine_CancelledContextFailsBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	engine, store := newEngine(t, graph.New("cancel").
		AddNode("A", func(c context.Context, s domain.State) (domain.State, error) {
			cancel()
			return domain.State{"a": true}, nil
		}).
		AddNode("B", set("b", true)).
		SetEntry("A").
		AddEdge("A", "B").
		SetFinish("B"))

	result, err := engine.Start(ctx, "c", domain.State{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Equal(t, 1, result.LastGoodStep)

	steps, err := store.ListSteps(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, steps)

	latest, err := store.LoadLatest(context.Background(), "c")
	require.NoError(t, err)
	assert.True(t, latest.Failed(), "a cancelled run is recorded as failed")
	assert.Equal(t, "B", latest.Next)
}

func TestEngine_StepsReceivePrivateState(t *testing.T) {
	engine, _ := newEngine(t, graph.New("isolation").
		AddNode("A", func(ctx context.Context, s domain.State) (domain.State, error) {
			s["items"].([]any)[0] = "mutated"
			s["leak"] = true
			return nil, nil
		}).
		SetEntry("A").
		SetFinish("A"))

	result, err := engine.Start(context.Background(), "iso", domain.State{"items": []any{"original"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"original"}, result.State["items"])
	assert.NotContains(t, result.State, "leak")
}
