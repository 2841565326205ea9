package espalier_test

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/pkg/adapters/file"
	redisadapter "github.com/aretw0/espalier/pkg/adapters/redis"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/persistence/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendStep(entry string) graph.StepFunc {
	return func(ctx context.Context, s domain.State) (domain.State, error) {
		return domain.State{"log": entry}, nil
	}
}

// reviewGraph is A -> B(gated) -> END.
func reviewGraph(t *testing.T) *graph.Compiled {
	t.Helper()
	g, err := graph.New("review").
		Field("log", domain.PolicyAppend).
		RejectInto("log").
		AddNode("A", appendStep("a")).
		AddNode("B", appendStep("b"), graph.Gated()).
		SetEntry("A").
		AddEdge("A", "B").
		SetFinish("B").
		Compile()
	require.NoError(t, err)
	return g
}

func TestNew_RequiresGraph(t *testing.T) {
	_, err := espalier.New(nil)
	assert.Error(t, err)
}

func TestEngine_InspectAndDecide(t *testing.T) {
	eng, err := espalier.New(reviewGraph(t), espalier.WithStore(file.New(t.TempDir())))
	require.NoError(t, err)
	ctx := context.Background()

	result, err := eng.Start(ctx, "T2", domain.State{"log": []any{}})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaused, result.Status)

	req, err := eng.Inspect(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, "B", req.Node)
	assert.Equal(t, []any{"a"}, req.State["log"])

	result, err = eng.Decide(ctx, "T2", domain.Reject("skip"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, []any{"a", "skip"}, result.State["log"])

	history, err := eng.History(ctx, "T2")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.SourceInput, history[0].Source)
	assert.Equal(t, domain.SourceReject, history[2].Source)

	steps, err := eng.ListSteps(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, steps)

	cp, err := eng.GetCheckpoint(ctx, "T2", 1)
	require.NoError(t, err)
	assert.Equal(t, "B", cp.Next)
	assert.NotNil(t, cp.PendingInterrupt)
}

func TestEngine_ThreadsAndDelete(t *testing.T) {
	eng, err := espalier.New(reviewGraph(t))
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		_, err := eng.Start(ctx, id, nil)
		require.NoError(t, err)
	}

	ids, err := eng.Threads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	require.NoError(t, eng.DeleteThread(ctx, "a"))
	_, err = eng.Latest(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrUnknownThread)

	_, err = eng.Decide(ctx, "a", domain.Approve())
	assert.ErrorIs(t, err, domain.ErrUnknownThread)
}

func TestEngine_ComposesLifecycleHooks(t *testing.T) {
	var first, second []string
	eng, err := espalier.New(reviewGraph(t),
		espalier.WithLifecycleHooks(domain.LifecycleHooks{
			OnNodeEnter: func(ctx context.Context, e *domain.NodeEvent) { first = append(first, e.Node) },
		}),
		espalier.WithLifecycleHooks(domain.LifecycleHooks{
			OnInterrupt: func(ctx context.Context, e *domain.InterruptEvent) { second = append(second, e.Request.Node) },
		}),
	)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = eng.Start(ctx, "hooks", nil)
	require.NoError(t, err)
	_, err = eng.Resume(ctx, "hooks", domain.Approve())
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, first)
	assert.Equal(t, []string{"B"}, second)
}

func TestEngine_SecuredRedisStack(t *testing.T) {
	mr := miniredis.RunT(t)
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	enc, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: key})
	require.NoError(t, err)
	pii, err := middleware.NewPIIMiddleware([]string{"(?i)^email$"})
	require.NoError(t, err)

	backend := redisadapter.New(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = backend.Close() })
	store := middleware.Chain(backend, pii, enc)

	g, err := graph.New("signup").
		AddNode("register", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{"email": "ada@example.com", "plan": "pro"}, nil
		}).
		AddNode("welcome", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{"welcomed": true}, nil
		}, graph.Gated(), graph.AllowDecisions(domain.DecisionApprove, domain.DecisionReplace)).
		SetEntry("register").
		AddEdge("register", "welcome").
		SetFinish("welcome").
		Compile()
	require.NoError(t, err)

	eng, err := espalier.New(g,
		espalier.WithStore(store),
		espalier.WithLocker(redisadapter.NewLocker(backend.Client(), "espalier:lock:")),
	)
	require.NoError(t, err)
	ctx := context.Background()

	result, err := eng.Start(ctx, "user-1", nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaused, result.Status)

	// The stored pause shows the masked state to the reviewer.
	req, err := eng.Inspect(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, middleware.Mask, req.State["email"])
	assert.Equal(t, "pro", req.State["plan"])

	// Nothing readable reaches redis.
	raw, err := backend.LoadLatest(ctx, "user-1")
	require.NoError(t, err)
	assert.NotContains(t, raw.State, "plan")

	result, err = eng.Resume(ctx, "user-1", domain.Approve())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, true, result.State["welcomed"])
}
