package observability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aretw0/espalier/internal/runtime"
	"github.com/aretw0/espalier/pkg/adapters/memory"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/threads"
	"github.com/stretchr/testify/require"
)

// newEngine wires a draft -> review(gated) -> END graph with hooks.
func newEngine(t *testing.T, hooks domain.LifecycleHooks) *runtime.Engine {
	t.Helper()
	g, err := graph.New("observed").
		Field("log", domain.PolicyAppend).
		RejectInto("log").
		AddNode("draft", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{"log": "draft"}, nil
		}).
		AddNode("review", func(ctx context.Context, s domain.State) (domain.State, error) {
			if s["fail"] == true {
				return nil, errors.New("review broke")
			}
			return domain.State{"log": "review"}, nil
		}, graph.Gated()).
		SetEntry("draft").
		AddEdge("draft", "review").
		SetFinish("review").
		Compile()
	require.NoError(t, err)
	return runtime.NewEngine(g, threads.NewManager(memory.NewStore()), runtime.WithLifecycleHooks(hooks))
}
