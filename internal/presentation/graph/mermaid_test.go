package graph_test

import (
	"context"
	"strings"
	"testing"

	presentation "github.com/aretw0/espalier/internal/presentation/graph"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, s domain.State) (domain.State, error) { return nil, nil }

func compiled(t *testing.T) *graph.Compiled {
	t.Helper()
	g, err := graph.New("mermaid").
		RejectInto("notes").
		AddNode("load-data", noop).
		AddNode("review", noop, graph.Gated(), graph.Describe(`Check "totals"`)).
		AddNode("publish", noop).
		AddNode("archive", noop).
		SetEntry("load-data").
		AddEdge("load-data", "review").
		AddConditionalEdge("review", func(ctx context.Context, s domain.State) string { return "publish" }, "publish", "archive").
		SetFinish("publish").
		SetFinish("archive").
		Compile()
	require.NoError(t, err)
	return g
}

func TestGenerateMermaid(t *testing.T) {
	got := presentation.GenerateMermaid(compiled(t), nil)

	for _, want := range []string{
		"graph TD\n",
		`__start__(("start"))`,
		`__end__(("end"))`,
		`load_data["load-data"]`,
		`review{{"review <br/> Check 'totals'"}}`,
		"__start__ --> load_data",
		"load_data --> review",
		`review -. "route" .-> publish`,
		`review -. "route" .-> archive`,
		"publish --> __end__",
	} {
		assert.Contains(t, got, want)
	}
	assert.NotContains(t, got, "classDef")
}

func TestGenerateMermaid_Overlay(t *testing.T) {
	history := []*domain.Checkpoint{
		{Step: 0, Next: "load-data", Source: domain.SourceInput},
		{Step: 1, Next: "review", Node: "load-data", Source: domain.SourceStep, PendingInterrupt: &domain.InterruptRequest{Node: "review"}},
		{Step: 2, Next: "archive", Node: "review", Source: domain.SourceReject},
	}
	overlay := presentation.OverlayFromHistory(history)
	assert.Equal(t, []string{"load-data"}, overlay.VisitedNodes)
	assert.Equal(t, []string{"review"}, overlay.SkippedNodes)
	assert.Equal(t, "archive", overlay.CurrentNode)

	got := presentation.GenerateMermaid(compiled(t), overlay)
	assert.Contains(t, got, "class load_data visited;")
	assert.Contains(t, got, "class review skipped;")
	assert.Contains(t, got, "class archive current;")

	done := append(history, &domain.Checkpoint{Step: 3, Next: domain.End, Node: "archive", Source: domain.SourceStep})
	overlay = presentation.OverlayFromHistory(done)
	assert.Empty(t, overlay.CurrentNode)
	got = presentation.GenerateMermaid(compiled(t), overlay)
	assert.Equal(t, 2, strings.Count(got, "visited;"), "archive joins load-data as visited")
	assert.NotContains(t, got, "current;")
}
