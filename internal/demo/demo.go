// Package demo holds the graphs shipped with the espalier binary.
package demo

import (
	"context"
	"fmt"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/registry"
	"github.com/aretw0/espalier/pkg/schema"
)

// Graph names.
const (
	Approval = "approval"
	Counter  = "counter"
)

// DefaultCounterLimit is used when the counter state carries no limit.
const DefaultCounterLimit = 3

// Register adds every demo graph to reg.
func Register(reg *registry.Registry) {
	reg.Register(Approval, "Draft a post, pause for review, then publish or archive it", ApprovalGraph)
	reg.Register(Counter, "Loop a counter up to a limit, confirming the total before finishing", CounterGraph)
}

// NewRegistry returns a registry with the demo graphs.
func NewRegistry() *registry.Registry {
	reg := registry.NewRegistry()
	Register(reg)
	return reg
}

type article struct {
	Topic    string `mapstructure:"topic"`
	Draft    string `mapstructure:"draft"`
	Approved bool   `mapstructure:"approved"`
}

// ApprovalGraph is draft -> review(gated) -> publish | archive.
// Rejecting the review skips it, so the router sends the draft to the archive.
func ApprovalGraph() (*graph.Compiled, error) {
	return graph.New(Approval).
		Field("log", domain.PolicyAppend).
		Typed("topic", schema.String()).
		Typed("draft", schema.String()).
		Typed("approved", schema.Bool()).
		RejectInto("log").
		AddNode("draft", func(ctx context.Context, s domain.State) (domain.State, error) {
			var a article
			if err := domain.DecodeState(s, &a); err != nil {
				return nil, err
			}
			if a.Topic == "" {
				a.Topic = "espaliers"
			}
			return domain.State{
				"topic": a.Topic,
				"draft": fmt.Sprintf("A short post about %s.", a.Topic),
				"log":   "drafted",
			}, nil
		}).
		AddNode("review", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{"approved": true, "log": "reviewed"}, nil
		}, graph.Gated(), graph.Describe("Approve the draft, edit it with replace, or reject it to archive the post")).
		AddNode("publish", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{"published": true, "log": "published"}, nil
		}).
		AddNode("archive", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{"published": false, "log": "archived"}, nil
		}).
		AddEdge(graph.Start, "draft").
		AddEdge("draft", "review").
		AddConditionalEdge("review", func(ctx context.Context, s domain.State) string {
			var a article
			if err := domain.DecodeState(s, &a); err != nil || !a.Approved {
				return "archive"
			}
			return "publish"
		}, "publish", "archive").
		SetFinish("publish").
		SetFinish("archive").
		Compile()
}

type tally struct {
	Count int `mapstructure:"count"`
	Limit int `mapstructure:"limit"`
}

func (t tally) limit() int {
	if t.Limit <= 0 {
		return DefaultCounterLimit
	}
	return t.Limit
}

// CounterGraph increments count until it reaches limit, then pauses on confirm.
// Each loop iteration is a fresh checkpoint.
func CounterGraph() (*graph.Compiled, error) {
	return graph.New(Counter).
		Field("visits", domain.PolicyAppend).
		Typed("count", schema.Int()).
		Typed("limit", schema.Int()).
		RejectInto("visits").
		AddNode("increment", func(ctx context.Context, s domain.State) (domain.State, error) {
			var t tally
			if err := domain.DecodeState(s, &t); err != nil {
				return nil, err
			}
			t.Count++
			return domain.State{"count": t.Count, "visits": fmt.Sprintf("count=%d", t.Count)}, nil
		}).
		AddNode("confirm", func(ctx context.Context, s domain.State) (domain.State, error) {
			return domain.State{"confirmed": true}, nil
		}, graph.AllowDecisions(domain.DecisionApprove, domain.DecisionReject), graph.Describe("Confirm the final count")).
		AddEdge(graph.Start, "increment").
		AddConditionalEdge("increment", func(ctx context.Context, s domain.State) string {
			var t tally
			if err := domain.DecodeState(s, &t); err != nil || t.Count >= t.limit() {
				return "confirm"
			}
			return "increment"
		}, "increment", "confirm").
		SetFinish("confirm").
		Compile()
}
