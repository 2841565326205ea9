package graph

import (
	"context"
	"slices"

	"github.com/aretw0/espalier/pkg/domain"
)

// Reserved boundary markers, re-exported for graph authors.
const (
	Start = domain.Start
	End   = domain.End
)

// StepFunc is the body of a node. It receives a private copy of the state and
// returns a partial update that is merged through the graph's field policies.
type StepFunc func(ctx context.Context, state domain.State) (domain.State, error)

// RouterFunc picks the next node of a conditional edge.
// It must return one of the targets declared for that edge.
type RouterFunc func(ctx context.Context, state domain.State) string

// Node is a named step of the graph.
type Node struct {
	Name        string
	Step        StepFunc
	Gated       bool
	Description string

	// AllowedDecisions restricts how a reviewer may answer the interrupt of a gated node.
	AllowedDecisions []domain.DecisionKind
}

// NodeOption configures a node at declaration time.
type NodeOption func(*Node)

// Gated pauses every run before the node until a decision is supplied.
func Gated() NodeOption {
	return func(n *Node) {
		n.Gated = true
	}
}

// AllowDecisions gates the node and restricts the accepted decision kinds.
func AllowDecisions(kinds ...domain.DecisionKind) NodeOption {
	return func(n *Node) {
		n.Gated = true
		n.AllowedDecisions = slices.Clone(kinds)
	}
}

// Describe sets the human-readable text shown when the node interrupts.
func Describe(text string) NodeOption {
	return func(n *Node) {
		n.Description = text
	}
}

// Accepts reports whether a reviewer may answer the node's interrupt with kind.
func (n Node) Accepts(kind domain.DecisionKind) bool {
	return slices.Contains(n.AllowedDecisions, kind)
}

func (n Node) clone() Node {
	n.AllowedDecisions = slices.Clone(n.AllowedDecisions)
	return n
}

// Transition is the single outgoing path of a node:
// either a static edge To, or a Router constrained to Targets.
type Transition struct {
	From    string
	To      string
	Router  RouterFunc
	Targets []string
}

// Conditional reports whether the transition is decided by a router.
func (t Transition) Conditional() bool {
	return t.Router != nil || len(t.Targets) > 0
}

// Destinations lists every node the transition can lead to.
func (t Transition) Destinations() []string {
	if t.Conditional() {
		return slices.Clone(t.Targets)
	}
	return []string{t.To}
}

func (t Transition) clone() Transition {
	t.Targets = slices.Clone(t.Targets)
	return t
}
