package graph

import (
	"context"
	"fmt"
	"slices"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/schema"
)

// Compiled is a validated, immutable graph.
// It is safe for concurrent use by any number of runs.
type Compiled struct {
	name        string
	nodes       map[string]Node
	order       []string
	transitions map[string]Transition
	entry       string
	policies    domain.FieldPolicies
	types       schema.Schema
	rejectField string
	warnings    []string
}

// Name returns the graph name given to New.
func (g *Compiled) Name() string { return g.name }

// Entry returns the first node of every run.
func (g *Compiled) Entry() string { return g.entry }

// RejectField returns the field that records rejection reasons.
func (g *Compiled) RejectField() string { return g.rejectField }

// Policies returns a copy of the field merge policies.
func (g *Compiled) Policies() domain.FieldPolicies { return g.policies.Clone() }

// Schema returns a copy of the declared field types.
func (g *Compiled) Schema() schema.Schema { return g.types.Clone() }

// CheckFields validates values against the declared field types.
func (g *Compiled) CheckFields(values domain.State) error {
	return g.types.Check(values)
}

// Warnings returns non-fatal findings from compilation, such as unreachable nodes.
func (g *Compiled) Warnings() []string { return slices.Clone(g.warnings) }

// Node returns a copy of the named node.
func (g *Compiled) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Nodes returns copies of every node in declaration order.
func (g *Compiled) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.nodes[name].clone())
	}
	return out
}

// Transition returns the outgoing transition of a node.
func (g *Compiled) Transition(from string) (Transition, bool) {
	t, ok := g.transitions[from]
	if !ok {
		return Transition{}, false
	}
	return t.clone(), true
}

// Edges returns every transition in node declaration order.
func (g *Compiled) Edges() []Transition {
	out := make([]Transition, 0, len(g.transitions))
	for _, name := range g.order {
		if t, ok := g.transitions[name]; ok {
			out = append(out, t.clone())
		}
	}
	return out
}

// Merge folds an update into state with the graph's field policies.
func (g *Compiled) Merge(state, update domain.State) (domain.State, error) {
	return domain.Merge(state, update, g.policies)
}

// Interrupt builds the request raised before a gated node.
func (g *Compiled) Interrupt(threadID, node string, step int, state domain.State) (*domain.InterruptRequest, error) {
	n, ok := g.nodes[node]
	if !ok {
		return nil, fmt.Errorf("node %q is not part of graph %q", node, g.name)
	}
	return &domain.InterruptRequest{
		ThreadID:         threadID,
		Node:             node,
		Step:             step,
		Description:      n.Description,
		State:            state.Clone(),
		AllowedDecisions: slices.Clone(n.AllowedDecisions),
	}, nil
}

// Next resolves the node that follows from, given the state produced by from.
// A router returning a target outside its declared set yields a *domain.RoutingError.
func (g *Compiled) Next(ctx context.Context, from string, state domain.State) (next string, err error) {
	t, ok := g.transitions[from]
	if !ok {
		return "", &domain.RoutingError{Node: from, Cause: fmt.Errorf("node has no outgoing transition")}
	}
	if !t.Conditional() {
		return t.To, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = &domain.RoutingError{Node: from, Allowed: slices.Clone(t.Targets), Cause: fmt.Errorf("router panicked: %v", r)}
		}
	}()

	target := t.Router(ctx, state.Clone())
	if !slices.Contains(t.Targets, target) {
		return "", &domain.RoutingError{Node: from, Target: target, Allowed: slices.Clone(t.Targets)}
	}
	return target, nil
}
