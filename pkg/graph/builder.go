package graph

import (
	"fmt"
	"slices"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/schema"
)

// Builder manages the graph construction.
// Methods return the builder for chaining; problems are collected and reported by Compile.
type Builder struct {
	name        string
	nodes       map[string]*Node
	order       []string
	transitions map[string][]Transition
	entry       string
	policies    domain.FieldPolicies
	types       schema.Schema
	rejectField string
	problems    []string
	compiled    bool
}

// New creates a new graph builder.
func New(name string) *Builder {
	return &Builder{
		name:        name,
		nodes:       make(map[string]*Node),
		transitions: make(map[string][]Transition),
		policies:    make(domain.FieldPolicies),
		types:       make(schema.Schema),
	}
}

func (b *Builder) problem(format string, args ...any) {
	b.problems = append(b.problems, fmt.Sprintf(format, args...))
}

func (b *Builder) mutable(op string) bool {
	if b.compiled {
		b.problem("%s after Compile: graph definitions are frozen once compiled", op)
		return false
	}
	return true
}

// AddNode declares a node. A gated node pauses the run before its step executes.
// Gated nodes accept every decision kind unless AllowDecisions says otherwise.
func (b *Builder) AddNode(name string, step StepFunc, opts ...NodeOption) *Builder {
	if !b.mutable("AddNode " + name) {
		return b
	}
	switch {
	case name == "":
		b.problem("node name cannot be empty")
		return b
	case domain.IsReserved(name):
		b.problem("node name %q is reserved", name)
		return b
	case b.nodes[name] != nil:
		b.problem("node %q declared twice", name)
		return b
	}

	node := &Node{Name: name, Step: step}
	for _, opt := range opts {
		opt(node)
	}
	if node.Gated && len(node.AllowedDecisions) == 0 {
		node.AllowedDecisions = slices.Clone(domain.AllDecisions)
	}

	b.nodes[name] = node
	b.order = append(b.order, name)
	return b
}

// AddEdge declares a static transition. An edge from Start sets the entry node.
func (b *Builder) AddEdge(from, to string) *Builder {
	if !b.mutable("AddEdge " + from + "->" + to) {
		return b
	}
	if from == Start {
		return b.SetEntry(to)
	}
	b.transitions[from] = append(b.transitions[from], Transition{From: from, To: to})
	return b
}

// AddConditionalEdge declares a router-driven transition.
// The router may only return one of targets; anything else fails the run with a RoutingError.
func (b *Builder) AddConditionalEdge(from string, router RouterFunc, targets ...string) *Builder {
	if !b.mutable("AddConditionalEdge " + from) {
		return b
	}
	b.transitions[from] = append(b.transitions[from], Transition{
		From:    from,
		Router:  router,
		Targets: slices.Clone(targets),
	})
	return b
}

// SetEntry selects the first node of every run.
func (b *Builder) SetEntry(name string) *Builder {
	if !b.mutable("SetEntry " + name) {
		return b
	}
	b.entry = name
	return b
}

// SetFinish routes the node to End.
func (b *Builder) SetFinish(name string) *Builder {
	return b.AddEdge(name, End)
}

// Field declares the merge policy of a state field. Undeclared fields overwrite.
func (b *Builder) Field(name string, policy domain.FieldPolicy) *Builder {
	if !b.mutable("Field " + name) {
		return b
	}
	b.policies[name] = policy
	return b
}

// Typed declares the type of a state field. Replace decisions that write a
// value of another type are refused with an InvalidDecisionError.
func (b *Builder) Typed(name string, t schema.Type) *Builder {
	if !b.mutable("Typed " + name) {
		return b
	}
	if t == nil {
		b.problem("field %q declared with a nil type", name)
		return b
	}
	b.types[name] = t
	return b
}

// RejectInto names the field that receives the reason of a rejected gated node.
// The reason is merged with the field's policy, so an append field collects every rejection.
func (b *Builder) RejectInto(field string) *Builder {
	if !b.mutable("RejectInto " + field) {
		return b
	}
	b.rejectField = field
	return b
}

// Compile validates the definition and freezes it into an immutable graph.
// It fails with a *domain.GraphValidationError listing every problem found.
func (b *Builder) Compile() (*Compiled, error) {
	g := &Compiled{
		name:        b.name,
		nodes:       make(map[string]Node, len(b.nodes)),
		order:       slices.Clone(b.order),
		transitions: make(map[string]Transition, len(b.transitions)),
		entry:       b.entry,
		policies:    b.policies.Clone(),
		types:       b.types.Clone(),
		rejectField: b.rejectField,
	}
	for name, node := range b.nodes {
		g.nodes[name] = node.clone()
	}

	problems := slices.Clone(b.problems)
	problems = append(problems, b.validateTransitions(g)...)

	reachProblems, warnings := validateReachability(g)
	problems = append(problems, reachProblems...)
	problems = append(problems, b.validateNodes(g)...)

	if len(problems) > 0 {
		return nil, &domain.GraphValidationError{Graph: b.name, Problems: problems}
	}

	g.warnings = warnings
	b.compiled = true
	return g, nil
}

// validateTransitions checks every declared edge and keeps the single valid
// transition of each node in g.
func (b *Builder) validateTransitions(g *Compiled) []string {
	var problems []string

	declared := func(name string) bool {
		_, ok := b.nodes[name]
		return ok
	}

	// Iterate sources in a stable order: declared nodes first, then unknown sources.
	sources := slices.Clone(b.order)
	var unknown []string
	for from := range b.transitions {
		if !declared(from) {
			unknown = append(unknown, from)
		}
	}
	slices.Sort(unknown)
	sources = append(sources, unknown...)

	for _, from := range sources {
		list := b.transitions[from]
		if len(list) == 0 {
			continue
		}
		if from == End {
			problems = append(problems, "END cannot have outgoing edges")
			continue
		}
		if !declared(from) {
			problems = append(problems, fmt.Sprintf("edge source %q is not a declared node", from))
			continue
		}
		if len(list) > 1 {
			problems = append(problems, fmt.Sprintf("node %q has %d outgoing transitions; use one static edge or one conditional edge", from, len(list)))
			continue
		}

		t := list[0]
		valid := true
		if t.Conditional() {
			if t.Router == nil {
				problems = append(problems, fmt.Sprintf("conditional edge from %q has no router", from))
				valid = false
			}
			if len(t.Targets) == 0 {
				problems = append(problems, fmt.Sprintf("conditional edge from %q declares no targets", from))
				valid = false
			}
		}
		for _, to := range t.Destinations() {
			switch {
			case to == End:
			case to == Start:
				problems = append(problems, fmt.Sprintf("edge from %q cannot target START", from))
				valid = false
			case !declared(to):
				problems = append(problems, fmt.Sprintf("edge from %q targets undeclared node %q", from, to))
				valid = false
			}
		}
		if valid {
			g.transitions[from] = t.clone()
		}
	}

	return problems
}

func (b *Builder) validateNodes(g *Compiled) []string {
	var problems []string

	switch {
	case b.entry == "":
		problems = append(problems, "entry node is not set")
	case b.nodes[b.entry] == nil:
		problems = append(problems, fmt.Sprintf("entry node %q is not declared", b.entry))
	}

	needsRejectField := false
	for _, name := range b.order {
		node := b.nodes[name]
		if node.Step == nil {
			problems = append(problems, fmt.Sprintf("node %q has no step function", name))
		}
		if len(b.transitions[name]) == 0 {
			problems = append(problems, fmt.Sprintf("node %q has no outgoing edge; route it to END with SetFinish", name))
		}
		for _, kind := range node.AllowedDecisions {
			if !kind.Valid() {
				problems = append(problems, fmt.Sprintf("node %q allows unknown decision %q", name, kind))
			}
		}
		if node.Gated && node.Accepts(domain.DecisionReject) {
			needsRejectField = true
		}
	}

	if needsRejectField && b.rejectField == "" {
		problems = append(problems, "gated nodes accept reject but no rejection field is set; call RejectInto")
	}

	fields := make([]string, 0, len(b.policies))
	for field := range b.policies {
		fields = append(fields, field)
	}
	slices.Sort(fields)
	for _, field := range fields {
		if policy := b.policies[field]; !policy.Valid() {
			problems = append(problems, fmt.Sprintf("field %q has unknown merge policy %q", field, policy))
		}
	}

	return problems
}
