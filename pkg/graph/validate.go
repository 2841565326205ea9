package graph

import (
	"fmt"
	"slices"
	"strings"
)

// validateReachability walks the graph from the entry node.
//
// Unreachable acyclic nodes only produce warnings. Unreachable cycles, and graphs
// whose entry can never reach End, are errors.
func validateReachability(g *Compiled) (problems, warnings []string) {
	if _, ok := g.nodes[g.entry]; !ok {
		// Reported by validateNodes.
		return nil, nil
	}

	reachable := map[string]bool{g.entry: true}
	queue := []string{g.entry}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		t, ok := g.transitions[current]
		if !ok {
			continue
		}
		for _, next := range t.Destinations() {
			if !reachable[next] {
				reachable[next] = true
				if next != End {
					queue = append(queue, next)
				}
			}
		}
	}

	if !reachable[End] {
		problems = append(problems, fmt.Sprintf("no path from entry %q reaches END", g.entry))
	}

	var unreachable []string
	for _, name := range g.order {
		if !reachable[name] {
			unreachable = append(unreachable, name)
		}
	}
	if len(unreachable) == 0 {
		return problems, nil
	}

	cyclic := unreachableCycles(g, unreachable)
	for _, cycle := range cyclic {
		problems = append(problems, fmt.Sprintf("nodes %s form a cycle unreachable from entry %q",
			strings.Join(cycle, " -> "), g.entry))
	}

	inCycle := make(map[string]bool)
	for _, cycle := range cyclic {
		for _, name := range cycle {
			inCycle[name] = true
		}
	}
	for _, name := range unreachable {
		if !inCycle[name] {
			warnings = append(warnings, fmt.Sprintf("node %q is unreachable from entry %q", name, g.entry))
		}
	}

	return problems, warnings
}

// unreachableCycles finds cycles among the given nodes using a coloured DFS.
// Each returned cycle lists its nodes in traversal order.
func unreachableCycles(g *Compiled, nodes []string) [][]string {
	const (
		white = iota
		grey
		black
	)
	subset := make(map[string]bool, len(nodes))
	for _, name := range nodes {
		subset[name] = true
	}

	color := make(map[string]int, len(nodes))
	var stack []string
	var cycles [][]string

	var visit func(name string)
	visit = func(name string) {
		color[name] = grey
		stack = append(stack, name)

		if t, ok := g.transitions[name]; ok {
			for _, next := range t.Destinations() {
				if !subset[next] {
					continue
				}
				switch color[next] {
				case white:
					visit(next)
				case grey:
					start := slices.Index(stack, next)
					cycle := slices.Clone(stack[start:])
					cycles = append(cycles, cycle)
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
	}

	for _, name := range nodes {
		if color[name] == white {
			visit(name)
		}
	}
	return cycles
}
