// Package runtime executes compiled graphs: it runs nodes, merges their updates,
// writes one checkpoint per step and pauses before gated nodes.
package runtime
