/*
Package graph provides the fluent builder and validator for espalier workflow graphs.

A graph is a set of named nodes (Go step functions) connected by static edges or by
conditional edges whose router must choose among a declared set of targets. Compile
validates the definition and freezes it into an immutable Compiled graph that any
number of threads can run concurrently.

Example usage:

	g, err := graph.New("review").
		Field("log", domain.PolicyAppend).
		RejectInto("log").
		AddNode("draft", draftStep).
		AddNode("approve", publishStep, graph.Gated(), graph.Describe("Publish the draft?")).
		AddEdge(graph.Start, "draft").
		AddEdge("draft", "approve").
		SetFinish("approve").
		Compile()
*/
package graph
