/*
Package espalier is a graph-based workflow engine with durable, resumable threads.

A workflow is a graph of named nodes. Each node runs a step function that returns a partial
update of the shared state; the update is merged through per-field policies (overwrite, or
append for logs). Edges are static or conditional, and a conditional edge declares every
target its router may choose, so a bad route is caught when the graph is compiled or, at the
latest, fails the run with a RoutingError instead of wandering off.

After every step the engine writes an immutable checkpoint for the thread. A thread can stop
at any point (a crash, a deploy, a human taking a week to answer) and continue from its latest
checkpoint, and any earlier checkpoint can be loaded for inspection.

# Human review

Gated nodes pause the run before they execute. The caller receives a paused RunResult holding
an InterruptRequest, and answers later with a Decision:

  - Approve runs the node.
  - Reject skips it and records the reason in the graph's rejection field.
  - Replace overwrites some state fields, then runs the node.

# Usage

	g, err := graph.New("review").
		Field("log", domain.PolicyAppend).
		RejectInto("log").
		AddNode("draft", draft).
		AddNode("publish", publish, graph.Gated()).
		SetEntry("draft").
		AddEdge("draft", "publish").
		SetFinish("publish").
		Compile()
	if err != nil {
		log.Fatal(err)
	}

	eng, err := espalier.New(g, espalier.WithStore(file.New("./threads")))
	if err != nil {
		log.Fatal(err)
	}

	res, err := eng.Start(ctx, "ticket-42", domain.State{"log": []any{}})
	// res.Status == domain.StatusPaused, res.Interrupt.Node == "publish"

	res, err = eng.Resume(ctx, "ticket-42", domain.Approve())
	// res.Status == domain.StatusCompleted
*/
package espalier
