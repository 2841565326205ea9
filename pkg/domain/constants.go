package domain

// Reserved node names. They mark the boundaries of a graph and cannot be declared as nodes.
const (
	// Start is the implicit source of the entry edge.
	Start = "__start__"

	// End is the terminal marker. A checkpoint whose Next is End belongs to a completed thread.
	End = "__end__"
)

// IsReserved reports whether name is one of the boundary markers.
func IsReserved(name string) bool {
	return name == Start || name == End
}
