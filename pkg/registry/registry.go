package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/espalier/pkg/graph"
)

// GraphFactory builds a fresh compiled graph.
// Graphs carry Go step functions, so they are registered as code rather than loaded from files.
type GraphFactory func() (*graph.Compiled, error)

// Registry manages the graphs available to the CLI and servers.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]entry
}

type entry struct {
	factory     GraphFactory
	description string
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		graphs: make(map[string]entry),
	}
}

// Register adds a graph to the registry.
// If a graph with the same name exists, it is overwritten.
func (r *Registry) Register(name, description string, factory GraphFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[name] = entry{factory: factory, description: description}
}

// Build looks up a graph by name and compiles it.
// Returns an error if the graph is not found.
func (r *Registry) Build(name string) (*graph.Compiled, error) {
	r.mu.RLock()
	e, ok := r.graphs[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("graph not found: %s", name)
	}

	g, err := e.factory()
	if err != nil {
		return nil, fmt.Errorf("failed to build graph %s: %w", name, err)
	}
	return g, nil
}

// Names lists the registered graphs in alphabetical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.graphs))
	for name := range r.graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the description a graph was registered with.
func (r *Registry) Describe(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graphs[name].description
}
