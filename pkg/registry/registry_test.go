package registry_test

import (
	"context"
	"testing"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func single(name string) registry.GraphFactory {
	return func() (*graph.Compiled, error) {
		return graph.New(name).
			AddNode("only", func(ctx context.Context, s domain.State) (domain.State, error) {
				return nil, nil
			}).
			SetEntry("only").
			SetFinish("only").
			Compile()
	}
}

func TestRegistry(t *testing.T) {
	reg := registry.NewRegistry()
	reg.Register("b", "second", single("b"))
	reg.Register("a", "first", single("a"))

	assert.Equal(t, []string{"a", "b"}, reg.Names())
	assert.Equal(t, "first", reg.Describe("a"))

	g, err := reg.Build("b")
	require.NoError(t, err)
	assert.Equal(t, "b", g.Name())

	_, err = reg.Build("missing")
	assert.ErrorContains(t, err, "graph not found")
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := registry.NewRegistry()
	reg.Register("broken", "", func() (*graph.Compiled, error) {
		return graph.New("broken").Compile()
	})

	_, err := reg.Build("broken")
	assert.ErrorIs(t, err, domain.ErrGraphValidation)
}
