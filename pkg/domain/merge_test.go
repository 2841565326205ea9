package domain_test

import (
	"testing"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	policies := domain.FieldPolicies{"log": domain.PolicyAppend}

	tests := []struct {
		name    string
		current domain.State
		update  domain.State
		want    domain.State
	}{
		{
			name:    "Overwrite Replaces Value",
			current: domain.State{"draft": "v1"},
			update:  domain.State{"draft": "v2"},
			want:    domain.State{"draft": "v2"},
		},
		{
			name:    "Append Extends Log",
			current: domain.State{"log": []any{"a"}},
			update:  domain.State{"log": []any{"b"}},
			want:    domain.State{"log": []any{"a", "b"}},
		},
		{
			name:    "Append Scalar Becomes Element",
			current: domain.State{"log": []any{"a"}},
			update:  domain.State{"log": "skip"},
			want:    domain.State{"log": []any{"a", "skip"}},
		},
		{
			name:    "Append Accepts Typed Slices",
			current: domain.State{"log": []string{"a"}},
			update:  domain.State{"log": []string{"b", "c"}},
			want:    domain.State{"log": []any{"a", "b", "c"}},
		},
		{
			name:    "New Field Inserted",
			current: domain.State{"a": 1},
			update:  domain.State{"b": 2},
			want:    domain.State{"a": 1, "b": 2},
		},
		{
			name:    "New Append Field Normalised",
			current: domain.State{},
			update:  domain.State{"log": []string{"x"}},
			want:    domain.State{"log": []any{"x"}},
		},
		{
			name:    "Empty Update Is Identity",
			current: domain.State{"a": 1},
			update:  domain.State{},
			want:    domain.State{"a": 1},
		},
		{
			name:    "Nil Current",
			current: nil,
			update:  domain.State{"a": 1},
			want:    domain.State{"a": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := domain.Merge(tt.current, tt.update, policies)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMerge_AppendPreservesOrderAcrossUpdates(t *testing.T) {
	policies := domain.FieldPolicies{"log": domain.PolicyAppend}
	state := domain.State{"log": []any{}}

	var err error
	for _, entry := range []string{"a", "b", "c", "d"} {
		state, err = domain.Merge(state, domain.State{"log": []any{entry}}, policies)
		require.NoError(t, err)
	}

	assert.Equal(t, []any{"a", "b", "c", "d"}, state["log"])
}

func TestMerge_AppendOntoScalarFails(t *testing.T) {
	policies := domain.FieldPolicies{"log": domain.PolicyAppend}

	_, err := domain.Merge(domain.State{"log": "oops"}, domain.State{"log": "x"}, policies)
	assert.ErrorIs(t, err, domain.ErrMergeConflict)
}

func TestMerge_DoesNotAlias(t *testing.T) {
	policies := domain.FieldPolicies{"log": domain.PolicyAppend}
	nested := map[string]any{"k": "v"}
	current := domain.State{"log": []any{"a"}, "nested": nested}
	update := domain.State{"log": []any{"b"}, "extra": []any{1}}

	merged, err := domain.Merge(current, update, policies)
	require.NoError(t, err)

	merged["log"].([]any)[0] = "mutated"
	merged["nested"].(map[string]any)["k"] = "mutated"
	merged["extra"].([]any)[0] = 99

	assert.Equal(t, []any{"a"}, current["log"], "current must not change")
	assert.Equal(t, "v", nested["k"], "nested maps must be copied")
	assert.Equal(t, []any{1}, update["extra"], "update must not change")
}

func TestOverlay_IgnoresPolicy(t *testing.T) {
	current := domain.State{"log": []any{"a"}, "draft": "v1"}

	got := domain.Overlay(current, domain.State{"draft": "edited"})

	assert.Equal(t, "edited", got["draft"])
	assert.Equal(t, []any{"a"}, got["log"])
	assert.Equal(t, "v1", current["draft"])
}

func TestFieldPolicies_DefaultOverwrite(t *testing.T) {
	policies := domain.FieldPolicies{"log": domain.PolicyAppend}

	assert.Equal(t, domain.PolicyAppend, policies.For("log"))
	assert.Equal(t, domain.PolicyOverwrite, policies.For("anything"))
	assert.True(t, domain.PolicyAppend.Valid())
	assert.False(t, domain.FieldPolicy("sum").Valid())
}
