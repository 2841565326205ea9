package runner_test

import (
	"testing"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  domain.Decision
	}{
		{"approve", "approve", domain.Approve()},
		{"approve shorthand", " Y ", domain.Approve()},
		{"reject with reason", "reject needs sources", domain.Reject("needs sources")},
		{"reject without reason", "r", domain.Reject("")},
		{"replace pairs", "replace title=Pruning count=3", domain.Replace(domain.State{"title": "Pruning", "count": 3})},
		{"replace list", "replace tags=[a,b]", domain.Replace(domain.State{"tags": []any{"a", "b"}})},
		{"replace object", `replace {title: "Two words", draft: false}`, domain.Replace(domain.State{"title": "Two words", "draft": false})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := runner.ParseDecision(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDecision_Errors(t *testing.T) {
	for _, input := range []string{"", "maybe", "replace", "replace title", "replace =x", "replace {broken"} {
		_, err := runner.ParseDecision(input)
		assert.Error(t, err, "input %q", input)
	}
}
