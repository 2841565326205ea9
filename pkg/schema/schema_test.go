package schema_test

import (
	"errors"
	"testing"

	"github.com/aretw0/espalier/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	s := schema.Schema{
		"draft": schema.String(),
		"limit": schema.Int(),
		"score": schema.Number(),
		"ok":    schema.Bool(),
		"tags":  schema.List(schema.String()),
		"meta":  schema.Object(),
	}

	tests := []struct {
		name   string
		values map[string]any
		bad    []string
	}{
		{"empty update", map[string]any{}, nil},
		{"untyped field", map[string]any{"anything": 1}, nil},
		{"decoded json", map[string]any{"limit": 2.0, "score": 0.5, "tags": []any{"a"}, "meta": map[string]any{}}, nil},
		{"native values", map[string]any{"draft": "x", "limit": 3, "ok": true, "tags": []string{"a", "b"}}, nil},
		{"fractional int", map[string]any{"limit": 2.5}, []string{"limit"}},
		{"wrong types", map[string]any{"draft": 42, "ok": "yes", "tags": []any{"a", 1}}, []string{"draft", "ok", "tags"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Check(tt.values)
			if tt.bad == nil {
				assert.NoError(t, err)
				return
			}
			var checkErr *schema.CheckError
			require.True(t, errors.As(err, &checkErr))
			var fields []string
			for _, f := range checkErr.Fields {
				fields = append(fields, f.Field)
			}
			assert.Equal(t, tt.bad, fields)

			var fieldErr *schema.FieldError
			assert.True(t, errors.As(err, &fieldErr))
		})
	}
}

func TestParse(t *testing.T) {
	s, err := schema.Parse(map[string]string{"limit": "int", "tags": "[string]", "score": "float"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"limit": "int", "tags": "[string]", "score": "number"}, s.Names())
	assert.Error(t, s.Check(map[string]any{"tags": "a"}))

	_, err = schema.Parse(map[string]string{"x": "date"})
	assert.ErrorContains(t, err, "field x")
}

func TestCustom(t *testing.T) {
	positive := schema.Custom("positive", func(v any) error {
		if n, ok := v.(int); ok && n > 0 {
			return nil
		}
		return errors.New("must be a positive int")
	})
	s := schema.Schema{"n": positive}
	assert.NoError(t, s.Check(map[string]any{"n": 1}))
	assert.ErrorContains(t, s.Check(map[string]any{"n": -1}), `field "n": must be a positive int`)
}
