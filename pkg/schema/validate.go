package schema

import (
	"fmt"
	"maps"
	"slices"
)

// Schema maps state fields to their types. Fields without an entry accept anything.
type Schema map[string]Type

// Parse builds a schema from type names, e.g. {"limit": "int", "tags": "[string]"}.
func Parse(names map[string]string) (Schema, error) {
	s := make(Schema, len(names))
	for field, name := range names {
		t, err := ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		s[field] = t
	}
	return s, nil
}

// Check validates the fields present in values. Missing fields are not an error,
// so partial updates can be checked as well as whole states.
// It returns a *CheckError listing every mismatch.
func (s Schema) Check(values map[string]any) error {
	if len(s) == 0 {
		return nil
	}
	var failed []*FieldError
	for _, field := range slices.Sorted(maps.Keys(values)) {
		t, ok := s[field]
		if !ok || t == nil {
			continue
		}
		if err := t.Check(values[field]); err != nil {
			failed = append(failed, &FieldError{Field: field, Reason: err.Error()})
		}
	}
	if len(failed) > 0 {
		return &CheckError{Fields: failed}
	}
	return nil
}

// Names returns the type name of every field.
func (s Schema) Names() map[string]string {
	out := make(map[string]string, len(s))
	for field, t := range s {
		out[field] = t.Name()
	}
	return out
}

// Clone returns a shallow copy; types are immutable.
func (s Schema) Clone() Schema {
	return maps.Clone(s)
}
