package schema

import (
	"fmt"
	"strings"
)

// FieldError is a single field that does not match its declared type.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// CheckError collects every field that failed a Check, sorted by field name.
type CheckError struct {
	Fields []*FieldError
}

func (e *CheckError) Error() string {
	if len(e.Fields) == 1 {
		return e.Fields[0].Error()
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("%d fields invalid: %s", len(e.Fields), strings.Join(parts, "; "))
}

// Unwrap exposes the field errors to errors.As.
func (e *CheckError) Unwrap() []error {
	out := make([]error, len(e.Fields))
	for i, f := range e.Fields {
		out[i] = f
	}
	return out
}
