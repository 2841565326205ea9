package domain

import (
	"fmt"
	"sort"
)

// FieldPolicy decides how an update to a state field is combined with the current value.
type FieldPolicy string

const (
	// PolicyOverwrite replaces the current value. It is the default for undeclared fields.
	PolicyOverwrite FieldPolicy = "overwrite"
	// PolicyAppend treats the field as an ordered log and appends updates to it.
	PolicyAppend FieldPolicy = "append"
)

// Valid reports whether p is a known policy.
func (p FieldPolicy) Valid() bool {
	return p == PolicyOverwrite || p == PolicyAppend
}

// FieldPolicies maps field names to their merge policy.
type FieldPolicies map[string]FieldPolicy

// For returns the policy for a field, falling back to PolicyOverwrite.
func (p FieldPolicies) For(field string) FieldPolicy {
	if policy, ok := p[field]; ok && policy != "" {
		return policy
	}
	return PolicyOverwrite
}

// Clone copies the policy table.
func (p FieldPolicies) Clone() FieldPolicies {
	out := make(FieldPolicies, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge folds a partial update into the current state using the declared field policies.
//
// Overwrite fields take the update value. Append fields must already hold a sequence;
// a sequence update contributes each of its elements in order, any other value is
// appended as a single element. A field seen for the first time is inserted, and
// append fields are normalised to []any on insertion.
//
// Merge never mutates current or update: the result is a fresh deep copy.
func Merge(current, update State, policies FieldPolicies) (State, error) {
	merged := current.Clone()

	// Deterministic order keeps error reporting stable across runs.
	fields := update.Keys()
	sort.Strings(fields)

	for _, field := range fields {
		value := cloneValue(update[field])

		if policies.For(field) != PolicyAppend {
			merged[field] = value
			continue
		}

		incoming, isSeq := asSequence(value)
		if !isSeq {
			incoming = []any{value}
		}

		existing, present := merged[field]
		if !present || existing == nil {
			merged[field] = append([]any{}, incoming...)
			continue
		}

		log, ok := asSequence(existing)
		if !ok {
			return nil, fmt.Errorf("%w: field %q holds %T, append requires a sequence", ErrMergeConflict, field, existing)
		}
		out := make([]any, 0, len(log)+len(incoming))
		out = append(out, log...)
		out = append(out, incoming...)
		merged[field] = out
	}

	return merged, nil
}

// Overlay writes every update field over the current state regardless of policy.
// It backs human edits, where the reviewer states the exact value a field must hold.
func Overlay(current, update State) State {
	merged := current.Clone()
	for k, v := range update {
		merged[k] = cloneValue(v)
	}
	return merged
}
