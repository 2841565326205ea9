package domain

import (
	"slices"
	"time"
)

// DecisionKind enumerates how a reviewer can answer an interrupt.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
	DecisionReplace DecisionKind = "replace"
)

// AllDecisions is the default set accepted by a gated node.
var AllDecisions = []DecisionKind{DecisionApprove, DecisionReject, DecisionReplace}

// Valid reports whether k is a known decision kind.
func (k DecisionKind) Valid() bool {
	return slices.Contains(AllDecisions, k)
}

// Decision answers a pending interrupt.
// Reason is used by reject, Fields by replace.
type Decision struct {
	Kind   DecisionKind `json:"kind" mapstructure:"kind"`
	Reason string       `json:"reason,omitempty" mapstructure:"reason"`
	Fields State        `json:"fields,omitempty" mapstructure:"fields"`
}

// Approve lets the gated node run with the current state.
func Approve() Decision { return Decision{Kind: DecisionApprove} }

// Reject skips the gated node and records reason in the graph's rejection field.
func Reject(reason string) Decision { return Decision{Kind: DecisionReject, Reason: reason} }

// Replace overwrites the given fields, then runs the gated node.
func Replace(fields State) Decision { return Decision{Kind: DecisionReplace, Fields: fields} }

// InterruptRequest describes a pause before a gated node.
type InterruptRequest struct {
	ThreadID         string         `json:"thread_id"`
	Node             string         `json:"node"`
	Step             int            `json:"step"`
	Description      string         `json:"description,omitempty"`
	State            State          `json:"state"`
	AllowedDecisions []DecisionKind `json:"allowed_decisions"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Allows reports whether the interrupt accepts the decision kind.
func (r *InterruptRequest) Allows(kind DecisionKind) bool {
	return r != nil && slices.Contains(r.AllowedDecisions, kind)
}

// Clone returns a deep copy of the request.
func (r *InterruptRequest) Clone() *InterruptRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.State = r.State.Clone()
	out.AllowedDecisions = slices.Clone(r.AllowedDecisions)
	return &out
}
