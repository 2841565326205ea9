package domain

import "reflect"

// CheckpointDiff describes what changed between two consecutive checkpoints of a thread.
// It is designed to be serialized to JSON for partial updates on the client.
type CheckpointDiff struct {
	ThreadID string `json:"thread_id"`
	Step     int    `json:"step"`

	// Node is the node whose execution (or review) produced the newer checkpoint.
	Node string `json:"node,omitempty"`

	Next   *string    `json:"next,omitempty"`
	Status *RunStatus `json:"status,omitempty"`

	// State contains only changed, added or deleted keys.
	// For deletions, the key is present with a nil value.
	State map[string]any `json:"state,omitempty"`

	// Paused is set when the newer checkpoint raised or cleared an interrupt.
	Paused *bool `json:"paused,omitempty"`
}

// Diff calculates the difference between prev and next.
// If prev is nil, it returns a diff representing the entire next checkpoint.
func Diff(prev, next *Checkpoint) *CheckpointDiff {
	if next == nil {
		return nil
	}

	diff := &CheckpointDiff{
		ThreadID: next.ThreadID,
		Step:     next.Step,
		Node:     next.Node,
	}

	if prev == nil || prev.Next != next.Next {
		diff.Next = &next.Next
	}
	if prev == nil || prev.Status != next.Status {
		diff.Status = &next.Status
	}
	if prev.Paused() != next.Paused() {
		paused := next.Paused()
		diff.Paused = &paused
	}

	var before State
	if prev != nil {
		before = prev.State
	}
	diff.State = diffState(before, next.State)

	return diff
}

func diffState(old, new State) map[string]any {
	delta := make(map[string]any)

	for k, newVal := range new {
		oldVal, exists := old[k]
		if !exists || !reflect.DeepEqual(oldVal, newVal) {
			delta[k] = newVal
		}
	}

	for k := range old {
		if _, exists := new[k]; !exists {
			delta[k] = nil
		}
	}

	if len(delta) == 0 {
		return nil
	}
	return delta
}

// IsEmpty checks if the diff contains any actionable changes.
func (d *CheckpointDiff) IsEmpty() bool {
	return d.Next == nil &&
		d.Status == nil &&
		d.Paused == nil &&
		len(d.State) == 0
}
