package domain

import "time"

// RunStatus is the execution state of a thread as seen from its latest checkpoint.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// CheckpointSource records what produced a checkpoint.
type CheckpointSource string

const (
	SourceInput   CheckpointSource = "input"   // initial snapshot written by Start
	SourceStep    CheckpointSource = "step"    // result of running a node
	SourceReject  CheckpointSource = "reject"  // reviewer rejected a gated node
	SourceReplace CheckpointSource = "replace" // reviewer edited the state before a gated node
	SourceFailure CheckpointSource = "failure" // a run failed; repeats the last good checkpoint
)

// Checkpoint is an immutable snapshot of a thread.
// Step is the zero-based position in the thread's append-only history;
// State is the state immediately after that step and Next the node about to run.
type Checkpoint struct {
	ThreadID         string            `json:"thread_id"`
	Step             int               `json:"step"`
	Next             string            `json:"next"`
	State            State             `json:"state"`
	PendingInterrupt *InterruptRequest `json:"pending_interrupt,omitempty"`

	Status    RunStatus        `json:"status"`
	Node      string           `json:"node,omitempty"`
	Source    CheckpointSource `json:"source"`
	RunID     string           `json:"run_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	// Error is the failure message of a checkpoint with Source failure.
	Error string `json:"error,omitempty"`
}

// Clone returns a deep copy so callers cannot reach into stored snapshots.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.State = c.State.Clone()
	out.PendingInterrupt = c.PendingInterrupt.Clone()
	return &out
}

// Paused reports whether the checkpoint carries an undecided interrupt.
func (c *Checkpoint) Paused() bool {
	return c != nil && c.PendingInterrupt != nil
}

// Failed reports whether the checkpoint records a failed run.
func (c *Checkpoint) Failed() bool {
	return c != nil && c.Status == StatusFailed
}

// Terminal reports whether the thread reached the end of the graph.
func (c *Checkpoint) Terminal() bool {
	return c != nil && c.Next == End
}
