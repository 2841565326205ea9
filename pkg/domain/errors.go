package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	// ErrGraphValidation is returned when a graph definition fails to compile.
	ErrGraphValidation = errors.New("graph validation failed")

	// ErrRouting is returned when a router selects a node it did not declare.
	ErrRouting = errors.New("routing failed")

	// ErrStepExecution is returned when a step function fails or panics.
	ErrStepExecution = errors.New("step execution failed")

	// ErrUnknownThread is returned when an operation targets a thread with no checkpoints.
	ErrUnknownThread = errors.New("unknown thread")

	// ErrInvalidDecision is returned when a decision cannot be applied to the thread.
	ErrInvalidDecision = errors.New("invalid decision")

	// ErrConcurrentModification is returned when two writers race on the same thread.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrThreadNotFound is returned by stores when a thread has no checkpoints.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrCheckpointNotFound is returned by stores when a step index does not exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrMergeConflict is returned when an update cannot be merged under the field policy.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrStepLimit is the cause of a StepExecutionError raised when one invocation
	// executes more nodes than the engine allows.
	ErrStepLimit = errors.New("step limit exceeded")
)

// GraphValidationError lists every problem found while compiling a graph.
type GraphValidationError struct {
	Graph    string
	Problems []string
}

func (e *GraphValidationError) Error() string {
	name := e.Graph
	if name == "" {
		name = "graph"
	}
	return fmt.Sprintf("%s is invalid: %s", name, strings.Join(e.Problems, "; "))
}

func (e *GraphValidationError) Is(target error) bool { return target == ErrGraphValidation }

// RoutingError reports a router that chose a target outside its declared set.
type RoutingError struct {
	Node    string
	Target  string
	Allowed []string
	Cause   error
}

func (e *RoutingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("routing from %q failed: %v", e.Node, e.Cause)
	}
	return fmt.Sprintf("router of %q returned undeclared target %q (allowed: %s)",
		e.Node, e.Target, strings.Join(e.Allowed, ", "))
}

func (e *RoutingError) Unwrap() error { return e.Cause }

func (e *RoutingError) Is(target error) bool { return target == ErrRouting }

// StepExecutionError wraps a failure raised inside a step function.
// LastGoodStep is the checkpoint the thread can be resumed from.
type StepExecutionError struct {
	ThreadID     string
	Node         string
	LastGoodStep int
	Cause        error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("node %q failed on thread %q (last good step %d): %v",
		e.Node, e.ThreadID, e.LastGoodStep, e.Cause)
}

func (e *StepExecutionError) Unwrap() error { return e.Cause }

func (e *StepExecutionError) Is(target error) bool { return target == ErrStepExecution }

// Retryable reports that the thread can be resumed from LastGoodStep.
func (e *StepExecutionError) Retryable() bool { return true }

// UnknownThreadError is returned for operations on threads that were never started.
type UnknownThreadError struct {
	ThreadID string
}

func (e *UnknownThreadError) Error() string {
	return fmt.Sprintf("thread %q has no checkpoints", e.ThreadID)
}

func (e *UnknownThreadError) Is(target error) bool {
	return target == ErrUnknownThread || target == ErrThreadNotFound
}

// InvalidDecisionError reports a decision the paused node does not accept,
// or a decision sent to a thread with nothing to decide.
type InvalidDecisionError struct {
	ThreadID string
	Node     string
	Kind     DecisionKind
	Reason   string
}

func (e *InvalidDecisionError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("decision %q rejected for thread %q: %s", e.Kind, e.ThreadID, e.Reason)
	}
	return fmt.Sprintf("decision %q rejected at node %q on thread %q: %s", e.Kind, e.Node, e.ThreadID, e.Reason)
}

func (e *InvalidDecisionError) Is(target error) bool { return target == ErrInvalidDecision }

// ConcurrentModificationError reports a checkpoint write that lost a race.
type ConcurrentModificationError struct {
	ThreadID string
	// Expected is the step the thread would accept next.
	Expected int
	// Actual is the step the caller tried to write.
	Actual int
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("thread %q was modified concurrently: expected step %d, got step %d",
		e.ThreadID, e.Expected, e.Actual)
}

func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}
