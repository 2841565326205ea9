package runner

import (
	"context"
	"errors"

	"github.com/aretw0/espalier/pkg/domain"
)

// ErrQuit is returned by a handler when the reviewer stops reviewing.
// The thread stays paused and can be resumed later.
var ErrQuit = errors.New("reviewer quit")

// IOHandler defines the strategy for interacting with the reviewer.
// This allows switching between Text (CLI/TUI) and JSON (Structured) modes.
type IOHandler interface {
	// Review presents a pending interrupt and reads the reviewer's decision.
	Review(ctx context.Context, req *domain.InterruptRequest) (domain.Decision, error)

	// Result presents the outcome of a run.
	Result(ctx context.Context, result *domain.RunResult) error

	// SystemOutput presents a meta-message to the user (e.g. status updates).
	// This is distinct from content rendering.
	SystemOutput(ctx context.Context, msg string) error
}

// ContentRenderer is a function that transforms markdown before outputting it.
// This allows for TUI rendering (markdown to ANSI) without coupling the handlers.
type ContentRenderer func(string) (string, error)
