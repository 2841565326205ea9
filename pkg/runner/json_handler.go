package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
)

// Message is one line written by the JSONHandler.
type Message struct {
	Type      string                   `json:"type"` // interrupt, result, system or error
	Interrupt *domain.InterruptRequest `json:"interrupt,omitempty"`
	Result    *domain.RunResult        `json:"result,omitempty"`
	Message   string                   `json:"message,omitempty"`
}

// JSONHandler implements the IOHandler interface for structured JSON-Lines communication.
// Each interrupt is written as one line; the answer is one line holding a decision
// object such as {"kind":"reject","reason":"too long"}, or a bare command string.
type JSONHandler struct {
	Reader  *bufio.Reader
	Encoder *json.Encoder
}

// NewJSONHandler creates a handler for JSON IO.
func NewJSONHandler(r io.Reader, w io.Writer) *JSONHandler {
	if r == nil {
		r = os.Stdin
	}
	if w == nil {
		w = os.Stdout
	}
	return &JSONHandler{
		Reader:  bufio.NewReader(r),
		Encoder: json.NewEncoder(w),
	}
}

// Review emits the interrupt and reads decisions until one is acceptable.
// EOF or an empty line stops reviewing.
func (h *JSONHandler) Review(ctx context.Context, req *domain.InterruptRequest) (domain.Decision, error) {
	if err := h.Encoder.Encode(Message{Type: "interrupt", Interrupt: req}); err != nil {
		return domain.Decision{}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return domain.Decision{}, err
		}
		text, err := h.Reader.ReadString('\n')
		text = strings.TrimSpace(text)
		if text == "" {
			if err == nil || errors.Is(err, io.EOF) {
				return domain.Decision{}, ErrQuit
			}
			return domain.Decision{}, err
		}

		decision, perr := decodeDecision(text)
		if perr == nil {
			decision, perr = SanitizeDecision(decision)
		}
		if perr == nil && !req.Allows(decision.Kind) {
			perr = fmt.Errorf("%s is not accepted by %s (allowed: %v)", decision.Kind, req.Node, req.AllowedDecisions)
		}
		if perr == nil {
			return decision, nil
		}
		if err := h.Encoder.Encode(Message{Type: "error", Message: perr.Error()}); err != nil {
			return domain.Decision{}, err
		}
		if err != nil {
			// Last line was invalid and there is nothing more to read.
			return domain.Decision{}, ErrQuit
		}
	}
}

func decodeDecision(text string) (domain.Decision, error) {
	if strings.HasPrefix(text, "{") {
		var d domain.Decision
		if err := json.Unmarshal([]byte(text), &d); err != nil {
			return d, fmt.Errorf("invalid decision: %w", err)
		}
		if !d.Kind.Valid() {
			return d, fmt.Errorf("unknown decision kind %q", d.Kind)
		}
		return d, nil
	}

	// Try to unquote if it's a JSON string
	var cmd string
	if err := json.Unmarshal([]byte(text), &cmd); err == nil {
		text = cmd
	}
	return ParseDecision(text)
}

// Result emits the run outcome.
func (h *JSONHandler) Result(ctx context.Context, result *domain.RunResult) error {
	return h.Encoder.Encode(Message{Type: "result", Result: result})
}

// SystemOutput emits a meta-message.
func (h *JSONHandler) SystemOutput(ctx context.Context, msg string) error {
	return h.Encoder.Encode(Message{Type: "system", Message: msg})
}
