package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aretw0/espalier/internal/presentation/tui"
	"github.com/aretw0/espalier/pkg/domain"
)

// TextHandler implements the standard text-based interface.
type TextHandler struct {
	Reader   *bufio.Reader
	Writer   io.Writer
	Renderer ContentRenderer

	lines     chan inputResult
	startOnce sync.Once
}

type inputResult struct {
	text string
	err  error
}

// TextHandlerOption defines configuration for TextHandler.
type TextHandlerOption func(*TextHandler)

// WithTextHandlerRenderer configures the content renderer.
func WithTextHandlerRenderer(renderer ContentRenderer) TextHandlerOption {
	return func(h *TextHandler) {
		h.Renderer = renderer
	}
}

// NewTextHandler creates a handler for standard text IO.
func NewTextHandler(r io.Reader, w io.Writer, opts ...TextHandlerOption) *TextHandler {
	if r == nil {
		r = os.Stdin
	}
	if w == nil {
		w = os.Stdout
	}
	h := &TextHandler{
		Reader: bufio.NewReader(r),
		Writer: w,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// pump reads lines in the background so a cancelled context does not wait on a blocked read.
func (h *TextHandler) pump() {
	h.startOnce.Do(func() {
		h.lines = make(chan inputResult)
		go func() {
			for {
				text, err := h.Reader.ReadString('\n')
				if text != "" || err == nil {
					h.lines <- inputResult{text: text}
				}
				if err != nil {
					h.lines <- inputResult{err: err}
					close(h.lines)
					return
				}
			}
		}()
	})
}

func (h *TextHandler) readLine(ctx context.Context) (string, error) {
	h.pump()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-h.lines:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(res.text), res.err
	}
}

func (h *TextHandler) print(markdown string) {
	output := markdown
	if h.Renderer != nil {
		if rendered, err := h.Renderer(markdown); err == nil {
			output = rendered
		}
	}
	fmt.Fprintln(h.Writer, strings.TrimSpace(output))
}

// Review shows the interrupt and prompts until the reviewer types a valid decision.
func (h *TextHandler) Review(ctx context.Context, req *domain.InterruptRequest) (domain.Decision, error) {
	h.print(tui.InterruptMarkdown(req))

	for {
		fmt.Fprint(h.Writer, "> ")
		line, err := h.readLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return domain.Decision{}, ErrQuit
			}
			return domain.Decision{}, err
		}

		switch strings.ToLower(line) {
		case "":
			continue
		case "q", "quit", "exit":
			return domain.Decision{}, ErrQuit
		}

		clean, err := SanitizeInput(line)
		if err != nil {
			fmt.Fprintf(h.Writer, "!!! %v\n", err)
			continue
		}
		decision, err := ParseDecision(clean)
		if err != nil {
			fmt.Fprintf(h.Writer, "!!! %v\n", err)
			continue
		}
		if !req.Allows(decision.Kind) {
			fmt.Fprintf(h.Writer, "!!! %s is not accepted here (allowed: %v)\n", decision.Kind, req.AllowedDecisions)
			continue
		}
		return decision, nil
	}
}

// Result renders the outcome of a run.
func (h *TextHandler) Result(ctx context.Context, result *domain.RunResult) error {
	h.print(tui.ResultMarkdown(result))
	return nil
}

// SystemOutput prints a meta-message.
func (h *TextHandler) SystemOutput(ctx context.Context, msg string) error {
	_, err := fmt.Fprintf(h.Writer, ">>> %s\n", msg)
	return err
}
