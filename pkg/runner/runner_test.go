package runner_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/demo"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/graph"
	"github.com/aretw0/espalier/pkg/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approvalEngine(t *testing.T) *espalier.Engine {
	t.Helper()
	g, err := demo.ApprovalGraph()
	require.NoError(t, err)
	eng, err := espalier.New(g)
	require.NoError(t, err)
	return eng
}

func TestRunner_TextReview(t *testing.T) {
	eng := approvalEngine(t)
	var out bytes.Buffer
	r := runner.NewRunner(runner.WithInputHandler(
		runner.NewTextHandler(strings.NewReader("maybe\n\nreplace draft=Edited\n"), &out),
	))

	result, err := r.Run(context.Background(), eng, "post", domain.State{"topic": "pears"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, "Edited", result.State["draft"])
	assert.Equal(t, true, result.State["published"])

	text := out.String()
	assert.Contains(t, text, "Thread 'post' started.")
	assert.Contains(t, text, "## Review `review`")
	assert.Contains(t, text, `!!! unknown decision "maybe"`)
	assert.Contains(t, text, "completed at step")
}

func TestRunner_QuitLeavesThreadPaused(t *testing.T) {
	eng := approvalEngine(t)
	ctx := context.Background()

	var out bytes.Buffer
	r := runner.NewRunner(runner.WithInputHandler(runner.NewTextHandler(strings.NewReader("quit\n"), &out)))
	result, err := r.Run(ctx, eng, "later", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, result.Status)
	assert.Contains(t, out.String(), "left paused")

	// Running again picks the pending interrupt up instead of starting over.
	out.Reset()
	r = runner.NewRunner(runner.WithInputHandler(runner.NewTextHandler(strings.NewReader("reject off topic\n"), &out)))
	result, err = r.Run(ctx, eng, "later", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, []any{"drafted", "off topic", "archived"}, result.State["log"])
	assert.Contains(t, out.String(), "Resuming thread 'later' at step")

	// A completed thread is only reported.
	r = runner.NewRunner(runner.WithInputHandler(runner.NewTextHandler(strings.NewReader(""), &out)))
	again, err := r.Run(ctx, eng, "later", nil)
	require.NoError(t, err)
	assert.Equal(t, result.Step, again.Step)
}

func TestRunner_TextHandlerRefusesDisallowedKinds(t *testing.T) {
	g, err := demo.CounterGraph()
	require.NoError(t, err)
	eng, err := espalier.New(g)
	require.NoError(t, err)

	var out bytes.Buffer
	r := runner.NewRunner(runner.WithInputHandler(
		runner.NewTextHandler(strings.NewReader("replace count=10\napprove\n"), &out),
	))
	result, err := r.Run(context.Background(), eng, "count", domain.State{"limit": 2})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, 2, result.State["count"])
	assert.Contains(t, out.String(), "replace is not accepted here")
}

func TestRunner_JSONReview(t *testing.T) {
	eng := approvalEngine(t)
	var out bytes.Buffer
	input := `"maybe"` + "\n" + `{"kind":"reject","reason":"too\u0000 short"}` + "\n"
	r := runner.NewRunner(runner.WithInputHandler(runner.NewJSONHandler(strings.NewReader(input), &out)))

	result, err := r.Run(context.Background(), eng, "json", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, []any{"drafted", "too short", "archived"}, result.State["log"])

	var types []string
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var msg map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		types = append(types, msg["type"].(string))
	}
	// "maybe" is not a command: the reviewer gets an error and answers again.
	assert.Equal(t, []string{"system", "interrupt", "error", "result"}, types)
}

func TestRunner_JSONEOFQuits(t *testing.T) {
	eng := approvalEngine(t)
	var out bytes.Buffer
	r := runner.NewRunner(runner.WithInputHandler(runner.NewJSONHandler(strings.NewReader(""), &out)))

	result, err := r.Run(context.Background(), eng, "eof", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, result.Status)
}

func TestRunner_FailedThreadAndRetry(t *testing.T) {
	var calls atomic.Int32
	g, err := graph.New("flaky").
		AddNode("fetch", func(ctx context.Context, s domain.State) (domain.State, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("upstream down")
			}
			return domain.State{"fetched": true}, nil
		}).
		SetEntry("fetch").
		SetFinish("fetch").
		Compile()
	require.NoError(t, err)
	eng, err := espalier.New(g)
	require.NoError(t, err)
	ctx := context.Background()

	var out bytes.Buffer
	handler := runner.NewTextHandler(strings.NewReader(""), &out)

	result, err := runner.NewRunner(runner.WithInputHandler(handler)).Run(ctx, eng, "flaky", nil)
	assert.ErrorIs(t, err, domain.ErrStepExecution)
	assert.Equal(t, domain.StatusFailed, result.Status)

	// Without retry the recorded failure is only reported.
	result, err = runner.NewRunner(runner.WithInputHandler(handler)).Run(ctx, eng, "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.ErrorContains(t, result.Err, "upstream down")
	assert.Equal(t, int32(1), calls.Load())

	result, err = runner.NewRunner(runner.WithInputHandler(handler), runner.WithRetry(true)).Run(ctx, eng, "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, result.Status)
	assert.Equal(t, true, result.State["fetched"])
}

func TestTextHandler_ContextCancelled(t *testing.T) {
	// A reader that never returns keeps the handler waiting on the context.
	pr := blockingReader{}
	h := runner.NewTextHandler(pr, &bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Review(ctx, &domain.InterruptRequest{Node: "n", AllowedDecisions: domain.AllDecisions})
	assert.ErrorIs(t, err, context.Canceled)
}

type blockingReader struct{}

func (blockingReader) Read(p []byte) (int, error) {
	select {}
}
