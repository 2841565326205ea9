package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/aretw0/espalier/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWriter(&buf, slog.LevelInfo, logging.FormatJSON)
	logger.Debug("hidden")
	logger.Error("step failed", "error", errors.New("boom"), "thread_id", "t1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "step failed", line["msg"])
	assert.Equal(t, "boom", line["err"])
	assert.NotContains(t, line, "error")
}

func TestNewWriter_TextFallback(t *testing.T) {
	var buf bytes.Buffer
	logging.NewWriter(&buf, slog.LevelDebug, "xml").Debug("node entered", "node", "draft")
	assert.Contains(t, buf.String(), "node=draft")
}

func TestNewNop(t *testing.T) {
	assert.False(t, logging.NewNop().Enabled(t.Context(), slog.LevelError))
}
