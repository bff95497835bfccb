package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterEmitsJSONWithRunID(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(context.Background(), WithWriter(&buf), WithRunID(" run-7 "), WithLevel("debug"))
	require.NoError(t, err)

	logger.Logger.Debug("harness started", "command", "write")

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record), "line: %s", line)
	assert.Equal(t, "harness started", record["msg"])
	assert.Equal(t, "run-7", record["run_id"])
	assert.Equal(t, "write", record["command"])
	assert.Empty(t, logger.Path())
	assert.NoError(t, logger.Close())
}

func TestNewWritesLogFileInDirectory(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(context.Background(), WithDir(dir), WithRunID("abc"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })

	assert.True(t, strings.HasPrefix(logger.Path(), dir))
	assert.True(t, strings.HasSuffix(logger.Path(), "-abc.log"))

	content, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	assert.Contains(t, string(content), "logger initialized")
}

func TestLevelFiltersRecords(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(context.Background(), WithWriter(&buf), WithLevel("warn"))
	require.NoError(t, err)

	logger.Logger.Info("hidden")
	logger.Logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestOrDiscardNeverReturnsNil(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	discard := Discard()
	assert.Same(t, discard, OrDiscard(discard))
}
