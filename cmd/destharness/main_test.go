package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ship-commander/destharness/internal/config"
	"github.com/ship-commander/destharness/internal/destination"
	"github.com/ship-commander/destharness/internal/protocol"
)

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"
	cmd := newRootCommand(context.Background(), &config.Config{}, testLogger())

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := strings.TrimSpace(stdout.String())
	if output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	cmd := newRootCommand(context.Background(), &config.Config{}, testLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := stdout.String()
	for _, name := range []string{"write", "check"} {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestWriteCommandGolden(t *testing.T) {
	stdout, _, err := execute(t, testConfig(t), "write",
		"--config", connectorConfigFile(t),
		"--catalog", filepath.Join("testdata", "catalog.yaml"),
		"--input", filepath.Join("testdata", "write_input.jsonl"),
	)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "write", normalizeOutput(t, stdout))
}

func TestCheckCommandGolden(t *testing.T) {
	stdout, _, err := execute(t, testConfig(t), "check", "--config", connectorConfigFile(t))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "check", normalizeOutput(t, stdout))
}

func TestWriteCommandReportsUncleanExit(t *testing.T) {
	stdout, stderr, err := execute(t, testConfig(t), "write",
		"--config", connectorConfigFile(t),
		"--input", filepath.Join("testdata", "malformed_input.jsonl"),
	)

	var unclean *destination.UncleanExitError
	require.ErrorAs(t, err, &unclean)
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, stderr, "destination exited with code 1 (1 traces, 1 states)")

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	last, parseErr := protocol.Parse(lines[1])
	require.NoError(t, parseErr)
	assert.Equal(t, protocol.TraceTypeError, last.Trace.Type)
}

func TestWriteCommandFileTransferConsumesArtifact(t *testing.T) {
	cfg := testConfig(t)
	input := filepath.Join(t.TempDir(), "input.jsonl")
	record := protocol.NewRecord("public", "users", json.RawMessage(`{"id":1}`))
	record.Record.File = &protocol.FileReference{FileURL: cfg.ArtifactPath}
	line, err := protocol.Serialize(record)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(input, []byte(line+"\n"), 0o600))

	_, stderr, err := execute(t, cfg, "write",
		"--config", connectorConfigFile(t),
		"--input", input,
		"--file-transfer",
	)
	require.NoError(t, err)
	assert.NotContains(t, stderr, "warning")
	assert.NoFileExists(t, cfg.ArtifactPath)
}

func TestWriteCommandWarnsWhenArtifactRemains(t *testing.T) {
	cfg := testConfig(t)
	stdout, stderr, err := execute(t, cfg, "write",
		"--config", connectorConfigFile(t),
		"--input", filepath.Join("testdata", "write_input.jsonl"),
		"--file-transfer",
	)
	require.NoError(t, err)
	assert.NotEmpty(t, stdout)
	assert.Contains(t, stderr, "warning:")
	assert.FileExists(t, cfg.ArtifactPath)
}

func TestConnectorConfigFromStoreSection(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabasePath = filepath.Join(t.TempDir(), "store.db")

	stdout, _, err := execute(t, cfg, "check")
	require.NoError(t, err)
	assert.Contains(t, stdout, protocol.ConnectionSucceeded)

	cfg.DatabasePath = ""
	_, _, err = execute(t, cfg, "check")
	assert.ErrorContains(t, err, "no connector config")
}

func TestFeatureFlagsMergeAndDeduplicate(t *testing.T) {
	got := featureFlags([]string{"airbyte_cloud_deployment"}, []string{" AIRBYTE_CLOUD_DEPLOYMENT", "custom_flag", ""})
	assert.Equal(t, []destination.FeatureFlag{destination.FeatureFlagCloudDeployment, "CUSTOM_FLAG"}, got)
}

func TestExitCodeDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, exitCode(errors.New("plain")))
	assert.Equal(t, 7, exitCode(&destination.UncleanExitError{ExitCode: 7}))
}

func execute(t *testing.T, cfg *config.Config, args ...string) (string, string, error) {
	t.Helper()

	cmd := newRootCommand(context.Background(), cfg, testLogger())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		ArtifactPath:    filepath.Join(t.TempDir(), "test_file"),
		ShutdownTimeout: 10 * time.Second,
		BatchSize:       100,
		Env:             map[string]string{},
	}
}

func connectorConfigFile(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	raw, err := json.Marshal(map[string]any{
		"database_path": filepath.Join(dir, "dest.db"),
		"staging_dir":   filepath.Join(dir, "staging"),
	})
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

// normalizeOutput zeroes trace timestamps so output is stable across runs.
func normalizeOutput(t *testing.T, stdout string) []byte {
	t.Helper()

	var out bytes.Buffer
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		message, err := protocol.Parse(line)
		require.NoError(t, err)
		if message.Trace != nil {
			message.Trace.EmittedAt = 0
		}
		normalized, err := protocol.Serialize(message)
		require.NoError(t, err)
		out.WriteString(normalized + "\n")
	}
	return out.Bytes()
}

func testLogger() *log.Logger {
	return log.NewWithOptions(&bytes.Buffer{}, log.Options{})
}
