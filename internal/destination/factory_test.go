package destination

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ship-commander/destharness/internal/envvars"
	"github.com/ship-commander/destharness/internal/protocol"
)

// fileConsumer removes the artifact when the environment asks for file transfer.
func fileConsumer(path string) Launcher {
	return func(spec LaunchSpec) (Worker, error) {
		return WorkerFunc(func(_ context.Context, in io.Reader, _ Emitter) error {
			_, _ = io.Copy(io.Discard, in)
			if !spec.Env.Bool(envvars.UseFileTransfer) {
				return nil
			}
			return os.Remove(path)
		}), nil
	}
}

func TestFactoryFileTransferRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test_file")
	env := envvars.New(nil)
	factory := &InProcessFactory{Launcher: fileConsumer(path), Env: env, ArtifactPath: path}

	process, err := factory.Create(CommandWrite, []byte(`{}`), &protocol.ConfiguredCatalog{}, true)
	require.NoError(t, err)
	t.Cleanup(process.Kill)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ArtifactContent, string(content))
	assert.Equal(t, "true", env.Get(envvars.UseFileTransfer))

	require.NoError(t, process.Run(context.Background()))
	require.NoError(t, process.Shutdown(context.Background()))
	process.VerifyFileDeleted(t)
}

func TestFactoryWithoutFileTransferNeverCreatesArtifact(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test_file")
	env := envvars.New(map[string]string{envvars.UseFileTransfer: "true"})
	factory := &InProcessFactory{Launcher: fileConsumer(path), Env: env, ArtifactPath: path}

	process, err := factory.Create(CommandWrite, nil, nil, false)
	require.NoError(t, err)
	t.Cleanup(process.Kill)

	assert.NoFileExists(t, path)
	assert.Equal(t, "false", env.Get(envvars.UseFileTransfer))

	require.NoError(t, process.Run(context.Background()))
	require.NoError(t, process.Shutdown(context.Background()))
	process.VerifyFileDeleted(t)
}

func TestVerifyFileDeletedFailsWhenArtifactRemains(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test_file")
	launcher := func(LaunchSpec) (Worker, error) {
		return WorkerFunc(func(context.Context, io.Reader, Emitter) error { return nil }), nil
	}
	factory := &InProcessFactory{Launcher: launcher, ArtifactPath: path}

	process, err := factory.Create(CommandWrite, nil, nil, true)
	require.NoError(t, err)
	t.Cleanup(process.Kill)
	require.NoError(t, process.Run(context.Background()))
	require.NoError(t, process.Shutdown(context.Background()))

	recorder := &recordingT{}
	process.VerifyFileDeleted(recorder)
	assert.True(t, recorder.failed)
}

func TestFactoryPassesLaunchSpec(t *testing.T) {
	t.Parallel()

	var got LaunchSpec
	catalog := &protocol.ConfiguredCatalog{Streams: []protocol.ConfiguredStream{{Stream: protocol.Stream{Name: "users"}}}}
	config := []byte(`{"database_path":"x"}`)
	factory := &InProcessFactory{
		ArtifactPath: filepath.Join(t.TempDir(), "test_file"),
		Launcher: func(spec LaunchSpec) (Worker, error) {
			got = spec
			return &echoWorker{}, nil
		},
	}

	process, err := factory.CreateHarness(CommandCheck, config, catalog, false, FeatureFlagCloudDeployment)
	require.NoError(t, err)
	t.Cleanup(process.Kill)

	config[0] = 'X'
	assert.Equal(t, CommandCheck, got.Command)
	assert.Equal(t, `{"database_path":"x"}`, string(got.Config))
	assert.Same(t, catalog, got.Catalog)
	assert.True(t, got.HasFlag(FeatureFlagCloudDeployment))
	assert.False(t, got.HasFlag(FeatureFlagFileTransferEnabled))
	assert.False(t, got.Env.Bool(envvars.UseFileTransfer))
}

func TestFactoryLauncherErrors(t *testing.T) {
	t.Parallel()

	_, err := (&InProcessFactory{}).Create(CommandWrite, nil, nil, false)
	assert.Error(t, err)

	boom := errors.New("bad config")
	factory := &InProcessFactory{
		ArtifactPath: filepath.Join(t.TempDir(), "test_file"),
		Launcher:     func(LaunchSpec) (Worker, error) { return nil, boom },
	}
	_, err = factory.Create(CommandWrite, nil, nil, false)
	assert.ErrorIs(t, err, boom)
}

// TestFactoryDefaultArtifactPath touches the shared default location, so it
// does not run in parallel.
func TestFactoryDefaultArtifactPath(t *testing.T) {
	factory := &InProcessFactory{Launcher: fileConsumer(DefaultArtifactPath)}

	process, err := factory.CreateHarness(CommandWrite, nil, nil, true)
	require.NoError(t, err)
	t.Cleanup(func() {
		process.Kill()
		_ = os.Remove(DefaultArtifactPath)
	})

	assert.Equal(t, DefaultArtifactPath, process.ArtifactPath())
	assert.FileExists(t, DefaultArtifactPath)
	require.NoError(t, process.Run(context.Background()))
	require.NoError(t, process.Shutdown(context.Background()))
	process.VerifyFileDeleted(t)
}

type recordingT struct {
	failed bool
}

func (r *recordingT) Errorf(string, ...any) { r.failed = true }

func (r *recordingT) FailNow() { r.failed = true }
