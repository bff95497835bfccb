package destination

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/destharness/internal/envvars"
	"github.com/ship-commander/destharness/internal/events"
	"github.com/ship-commander/destharness/internal/logging"
	"github.com/ship-commander/destharness/internal/protocol"
)

// ArtifactContent is written to the file-transfer artifact.
const ArtifactContent = "123"

// InProcessFactory creates harnesses whose workers come from Launcher.
type InProcessFactory struct {
	Launcher Launcher
	// Env is the mock environment shared with workers. A nil Env gets a
	// fresh one per Create.
	Env *envvars.Env
	// ArtifactPath defaults to DefaultArtifactPath.
	ArtifactPath string
	Logger       *log.Logger
	Bus          events.Bus
	Tracer       trace.Tracer
}

var _ Factory = (*InProcessFactory)(nil)

// Create builds a harness in the created state. When useFileTransfer is set
// the artifact file is written before the worker is launched so the worker
// can consume it; USE_FILE_TRANSFER is set in the mock environment either way.
func (f *InProcessFactory) Create(
	command Command,
	config []byte,
	catalog *protocol.ConfiguredCatalog,
	useFileTransfer bool,
	flags ...FeatureFlag,
) (Process, error) {
	return f.CreateHarness(command, config, catalog, useFileTransfer, flags...)
}

// CreateHarness is Create returning the concrete harness.
func (f *InProcessFactory) CreateHarness(
	command Command,
	config []byte,
	catalog *protocol.ConfiguredCatalog,
	useFileTransfer bool,
	flags ...FeatureFlag,
) (*Harness, error) {
	if f == nil || f.Launcher == nil {
		return nil, errors.New("launcher is required")
	}

	env := f.Env
	if env == nil {
		env = envvars.New(nil)
	}
	env.Set(envvars.UseFileTransfer, strconv.FormatBool(useFileTransfer))

	artifactPath := f.ArtifactPath
	if artifactPath == "" {
		artifactPath = DefaultArtifactPath
	}
	logger := logging.OrDiscard(f.Logger)

	if useFileTransfer {
		if err := writeArtifact(artifactPath); err != nil {
			return nil, err
		}
		logger.Debug("file-transfer artifact written", "path", artifactPath)
	}

	worker, err := f.Launcher(LaunchSpec{
		Command:      command,
		Config:       append([]byte(nil), config...),
		Catalog:      catalog,
		FeatureFlags: append([]FeatureFlag(nil), flags...),
		Env:          env,
	})
	if err != nil {
		return nil, fmt.Errorf("launch %s worker: %w", command, err)
	}

	harness, err := NewHarness(command, worker,
		WithLogger(logger),
		WithEventBus(f.Bus),
		WithTracer(f.Tracer),
		WithArtifactPath(artifactPath),
	)
	if err != nil {
		return nil, err
	}
	if useFileTransfer {
		harness.publish(events.EventTypeFileArtifact, events.SeverityInfo, map[string]any{"path": artifactPath})
	}
	return harness, nil
}

func writeArtifact(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(ArtifactContent), 0o600); err != nil {
		return fmt.Errorf("write file-transfer artifact: %w", err)
	}
	return nil
}
