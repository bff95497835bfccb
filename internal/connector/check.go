package connector

import (
	"context"
	"io"

	"github.com/charmbracelet/log"

	"github.com/ship-commander/destharness/internal/destination"
	"github.com/ship-commander/destharness/internal/protocol"
	"github.com/ship-commander/destharness/internal/staging"
)

type checkWorker struct {
	spec   destination.LaunchSpec
	logger *log.Logger
}

// Run reports connectivity as a CONNECTION_STATUS message. Config problems
// are a failed status, not an unclean exit.
func (w *checkWorker) Run(ctx context.Context, _ io.Reader, out destination.Emitter) error {
	cfg, err := ParseConfig(w.spec.Config)
	if err != nil {
		return out.Append(protocol.NewConnectionStatus(protocol.ConnectionFailed, err.Error()))
	}

	stager, err := staging.Open(cfg.DatabasePath, cfg.StagingDir, w.logger)
	if err != nil {
		return out.Append(protocol.NewConnectionStatus(protocol.ConnectionFailed, err.Error()))
	}
	defer stager.Close()

	if err := stager.Ping(ctx); err != nil {
		return out.Append(protocol.NewConnectionStatus(protocol.ConnectionFailed, err.Error()))
	}
	w.logger.Info("check succeeded", "database_path", cfg.DatabasePath,
		"cloud", w.spec.HasFlag(destination.FeatureFlagCloudDeployment))
	return out.Append(protocol.NewConnectionStatus(protocol.ConnectionSucceeded, ""))
}
