// Package connector is a reference destination: it validates its config on
// check and loads records into SQLite on write, speaking the line protocol
// over the reader and emitter a harness hands it.
package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/ship-commander/destharness/internal/destination"
	"github.com/ship-commander/destharness/internal/logging"
)

// DefaultBatchSize is the per-stream record count that triggers a flush.
const DefaultBatchSize = 1000

// Config is the connector configuration document.
type Config struct {
	DatabasePath string `json:"database_path"`
	StagingDir   string `json:"staging_dir,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
}

// ParseConfig decodes and validates raw.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if len(strings.TrimSpace(string(raw))) == 0 {
		return cfg, errors.New("config is empty")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return cfg, errors.New("database_path is required")
	}
	if cfg.BatchSize < 0 {
		return cfg, fmt.Errorf("batch_size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return cfg, nil
}

// Destination builds workers for the reference connector.
type Destination struct {
	logger *log.Logger
}

// New returns a destination logging to logger (nil discards).
func New(logger *log.Logger) *Destination {
	return &Destination{logger: logging.OrDiscard(logger)}
}

// Launch implements destination.Launcher.
func (d *Destination) Launch(spec destination.LaunchSpec) (destination.Worker, error) {
	logger := d.logger.With("command", string(spec.Command))
	switch spec.Command {
	case destination.CommandCheck:
		return &checkWorker{spec: spec, logger: logger}, nil
	case destination.CommandWrite:
		return &writeWorker{spec: spec, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unsupported command %q", spec.Command)
	}
}
