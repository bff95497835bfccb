package protocol

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SyncModeFullRefresh reads every row on each sync.
	SyncModeFullRefresh = "full_refresh"
	// SyncModeIncremental reads rows since the last checkpoint.
	SyncModeIncremental = "incremental"

	// DestinationSyncModeOverwrite replaces the final table on publish.
	DestinationSyncModeOverwrite = "overwrite"
	// DestinationSyncModeAppend appends to the final table.
	DestinationSyncModeAppend = "append"
)

// Stream describes one source stream.
type Stream struct {
	Name       string         `json:"name" yaml:"name"`
	Namespace  string         `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	JSONSchema map[string]any `json:"json_schema,omitempty" yaml:"json_schema,omitempty"`
}

// ConfiguredStream is one stream with its sync settings.
type ConfiguredStream struct {
	Stream              Stream `json:"stream" yaml:"stream"`
	SyncMode            string `json:"sync_mode" yaml:"sync_mode"`
	DestinationSyncMode string `json:"destination_sync_mode" yaml:"destination_sync_mode"`
	GenerationID        int64  `json:"generation_id" yaml:"generation_id"`
	MinimumGenerationID int64  `json:"minimum_generation_id" yaml:"minimum_generation_id"`
	SyncID              int64  `json:"sync_id" yaml:"sync_id"`
}

// ConfiguredCatalog lists every stream a sync writes.
type ConfiguredCatalog struct {
	Streams []ConfiguredStream `json:"streams" yaml:"streams"`
}

// LoadCatalog reads a configured catalog from a YAML or JSON file.
func LoadCatalog(path string) (*ConfiguredCatalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("catalog path is required")
	}
	// #nosec G304 -- catalog path is an explicit operator input.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %q: %w", path, err)
	}
	return DecodeCatalog(raw)
}

// DecodeCatalog parses a configured catalog document.
func DecodeCatalog(raw []byte) (*ConfiguredCatalog, error) {
	var catalog ConfiguredCatalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	for i, stream := range catalog.Streams {
		if strings.TrimSpace(stream.Stream.Name) == "" {
			return nil, fmt.Errorf("decode catalog: stream %d has no name", i)
		}
		if stream.DestinationSyncMode == "" {
			catalog.Streams[i].DestinationSyncMode = DestinationSyncModeAppend
		}
		if stream.SyncMode == "" {
			catalog.Streams[i].SyncMode = SyncModeFullRefresh
		}
	}
	return &catalog, nil
}

// Find returns the configured stream matching namespace and name.
func (c *ConfiguredCatalog) Find(namespace, name string) (ConfiguredStream, bool) {
	if c == nil {
		return ConfiguredStream{}, false
	}
	for _, stream := range c.Streams {
		if stream.Stream.Name == name && stream.Stream.Namespace == namespace {
			return stream, true
		}
	}
	return ConfiguredStream{}, false
}
