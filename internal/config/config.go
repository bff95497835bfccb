package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultArtifactPath    = "/tmp/test_file"
	defaultLogLevel        = "info"
	defaultShutdownTimeout = 2 * time.Minute
	defaultBatchSize       = 1000
	defaultEnvironment     = "dev"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	ArtifactPath    string
	FeatureFlags    []string
	LogLevel        string
	LogDir          string
	DatabasePath    string
	StagingDir      string
	BatchSize       int
	ShutdownTimeout time.Duration
	OTLPEndpoint    string
	Environment     string
	// Env seeds the mock environment handed to workers.
	Env map[string]string
}

type fileConfig struct {
	ArtifactPath    *string        `toml:"artifact_path"`
	FeatureFlags    *[]string      `toml:"feature_flags"`
	Log             *logConfig     `toml:"log"`
	Store           *storeConfig   `toml:"store"`
	ShutdownTimeout *string        `toml:"shutdown_timeout"`
	OTEL            *otelConfig    `toml:"otel"`
	Environment     *string        `toml:"environment"`
	Env             map[string]any `toml:"env"`
}

type logConfig struct {
	Level *string `toml:"level"`
	Dir   *string `toml:"dir"`
}

type storeConfig struct {
	DatabasePath *string `toml:"database_path"`
	StagingDir   *string `toml:"staging_dir"`
	BatchSize    *int    `toml:"batch_size"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.destharness/config.toml and overlays a
// project-local .destharness/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	return LoadFiles(ctx,
		filepath.Join(homeDir, ".destharness", "config.toml"),
		filepath.Join(workingDir, ".destharness", "config.toml"),
	)
}

// LoadFiles overlays paths in order on top of the defaults. Missing files
// are skipped.
func LoadFiles(ctx context.Context, paths ...string) (*Config, error) {
	cfg := defaults()
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		ArtifactPath:    defaultArtifactPath,
		FeatureFlags:    []string{},
		LogLevel:        defaultLogLevel,
		BatchSize:       defaultBatchSize,
		ShutdownTimeout: defaultShutdownTimeout,
		Environment:     defaultEnvironment,
		Env:             map[string]string{},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyStoreOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := overlayEnv(cfg, decoded.Env, path); err != nil {
		return err
	}
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.ArtifactPath != nil {
		cfg.ArtifactPath = strings.TrimSpace(*decoded.ArtifactPath)
	}
	if decoded.FeatureFlags != nil {
		cfg.FeatureFlags = normalizeFlags(*decoded.FeatureFlags)
	}
	if decoded.Log != nil {
		if decoded.Log.Level != nil {
			cfg.LogLevel = normalizeKey(*decoded.Log.Level)
		}
		if decoded.Log.Dir != nil {
			cfg.LogDir = strings.TrimSpace(*decoded.Log.Dir)
		}
	}
	if decoded.OTEL != nil && decoded.OTEL.Endpoint != nil {
		cfg.OTLPEndpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}
	if decoded.Environment != nil {
		cfg.Environment = normalizeKey(*decoded.Environment)
	}
}

func applyStoreOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.Store == nil {
		return nil
	}
	if decoded.Store.DatabasePath != nil {
		cfg.DatabasePath = strings.TrimSpace(*decoded.Store.DatabasePath)
	}
	if decoded.Store.StagingDir != nil {
		cfg.StagingDir = strings.TrimSpace(*decoded.Store.StagingDir)
	}
	if decoded.Store.BatchSize != nil {
		if *decoded.Store.BatchSize <= 0 {
			return fmt.Errorf("parse store.batch_size in %q: must be > 0", path)
		}
		cfg.BatchSize = *decoded.Store.BatchSize
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.ShutdownTimeout != nil {
		value, err := parseDuration(*decoded.ShutdownTimeout, "shutdown_timeout", path)
		if err != nil {
			return err
		}
		if value <= 0 {
			return fmt.Errorf("parse shutdown_timeout in %q: must be > 0", path)
		}
		cfg.ShutdownTimeout = value
	}
	return nil
}

// overlayEnv merges [env] entries; booleans and numbers are stored in their
// string form the way a process environment would carry them.
func overlayEnv(cfg *Config, raw map[string]any, path string) error {
	if len(raw) == 0 {
		return nil
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}

	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		name := strings.ToUpper(strings.TrimSpace(key))
		if name == "" {
			return fmt.Errorf("parse env in %q: empty variable name", path)
		}
		switch value := raw[key].(type) {
		case string:
			cfg.Env[name] = value
		case bool, int64, float64:
			cfg.Env[name] = fmt.Sprint(value)
		default:
			return fmt.Errorf("parse env.%s in %q: must be string, bool or number", key, path)
		}
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func normalizeFlags(flags []string) []string {
	out := make([]string, 0, len(flags))
	seen := map[string]bool{}
	for _, flag := range flags {
		flag = strings.ToUpper(strings.TrimSpace(flag))
		if flag == "" || seen[flag] {
			continue
		}
		seen[flag] = true
		out = append(out, flag)
	}
	return out
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
