package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ship-commander/destharness/internal/config"
	"github.com/ship-commander/destharness/internal/connector"
	"github.com/ship-commander/destharness/internal/destination"
	"github.com/ship-commander/destharness/internal/envvars"
	"github.com/ship-commander/destharness/internal/events"
	"github.com/ship-commander/destharness/internal/protocol"
)

const maxInputLineBytes = 16 << 20

type connectorOptions struct {
	configPath   string
	catalogPath  string
	inputPath    string
	artifactPath string
	fileTransfer bool
	featureFlags []string
	timeout      time.Duration
}

func newConnectorCommand(command destination.Command, short string, cfg *config.Config, logger *log.Logger) *cobra.Command {
	opts := connectorOptions{}
	cmd := &cobra.Command{
		Use:   string(command),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConnector(cmd.Context(), command, opts, cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "connector config JSON file (defaults to the [store] config section)")
	flags.StringVar(&opts.catalogPath, "catalog", "", "configured catalog file (YAML or JSON)")
	flags.StringVar(&opts.inputPath, "input", "-", "newline-delimited protocol messages, - for stdin")
	flags.StringVar(&opts.artifactPath, "artifact-path", "", "file-transfer artifact path (defaults to artifact_path)")
	flags.BoolVar(&opts.fileTransfer, "file-transfer", false, "enable file-transfer mode and write the artifact")
	flags.StringSliceVar(&opts.featureFlags, "feature-flag", nil, "feature flag passed to the connector (repeatable)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "how long to wait for the connector after input ends (defaults to shutdown_timeout)")
	return cmd
}

func runConnector(
	ctx context.Context,
	command destination.Command,
	opts connectorOptions,
	cfg *config.Config,
	logger *log.Logger,
	stdin io.Reader,
	stdout io.Writer,
	stderr io.Writer,
) error {
	connectorConfig, err := loadConnectorConfig(opts.configPath, cfg)
	if err != nil {
		return err
	}

	var catalog *protocol.ConfiguredCatalog
	if strings.TrimSpace(opts.catalogPath) != "" {
		catalog, err = protocol.LoadCatalog(opts.catalogPath)
		if err != nil {
			return err
		}
	}

	bus := events.New(events.WithLogger(logger))
	defer bus.Close()
	bus.SubscribeAll(func(event events.Event) {
		logger.Debug("harness event", "type", event.Type, "severity", event.Severity, "entity_id", event.EntityID)
	})

	artifactPath := opts.artifactPath
	if artifactPath == "" {
		artifactPath = cfg.ArtifactPath
	}
	factory := &destination.InProcessFactory{
		Launcher:     connector.New(logger).Launch,
		Env:          envvars.New(cfg.Env),
		ArtifactPath: artifactPath,
		Logger:       logger,
		Bus:          bus,
	}

	harness, err := factory.CreateHarness(command, connectorConfig, catalog, opts.fileTransfer,
		featureFlags(cfg.FeatureFlags, opts.featureFlags)...)
	if err != nil {
		return err
	}
	if err := harness.Run(ctx); err != nil {
		return err
	}

	if command == destination.CommandWrite {
		if err := feedInput(harness, opts.inputPath, stdin); err != nil {
			harness.Kill()
			return err
		}
	}

	timeout := opts.timeout
	if timeout <= 0 {
		timeout = cfg.ShutdownTimeout
	}
	runErr := shutdownWithin(ctx, harness, timeout)

	for _, message := range harness.ReadMessages() {
		line, err := protocol.Serialize(message)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(stdout, line); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}

	if opts.fileTransfer {
		check := &artifactCheck{}
		harness.VerifyFileDeleted(check)
		if check.failed {
			fmt.Fprintf(stderr, "warning: %s\n", check.message)
		}
	}

	var unclean *destination.UncleanExitError
	if errors.As(runErr, &unclean) {
		fmt.Fprintf(stderr, "destination exited with code %d (%d traces, %d states)\n",
			unclean.ExitCode, len(unclean.Traces), len(unclean.States))
	}
	return runErr
}

// shutdownWithin closes input and kills the worker if it outlives timeout.
func shutdownWithin(ctx context.Context, harness *destination.Harness, timeout time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := harness.Shutdown(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		harness.Kill()
		return fmt.Errorf("destination did not exit within %s: %w", timeout, err)
	}
	return err
}

func feedInput(harness *destination.Harness, path string, stdin io.Reader) error {
	reader := stdin
	if path != "" && path != "-" {
		// #nosec G304 -- input path is an explicit operator argument.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer file.Close()
		reader = file
	}
	if reader == nil {
		return nil
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxInputLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := harness.SendRaw(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func loadConnectorConfig(path string, cfg *config.Config) ([]byte, error) {
	if strings.TrimSpace(path) != "" {
		// #nosec G304 -- config path is an explicit operator argument.
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read connector config: %w", err)
		}
		return raw, nil
	}
	if cfg.DatabasePath == "" {
		return nil, errors.New("no connector config: pass --config or set store.database_path")
	}
	raw, err := json.Marshal(connector.Config{
		DatabasePath: cfg.DatabasePath,
		StagingDir:   cfg.StagingDir,
		BatchSize:    cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("encode connector config: %w", err)
	}
	return raw, nil
}

func featureFlags(configured, requested []string) []destination.FeatureFlag {
	seen := map[string]bool{}
	out := make([]destination.FeatureFlag, 0, len(configured)+len(requested))
	for _, flag := range append(append([]string(nil), configured...), requested...) {
		flag = strings.ToUpper(strings.TrimSpace(flag))
		if flag == "" || seen[flag] {
			continue
		}
		seen[flag] = true
		out = append(out, destination.FeatureFlag(flag))
	}
	return out
}

// artifactCheck collects a VerifyFileDeleted failure outside of a test.
type artifactCheck struct {
	failed  bool
	message string
}

func (c *artifactCheck) Errorf(format string, args ...any) {
	c.failed = true
	c.message = strings.Join(strings.Fields(fmt.Sprintf(format, args...)), " ")
}

func (c *artifactCheck) FailNow() {
	c.failed = true
}
