// Package destination drives a destination connector through its
// stdin/stdout protocol. The in-process Harness runs the connector on a
// dedicated execution lane inside the test binary and reproduces the
// observable contract of a supervised subprocess: ordered input, collected
// output, graceful shutdown on end of input, and forced kill.
package destination

import (
	"context"
	"errors"

	"github.com/stretchr/testify/require"

	"github.com/ship-commander/destharness/internal/completion"
	"github.com/ship-commander/destharness/internal/protocol"
)

// Command is the connector entrypoint to run.
type Command string

const (
	CommandCheck Command = "check"
	CommandWrite Command = "write"
)

// FeatureFlag toggles connector behavior the way deployment flags would.
type FeatureFlag string

const (
	// FeatureFlagCloudDeployment marks the worker as running in a cloud deployment.
	FeatureFlagCloudDeployment FeatureFlag = "AIRBYTE_CLOUD_DEPLOYMENT"
	// FeatureFlagFileTransferEnabled allows records to carry file references.
	FeatureFlagFileTransferEnabled FeatureFlag = "AIRBYTE_FILE_TRANSFER_ENABLED"
)

var (
	// ErrAlreadyStarted is returned by a second Run.
	ErrAlreadyStarted = errors.New("destination already started")
	// ErrNotStarted is returned by Shutdown or Wait before Run.
	ErrNotStarted = errors.New("destination not started")
	// ErrKilled is the outcome of a harness ended by Kill.
	ErrKilled = completion.ErrKilled
)

// Process is the process-like boundary a test suite drives. The in-process
// Harness implements it; a containerised backend would implement the same
// contract.
type Process interface {
	// Run starts the connector and returns once it is scheduled.
	Run(ctx context.Context) error
	// SendMessage writes one serialized protocol message to connector input.
	SendMessage(message protocol.Message) error
	// SendRaw writes one unvalidated line, for malformed-input scenarios.
	SendRaw(line string) error
	// ReadMessages returns every message the connector produced so far.
	ReadMessages() []protocol.Message
	// Shutdown closes connector input and waits for the connector to exit.
	Shutdown(ctx context.Context) error
	// Wait blocks until the connector exits without closing input.
	Wait(ctx context.Context) error
	// Kill terminates the connector without waiting.
	Kill()
	// VerifyFileDeleted fails t if the file-transfer artifact still exists.
	VerifyFileDeleted(t require.TestingT)
}

// Factory builds processes for one connector.
type Factory interface {
	Create(
		command Command,
		config []byte,
		catalog *protocol.ConfiguredCatalog,
		useFileTransfer bool,
		flags ...FeatureFlag,
	) (Process, error)
}
