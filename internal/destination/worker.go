package destination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ship-commander/destharness/internal/envvars"
	"github.com/ship-commander/destharness/internal/protocol"
)

// Emitter receives the messages a worker produces.
type Emitter interface {
	Append(message protocol.Message) error
}

// Worker is the connector logic: a blocking loop that reads protocol lines
// from in until end of input and emits its own messages to out.
type Worker interface {
	Run(ctx context.Context, in io.Reader, out Emitter) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, in io.Reader, out Emitter) error

// Run calls f.
func (f WorkerFunc) Run(ctx context.Context, in io.Reader, out Emitter) error {
	return f(ctx, in, out)
}

// LaunchSpec is everything a worker is built from.
type LaunchSpec struct {
	Command      Command
	Config       []byte
	Catalog      *protocol.ConfiguredCatalog
	FeatureFlags []FeatureFlag
	Env          *envvars.Env
}

// HasFlag reports whether flag was requested.
func (s LaunchSpec) HasFlag(flag FeatureFlag) bool {
	for _, candidate := range s.FeatureFlags {
		if candidate == flag {
			return true
		}
	}
	return false
}

// Launcher builds the worker for one harness.
type Launcher func(spec LaunchSpec) (Worker, error)

// ExitError is returned by a worker that terminates abnormally with a status code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connector exited with code %d", e.Code)
	}
	return fmt.Sprintf("connector exited with code %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// UncleanExitError is the failure outcome of a harness whose worker exited
// abnormally. It carries the trace and state messages collected up to the
// failure so a test can diagnose the exit after input is gone.
type UncleanExitError struct {
	ExitCode int
	Traces   []protocol.Message
	States   []protocol.Message
	Err      error
}

func (e *UncleanExitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "destination exited uncleanly with code %d", e.ExitCode)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	fmt.Fprintf(&b, " (traces=%d states=%d)", len(e.Traces), len(e.States))
	for _, trace := range e.Traces {
		if trace.Trace != nil && trace.Trace.Error != nil {
			fmt.Fprintf(&b, "; trace error: %s", trace.Trace.Error.Message)
		}
	}
	return b.String()
}

func (e *UncleanExitError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks against any UncleanExitError.
func (e *UncleanExitError) Is(target error) bool {
	_, ok := target.(*UncleanExitError)
	return ok
}

func exitCodeOf(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}
