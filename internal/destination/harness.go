package destination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/destharness/internal/completion"
	"github.com/ship-commander/destharness/internal/events"
	"github.com/ship-commander/destharness/internal/executor"
	"github.com/ship-commander/destharness/internal/logging"
	"github.com/ship-commander/destharness/internal/metrics"
	"github.com/ship-commander/destharness/internal/pipe"
	"github.com/ship-commander/destharness/internal/protocol"
	"github.com/ship-commander/destharness/internal/results"
	"github.com/ship-commander/destharness/internal/state"
	"github.com/ship-commander/destharness/internal/telemetry/invariants"
)

// DefaultArtifactPath is where the file-transfer artifact is written.
const DefaultArtifactPath = "/tmp/test_file"

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the harness logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Harness) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus events.Bus) Option {
	return func(h *Harness) {
		h.bus = bus
	}
}

// WithTracer sets the tracer for run, shutdown and kill spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(h *Harness) {
		if tracer != nil {
			h.tracer = tracer
		}
	}
}

// WithArtifactPath overrides the file-transfer artifact path checked by
// VerifyFileDeleted.
func WithArtifactPath(path string) Option {
	return func(h *Harness) {
		if strings.TrimSpace(path) != "" {
			h.artifactPath = path
		}
	}
}

// WithID overrides the generated harness ID.
func WithID(id string) Option {
	return func(h *Harness) {
		if strings.TrimSpace(id) != "" {
			h.id = strings.TrimSpace(id)
		}
	}
}

// Harness runs one worker in-process behind the Process contract.
//
// Input flows through a pipe the worker reads line by line. Output lands in a
// collector the harness owns. The worker runs on its own execution lane and
// the lifecycle ends exactly once, either when the worker returns or when
// Kill forces it.
type Harness struct {
	id           string
	command      Command
	worker       Worker
	artifactPath string

	input     *pipe.Pipe
	results   *results.Collector
	done      *completion.Signal
	lane      *executor.Lane
	lifecycle *state.Lifecycle

	logger *log.Logger
	bus    events.Bus
	tracer trace.Tracer

	mu        sync.Mutex
	startedAt time.Time
}

var _ Process = (*Harness)(nil)

// NewHarness wires a harness around worker. The worker does not run until Run.
func NewHarness(command Command, worker Worker, options ...Option) (*Harness, error) {
	if worker == nil {
		return nil, errors.New("worker is required")
	}
	if strings.TrimSpace(string(command)) == "" {
		return nil, errors.New("command is required")
	}

	h := &Harness{
		id:           uuid.NewString(),
		command:      command,
		worker:       worker,
		artifactPath: DefaultArtifactPath,
		input:        pipe.New(),
		results:      results.New(),
		done:         completion.New(),
		logger:       logging.Discard(),
		tracer:       otel.Tracer("destharness/destination"),
	}
	for _, option := range options {
		if option != nil {
			option(h)
		}
	}
	h.logger = h.logger.With("harness_id", h.id, "command", string(h.command))
	h.lifecycle = state.NewLifecycle(h.id, state.WithTracer(h.tracer))
	h.lane = executor.New("destination-"+h.id, executor.WithPanicHandler(func(p *executor.PanicError) {
		h.logger.Error("worker panicked", "panic", fmt.Sprint(p.Value))
		h.finish(context.Background(), p)
	}))
	return h, nil
}

// ID returns the harness identifier.
func (h *Harness) ID() string {
	return h.id
}

// State returns the current lifecycle state.
func (h *Harness) State() state.State {
	return h.lifecycle.Current()
}

// ArtifactPath returns the file-transfer artifact path.
func (h *Harness) ArtifactPath() string {
	return h.artifactPath
}

// Run schedules the worker and returns without waiting for it.
func (h *Harness) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := h.tracer.Start(ctx, "harness.run", trace.WithAttributes(
		attribute.String("harness_id", h.id),
		attribute.String("command", string(h.command)),
	))
	defer span.End()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch current := h.lifecycle.Current(); current {
	case state.Created:
	case state.Killed:
		span.SetStatus(codes.Error, "killed before start")
		return ErrKilled
	default:
		span.SetStatus(codes.Error, "already started")
		return fmt.Errorf("%w: state %s", ErrAlreadyStarted, current)
	}

	if err := h.lifecycle.Transition(ctx, state.Running, "run requested"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("start %s worker: %w", h.command, err)
	}
	h.startedAt = time.Now()

	if err := h.lane.Submit(h.execute); err != nil {
		h.logger.Error("schedule worker", "error", err)
		_ = h.lifecycle.Transition(ctx, state.CompletedFailed, "schedule failed")
		h.done.Complete(completion.Outcome{Kind: completion.Failed, Err: &UncleanExitError{ExitCode: 1, Err: err}})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("start %s worker: %w", h.command, err)
	}

	metrics.HarnessStartedTotal.WithLabelValues(string(h.command)).Inc()
	h.publishTransition(state.Created, state.Running)
	h.logger.Info("worker started")
	return nil
}

// SendMessage serializes message and writes it as one input line.
func (h *Harness) SendMessage(message protocol.Message) error {
	line, err := protocol.Serialize(message)
	if err != nil {
		return fmt.Errorf("send %s message: %w", message.Type, err)
	}
	return h.send(line, "message")
}

// SendRaw writes line verbatim. Invalid protocol lines are delivered as-is.
func (h *Harness) SendRaw(line string) error {
	return h.send(line, "raw")
}

func (h *Harness) send(line, kind string) error {
	if err := h.input.WriteLine(line); err != nil {
		return fmt.Errorf("write %s worker input: %w", h.command, err)
	}
	metrics.MessagesSentTotal.WithLabelValues(string(h.command), kind).Inc()
	return nil
}

// ReadMessages returns a snapshot of every collected message, in emission order.
func (h *Harness) ReadMessages() []protocol.Message {
	return h.results.Messages()
}

// ReadNewMessages returns the messages collected since the previous call.
func (h *Harness) ReadNewMessages() []protocol.Message {
	return h.results.NewMessages()
}

// Shutdown closes worker input and blocks until the lifecycle ends or ctx
// is done. It returns nil for a clean exit, an *UncleanExitError for an
// abnormal one and ErrKilled after Kill.
func (h *Harness) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := h.tracer.Start(ctx, "harness.shutdown", trace.WithAttributes(
		attribute.String("harness_id", h.id),
	))
	defer span.End()

	if err := h.input.CloseWrite(); err != nil {
		return fmt.Errorf("close %s worker input: %w", h.command, err)
	}
	h.publish(events.EventTypeInputClosed, events.SeverityInfo, nil)

	if h.lifecycle.Current() == state.Created {
		span.SetStatus(codes.Error, ErrNotStarted.Error())
		return ErrNotStarted
	}

	err := h.await(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Wait blocks until the lifecycle ends or ctx is done, without closing input.
func (h *Harness) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if h.lifecycle.Current() == state.Created {
		return ErrNotStarted
	}
	return h.await(ctx)
}

func (h *Harness) await(ctx context.Context) error {
	outcome, err := h.done.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for %s worker: %w", h.command, err)
	}
	return outcome.Error()
}

// Kill ends the lifecycle immediately. Input is interrupted, the worker's
// context is cancelled and the collector stops accepting output. Kill after
// completion only releases the execution lane.
func (h *Harness) Kill() {
	ctx, span := h.tracer.Start(context.Background(), "harness.kill", trace.WithAttributes(
		attribute.String("harness_id", h.id),
	))
	defer span.End()

	h.mu.Lock()
	from := h.lifecycle.Current()
	killed := false
	if !state.IsTerminal(from) {
		if err := h.lifecycle.Transition(ctx, state.Killed, "kill requested"); err == nil {
			killed = true
		} else {
			h.logger.Warn("kill transition rejected", "error", err)
		}
	}
	startedAt := h.startedAt
	h.mu.Unlock()

	dropped := h.lane.ShutdownNow()
	span.SetAttributes(attribute.Bool("killed", killed), attribute.Int("dropped_tasks", dropped))
	if !killed {
		return
	}

	h.input.Interrupt(pipe.ErrInterrupted)
	h.results.Seal()
	completed := h.done.Complete(completion.Outcome{Kind: completion.Killed, Err: ErrKilled})
	if invariants.CheckSingleCompletion(ctx, "destination.Harness.Kill", h.id, string(completion.Killed), completed) {
		h.observe(completion.Killed, startedAt)
	}
	h.publishTransition(from, state.Killed)
	h.publish(events.EventTypeWorkerKilled, events.SeverityWarn, map[string]any{
		"from_state": string(from),
		"collected":  h.results.Len(),
	})
	h.logger.Warn("worker killed", "from_state", string(from), "collected", h.results.Len())
}

// VerifyFileDeleted fails t when the file-transfer artifact still exists.
func (h *Harness) VerifyFileDeleted(t require.TestingT) {
	if helper, ok := t.(interface{ Helper() }); ok {
		helper.Helper()
	}
	require.NoFileExists(t, h.artifactPath, "file-transfer artifact was not consumed by the worker")
}

func (h *Harness) execute(ctx context.Context) {
	err := h.worker.Run(ctx, h.input, h.results)
	h.finish(ctx, err)
}

// finish records the worker result and releases the lane. It is a no-op for
// the lifecycle when Kill already ended it.
func (h *Harness) finish(ctx context.Context, runErr error) {
	outcome := h.outcomeFor(runErr)
	target := state.CompletedOK
	reason := "worker returned"
	if outcome.Kind == completion.Failed {
		target = state.CompletedFailed
		reason = "worker exited uncleanly"
	}

	h.mu.Lock()
	transitioned := false
	if !h.lifecycle.Terminal() {
		transitioned = h.lifecycle.Transition(context.WithoutCancel(ctx), target, reason) == nil
	}
	startedAt := h.startedAt
	h.mu.Unlock()

	h.lane.Shutdown()
	if !transitioned {
		return
	}

	completed := h.done.Complete(outcome)
	if invariants.CheckSingleCompletion(ctx, "destination.Harness.finish", h.id, string(outcome.Kind), completed) {
		h.observe(outcome.Kind, startedAt)
	}
	h.publishTransition(state.Running, target)

	severity := events.SeverityInfo
	if outcome.Kind == completion.Failed {
		severity = events.SeverityError
	}
	h.publish(events.EventTypeWorkerExit, severity, map[string]any{
		"outcome":   string(outcome.Kind),
		"exit_code": exitCodeFor(outcome),
	})
	if outcome.Kind == completion.Failed {
		h.logger.Error("worker exited uncleanly", "error", outcome.Err)
		return
	}
	h.logger.Info("worker exited", "collected", h.results.Len())
}

func (h *Harness) outcomeFor(runErr error) completion.Outcome {
	if runErr == nil {
		return completion.Outcome{Kind: completion.OK}
	}
	return completion.Outcome{
		Kind: completion.Failed,
		Err: &UncleanExitError{
			ExitCode: exitCodeOf(runErr),
			Traces:   h.results.Traces(),
			States:   h.results.States(),
			Err:      runErr,
		},
	}
}

func exitCodeFor(outcome completion.Outcome) int {
	var unclean *UncleanExitError
	if errors.As(outcome.Err, &unclean) {
		return unclean.ExitCode
	}
	return 0
}

func (h *Harness) observe(kind completion.OutcomeKind, startedAt time.Time) {
	metrics.HarnessCompletedTotal.WithLabelValues(string(h.command), string(kind)).Inc()
	if !startedAt.IsZero() {
		metrics.WorkerRunSeconds.WithLabelValues(string(h.command), string(kind)).Observe(time.Since(startedAt).Seconds())
	}
}

func (h *Harness) publishTransition(from, to state.State) {
	h.publish(events.EventTypeStateTransition, events.SeverityInfo, map[string]any{
		"from_state": string(from),
		"to_state":   string(to),
	})
}

func (h *Harness) publish(eventType, severity string, payload any) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(events.Event{
		Type:       eventType,
		EntityType: "harness",
		EntityID:   h.id,
		Payload:    payload,
		Severity:   severity,
	})
}
