package state

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ship-commander/destharness/internal/telemetry/invariants"
)

// State is one harness lifecycle state.
type State string

const (
	Created         State = "created"
	Running         State = "running"
	CompletedOK     State = "completed_ok"
	CompletedFailed State = "completed_failed"
	Killed          State = "killed"
)

var allowedTransitions = map[State]map[State]struct{}{
	Created: {
		Running: {},
		Killed:  {},
	},
	Running: {
		CompletedOK:     {},
		CompletedFailed: {},
		Killed:          {},
	},
}

// Option configures Lifecycle construction.
type Option func(*Lifecycle)

// WithTracer configures the tracer used for transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(lifecycle *Lifecycle) {
		if tracer == nil {
			return
		}
		lifecycle.tracer = tracer
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	HarnessID string
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	HarnessID string
	FromState State
	ToState   State
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for harness lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition harness %q from %q to %q: %s",
		e.HarnessID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Lifecycle tracks one harness through CREATED -> RUNNING -> terminal.
type Lifecycle struct {
	harnessID string
	tracer    trace.Tracer
	now       func() time.Time

	mu      sync.Mutex
	current State
	history []TransitionRecord
}

// NewLifecycle builds a lifecycle in the created state.
func NewLifecycle(harnessID string, options ...Option) *Lifecycle {
	lifecycle := &Lifecycle{
		harnessID: strings.TrimSpace(harnessID),
		tracer:    otel.Tracer("destharness/state"),
		now:       time.Now,
		current:   Created,
		history:   []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(lifecycle)
	}
	return lifecycle
}

// Transition moves the lifecycle to toState when legal from the current state.
func (l *Lifecycle) Transition(ctx context.Context, toState State, reason string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	spanCtx, span := l.tracer.Start(ctx, "harness.transition")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	fromState := l.current
	normalizedReason := strings.TrimSpace(reason)
	span.SetAttributes(
		attribute.String("harness_id", l.harnessID),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if !isAllowed(fromState, toState) {
		err := &IllegalTransitionError{
			HarnessID: l.harnessID,
			FromState: fromState,
			ToState:   toState,
		}
		invariants.CheckStateTransitionLegal(spanCtx, "state.Lifecycle.Transition", l.harnessID, string(fromState), string(toState), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	l.current = toState
	l.history = append(l.history, TransitionRecord{
		HarnessID: l.harnessID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: l.now().UTC(),
	})
	span.SetStatus(codes.Ok, "transition applied")
	return nil
}

// Current returns the current state.
func (l *Lifecycle) Current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Terminal reports whether no further transition is possible.
func (l *Lifecycle) Terminal() bool {
	return IsTerminal(l.Current())
}

// History returns transition records captured so far.
func (l *Lifecycle) History() []TransitionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TransitionRecord, len(l.history))
	copy(out, l.history)
	return out
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s State) bool {
	return len(allowedTransitions[s]) == 0
}

func isAllowed(fromState, toState State) bool {
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
