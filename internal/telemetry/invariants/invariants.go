package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantStateTransitionLegal requires harness transitions to follow the lifecycle graph.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantSingleCompletion requires exactly one outcome per harness lifecycle.
	InvariantSingleCompletion = "single_completion"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation event on the active span.
// Without an active span a short synthetic span carries the event.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", normalizeSeverity(severity)),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}

	keys := make([]string, 0, len(details.Additional))
	for key := range details.Additional {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if value := strings.TrimSpace(details.Additional[key]); value != "" {
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	_, synthetic := otel.Tracer("destharness/invariants").Start(ctx, "invariant.violation")
	defer synthetic.End()
	synthetic.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(ctx context.Context, whereDetected, harnessID, fromState, toState string, legal bool) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "harness transition follows the lifecycle graph",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for harness=%s from=%s to=%s", harnessID, fromState, toState),
		Additional: map[string]string{
			"harness_id": harnessID,
			"from_state": fromState,
			"to_state":   toState,
		},
	})
	return false
}

// CheckSingleCompletion validates the single_completion invariant. completed
// reports whether the signal accepted the outcome after a lifecycle transition
// claimed it.
func CheckSingleCompletion(ctx context.Context, whereDetected, harnessID, outcome string, completed bool) bool {
	if completed {
		return true
	}
	InvariantViolation(ctx, InvariantSingleCompletion, SeverityError, ViolationDetails{
		WhatInvariant: "a harness lifecycle completes exactly once",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("outcome %s arrived after the signal was already completed", outcome),
		Additional: map[string]string{
			"harness_id": harnessID,
			"outcome":    outcome,
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	if strings.ToLower(strings.TrimSpace(value)) == SeverityWarn {
		return SeverityWarn
	}
	return SeverityError
}
