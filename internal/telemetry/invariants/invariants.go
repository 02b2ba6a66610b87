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
	// InvariantStateTransitionLegal requires session transitions to follow the lifecycle state machine.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantNoIOAfterTerminal forbids channel reads and writes once an outcome is recorded.
	InvariantNoIOAfterTerminal = "no_io_after_terminal"
	// InvariantSingleOutcome requires exactly one terminal outcome per session.
	InvariantSingleOutcome = "single_outcome"
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
	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	_, temporarySpan := otel.Tracer("taskrunner/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(ctx context.Context, whereDetected, sessionID, fromState, toState string, legal bool) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "session lifecycle transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for session=%s from=%s to=%s", sessionID, fromState, toState),
		Additional: map[string]string{
			"session_id": sessionID,
			"from_state": fromState,
			"to_state":   toState,
		},
	})
	return false
}

// CheckNoIOAfterTerminal validates the no_io_after_terminal invariant. terminalState is
// empty while the session is still live.
func CheckNoIOAfterTerminal(ctx context.Context, whereDetected, op, terminalState string) bool {
	if strings.TrimSpace(terminalState) == "" {
		return true
	}
	InvariantViolation(ctx, InvariantNoIOAfterTerminal, SeverityWarn, ViolationDetails{
		WhatInvariant: "no channel I/O after the session outcome is recorded",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("%s attempted in terminal state %s", op, terminalState),
		Additional: map[string]string{
			"op":    op,
			"state": terminalState,
		},
	})
	return false
}

// CheckSingleOutcome validates the single_outcome invariant when a second outcome is offered.
func CheckSingleOutcome(ctx context.Context, whereDetected, recorded, attempted string) bool {
	if strings.TrimSpace(recorded) == "" || recorded == attempted {
		return true
	}
	InvariantViolation(ctx, InvariantSingleOutcome, SeverityWarn, ViolationDetails{
		WhatInvariant: "a session records exactly one outcome",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("outcome %s already recorded, ignoring %s", recorded, attempted),
		Additional: map[string]string{
			"recorded":  recorded,
			"attempted": attempted,
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
