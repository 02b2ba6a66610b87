package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/terarium/taskrunner/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is one step of the task session lifecycle.
type State string

const (
	Initialized State = "initialized"
	Running     State = "running"
	Completed   State = "completed"
	Failed      State = "failed"
	Cancelled   State = "cancelled"
	TimedOut    State = "timed_out"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled, TimedOut:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[State]map[State]struct{}{
	Initialized: {
		Running:   {},
		Completed: {},
		Failed:    {},
		Cancelled: {},
		TimedOut:  {},
	},
	Running: {
		Completed: {},
		Failed:    {},
		Cancelled: {},
		TimedOut:  {},
	},
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithClock replaces the clock used for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now == nil {
			return
		}
		machine.now = now
	}
}

// WithObserver registers a callback invoked after every accepted transition.
func WithObserver(observer Observer) Option {
	return func(machine *Machine) {
		if observer == nil {
			return
		}
		machine.observers = append(machine.observers, observer)
	}
}

// Observer is notified of accepted transitions, in order, outside the machine lock.
type Observer func(TransitionRecord)

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	FromState State
	ToState   State
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for session lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: %s",
		e.SessionID,
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

// Machine tracks one session's lifecycle. It is safe for concurrent use; the first terminal
// transition wins and every later one is rejected.
type Machine struct {
	sessionID string
	tracer    trace.Tracer
	now       func() time.Time
	observers []Observer

	mu      sync.Mutex
	current State
	history []TransitionRecord
	done    chan struct{}
}

// NewMachine builds a lifecycle machine in the initialized state.
func NewMachine(sessionID string, options ...Option) (*Machine, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}

	machine := &Machine{
		sessionID: sessionID,
		tracer:    otel.Tracer("taskrunner/state"),
		now:       time.Now,
		current:   Initialized,
		history:   []TransitionRecord{},
		done:      make(chan struct{}),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine, nil
}

// Current returns the present state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Done is closed once a terminal state is reached.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Transition moves the machine from its current state to toState.
func (m *Machine) Transition(ctx context.Context, toState State, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	m.mu.Lock()
	fromState := m.current
	span.SetAttributes(
		attribute.String("session_id", m.sessionID),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if !IsAllowed(fromState, toState) {
		m.mu.Unlock()
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			m.sessionID,
			string(fromState),
			string(toState),
			false,
		)
		err := &IllegalTransitionError{
			SessionID: m.sessionID,
			FromState: fromState,
			ToState:   toState,
			Reason:    "illegal transition for session lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		SessionID: m.sessionID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	}
	m.current = toState
	m.history = append(m.history, record)
	if toState.Terminal() {
		close(m.done)
	}
	m.mu.Unlock()

	for _, observer := range m.observers {
		observer(record)
	}
	span.SetStatus(codes.Ok, "state transition recorded")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// IsAllowed reports whether the lifecycle permits fromState -> toState.
func IsAllowed(fromState, toState State) bool {
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
