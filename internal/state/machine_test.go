package state

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTransitionFollowsLifecycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sequence []State
	}{
		{name: "read compute write", sequence: []State{Running, Completed}},
		{name: "failed while running", sequence: []State{Running, Failed}},
		{name: "timed out while running", sequence: []State{Running, TimedOut}},
		{name: "cancelled while running", sequence: []State{Running, Cancelled}},
		{name: "cancelled before first read", sequence: []State{Cancelled}},
		{name: "timed out before first read", sequence: []State{TimedOut}},
		{name: "failed with no io", sequence: []State{Failed}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			machine, err := NewMachine("task-1")
			if err != nil {
				t.Fatalf("new machine: %v", err)
			}
			for _, next := range tt.sequence {
				if err := machine.Transition(context.Background(), next, "step"); err != nil {
					t.Fatalf("transition to %s: %v", next, err)
				}
			}
			want := tt.sequence[len(tt.sequence)-1]
			if got := machine.Current(); got != want {
				t.Fatalf("current = %s, want %s", got, want)
			}
			select {
			case <-machine.Done():
			default:
				t.Fatal("done channel not closed after terminal transition")
			}
		})
	}
}

func TestTransitionRejectsLeavingTerminalState(t *testing.T) {
	t.Parallel()

	for _, terminal := range []State{Completed, Failed, Cancelled, TimedOut} {
		terminal := terminal
		t.Run(string(terminal), func(t *testing.T) {
			t.Parallel()

			machine, err := NewMachine("task-7")
			if err != nil {
				t.Fatalf("new machine: %v", err)
			}
			if err := machine.Transition(context.Background(), terminal, "first"); err != nil {
				t.Fatalf("first transition: %v", err)
			}

			for _, next := range []State{Running, Completed, Failed, Cancelled, TimedOut} {
				err := machine.Transition(context.Background(), next, "second")
				if !errors.Is(err, &IllegalTransitionError{}) {
					t.Fatalf("%s -> %s err = %v, want IllegalTransitionError", terminal, next, err)
				}
			}
			if got := machine.Current(); got != terminal {
				t.Fatalf("current = %s, want %s", got, terminal)
			}
		})
	}
}

func TestTransitionRejectsIllegalTransitionWithTypedError(t *testing.T) {
	t.Parallel()

	machine, err := NewMachine("task-42")
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if err := machine.Transition(context.Background(), Running, "first read"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	err = machine.Transition(context.Background(), Running, "again")
	var illegalErr *IllegalTransitionError
	if !errors.As(err, &illegalErr) {
		t.Fatalf("error = %T, want *IllegalTransitionError", err)
	}
	if illegalErr.SessionID != "task-42" {
		t.Fatalf("session id = %s, want task-42", illegalErr.SessionID)
	}
	if illegalErr.FromState != Running || illegalErr.ToState != Running {
		t.Fatalf("illegal transition = %s -> %s", illegalErr.FromState, illegalErr.ToState)
	}
	if !strings.Contains(err.Error(), "illegal transition for session lifecycle") {
		t.Fatalf("error text missing reason: %v", err)
	}
}

func TestNewMachineRequiresSessionID(t *testing.T) {
	t.Parallel()

	if _, err := NewMachine("  "); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestConcurrentTerminalTransitionsHaveOneWinner(t *testing.T) {
	t.Parallel()

	machine, err := NewMachine("task-race")
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	targets := []State{Completed, Failed, Cancelled, TimedOut}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []State
	)
	for i := 0; i < 40; i++ {
		target := targets[i%len(targets)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := machine.Transition(context.Background(), target, "race"); err == nil {
				mu.Lock()
				accepted = append(accepted, target)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(accepted) != 1 {
		t.Fatalf("accepted transitions = %v, want exactly one", accepted)
	}
	if machine.Current() != accepted[0] {
		t.Fatalf("current = %s, want %s", machine.Current(), accepted[0])
	}
}

func TestTransitionRecordsTimestampReasonAndNotifiesObservers(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 2, 11, 5, 0, 0, 0, time.UTC)
	var observed []TransitionRecord
	machine, err := NewMachine(
		"task-1",
		WithClock(func() time.Time { return fixed }),
		WithObserver(func(record TransitionRecord) { observed = append(observed, record) }),
	)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	if err := machine.Transition(context.Background(), Running, "first read"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	history := machine.History()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	record := history[0]
	if record.Timestamp != fixed {
		t.Fatalf("timestamp = %s, want %s", record.Timestamp, fixed)
	}
	if record.Reason != "first read" {
		t.Fatalf("reason = %q, want %q", record.Reason, "first read")
	}
	if record.FromState != Initialized || record.ToState != Running {
		t.Fatalf("record = %s -> %s", record.FromState, record.ToState)
	}
	if len(observed) != 1 || observed[0] != record {
		t.Fatalf("observed = %+v, want [%+v]", observed, record)
	}
}

func TestTransitionCreatesSpanWithRequiredAttributes(t *testing.T) {
	t.Parallel()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})

	machine, err := NewMachine("task-7", WithTracer(provider.Tracer("state-test")))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if err := machine.Transition(context.Background(), Cancelled, "SIGTERM"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	span := findTransitionSpan(t, spanRecorder.Ended())
	attrs := attributesToMap(span.Attributes())

	if got := attrs["session_id"]; got != "task-7" {
		t.Fatalf("session_id = %q, want task-7", got)
	}
	if got := attrs["from_state"]; got != string(Initialized) {
		t.Fatalf("from_state = %q, want %q", got, Initialized)
	}
	if got := attrs["to_state"]; got != string(Cancelled) {
		t.Fatalf("to_state = %q, want %q", got, Cancelled)
	}
	if got := attrs["reason"]; got != "SIGTERM" {
		t.Fatalf("reason = %q, want SIGTERM", got)
	}
	if _, ok := attrs["duration_ms"]; !ok {
		t.Fatal("duration_ms attribute missing")
	}
}

func TestIllegalTransitionRecordsErrorAndInvariantEvent(t *testing.T) {
	t.Parallel()

	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
	})

	tracer := provider.Tracer("state-test")
	machine, err := NewMachine("task-9", WithTracer(tracer))
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if err := machine.Transition(context.Background(), Completed, "done"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	parentCtx, parentSpan := tracer.Start(context.Background(), "parent")
	err = machine.Transition(parentCtx, Failed, "late failure")
	parentSpan.End()
	if err == nil {
		t.Fatal("expected transition error, got nil")
	}

	var failedSpan sdktrace.ReadOnlySpan
	for _, span := range spanRecorder.Ended() {
		if span.Name() == "state.transition" && span.Status().Code == codes.Error {
			failedSpan = span
		}
	}
	if failedSpan == nil {
		t.Fatal("error span not found")
	}
	if failedSpan.Parent().SpanID() != parentSpan.SpanContext().SpanID() {
		t.Fatalf("transition span parent = %s, want %s", failedSpan.Parent().SpanID(), parentSpan.SpanContext().SpanID())
	}

	var sawInvariant bool
	for _, event := range failedSpan.Events() {
		if event.Name == "invariant.violation" {
			sawInvariant = true
		}
	}
	if !sawInvariant {
		t.Fatal("expected invariant.violation event on failed transition span")
	}
}

func TestIsAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		want     bool
	}{
		{Initialized, Running, true},
		{Initialized, Completed, true},
		{Running, TimedOut, true},
		{Running, Initialized, false},
		{Completed, Failed, false},
		{State("unknown"), Running, false},
	}
	for _, tt := range tests {
		if got := IsAllowed(tt.from, tt.to); got != tt.want {
			t.Fatalf("IsAllowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func findTransitionSpan(t *testing.T, spans []sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == "state.transition" {
			return span
		}
	}
	t.Fatalf("state.transition span not found in %d spans", len(spans))
	return nil
}

func attributesToMap(attrs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		out[string(attr.Key)] = attr.Value.Emit()
	}
	return out
}
