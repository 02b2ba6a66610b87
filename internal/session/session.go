// Package session is the handle a task body uses to talk to its orchestrator: deadline-gated
// reads and writes over the channel, structured logging, cleanup registration, and the one
// terminal outcome that becomes the process exit code.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/terarium/taskrunner/internal/cancellation"
	"github.com/terarium/taskrunner/internal/channel"
	"github.com/terarium/taskrunner/internal/deadline"
	"github.com/terarium/taskrunner/internal/logging"
	"github.com/terarium/taskrunner/internal/metrics"
	"github.com/terarium/taskrunner/internal/state"
	"github.com/terarium/taskrunner/internal/taskerr"
	"github.com/terarium/taskrunner/internal/telemetry"
	"github.com/terarium/taskrunner/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds reads and writes when no timeout is configured.
const DefaultTimeout = time.Minute

const (
	opRead  = "read"
	opWrite = "write"

	formatBytes      = "bytes"
	formatText       = "text"
	formatStructured = "structured"

	resultOK = "ok"
)

// ErrTerminal is the cause reported for I/O attempted after the outcome was recorded.
var ErrTerminal = errors.New("session already reached a terminal state")

// ErrShutDown is the cause reported for I/O attempted after Shutdown released the session.
var ErrShutDown = errors.New("session was shut down")

// Option configures a Session.
type Option func(*Session)

// WithID sets the task id. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(s *Session) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			s.id = trimmed
		}
	}
}

// WithDescription sets the human-readable task description.
func WithDescription(description string) Option {
	return func(s *Session) {
		s.description = strings.TrimSpace(description)
	}
}

// WithLogger sets the log sink.
func WithLogger(logger *log.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeouts sets the default read and write bounds reported by ReadTimeout and WriteTimeout.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Session) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// WithMetrics records I/O, cleanup, and outcome metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithMetricsTextfile writes the metrics to path on shutdown.
func WithMetricsTextfile(path string) Option {
	return func(s *Session) {
		s.metricsTextfile = strings.TrimSpace(path)
	}
}

// WithLogDropCounter reports the sink's dropped record count into the metrics on shutdown.
func WithLogDropCounter(dropped func() uint64) Option {
	return func(s *Session) {
		s.logDropped = dropped
	}
}

// WithCloser runs fn at the very end of shutdown, after the channel is closed. Closers run in
// registration order.
func WithCloser(fn func() error) Option {
	return func(s *Session) {
		if fn != nil {
			s.closers = append(s.closers, fn)
		}
	}
}

// WithDeferredOutcome leaves the outcome to the session's owner: Shutdown called by the task
// body only releases the session (cleanup, channel close) and never records an outcome. The
// owner decides with Finish and ends the session with Close.
func WithDeferredOutcome() Option {
	return func(s *Session) {
		s.deferOutcome = true
	}
}

// WithTracer configures the tracer used for session spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock replaces time.Now for transition records and the session duration.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// Session is one task invocation. It is safe for concurrent use, but reads and writes are meant
// to be driven by a single task body.
type Session struct {
	id              string
	description     string
	ch              channel.Channel
	logger          *log.Logger
	tracer          trace.Tracer
	now             func() time.Time
	readTimeout     time.Duration
	writeTimeout    time.Duration
	metrics         *metrics.Metrics
	metricsTextfile string
	logDropped      func() uint64
	closers         []func() error
	deferOutcome    bool

	gate     *deadline.Gate
	registry *cancellation.Registry
	machine  *state.Machine

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	outcome   Outcome
	written   []byte
	startedAt time.Time

	releaseOnce sync.Once
	releaseDone chan struct{}
	releaseErr  error
	closeOnce   sync.Once
	closeDone   chan struct{}
	closeErr    error
}

// New builds a session over ch. The session owns ch and closes it on Shutdown.
func New(ch channel.Channel, options ...Option) (*Session, error) {
	if ch == nil {
		return nil, errors.New("channel is nil")
	}

	s := &Session{
		id:           uuid.NewString(),
		ch:           ch,
		tracer:       otel.Tracer("taskrunner/session"),
		now:          time.Now,
		readTimeout:  DefaultTimeout,
		writeTimeout: DefaultTimeout,
		releaseDone:  make(chan struct{}),
		closeDone:    make(chan struct{}),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(s)
	}
	if s.logger == nil {
		sink, err := logging.New(
			context.Background(),
			logging.WithTaskID(s.id),
			logging.WithDescription(s.description),
		)
		if err != nil {
			return nil, fmt.Errorf("create session log sink: %w", err)
		}
		s.logger = sink.Logger
		s.closers = append(s.closers, sink.Close)
		if s.logDropped == nil {
			s.logDropped = sink.Dropped
		}
	}

	machine, err := state.NewMachine(
		s.id,
		state.WithTracer(s.tracer),
		state.WithClock(s.now),
		state.WithObserver(s.logTransition),
	)
	if err != nil {
		return nil, fmt.Errorf("create session state machine: %w", err)
	}
	s.machine = machine
	s.registry = cancellation.NewRegistry(
		cancellation.WithLogger(s.logger),
		cancellation.WithTracer(s.tracer),
		cancellation.WithResultObserver(func(result string) {
			s.metrics.ObserveCleanup(result)
		}),
	)
	s.gate = deadline.NewGate(deadline.WithAbandonHook(s.abandon))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startedAt = s.now()
	return s, nil
}

// ID returns the task id.
func (s *Session) ID() string { return s.id }

// Description returns the task description.
func (s *Session) Description() string { return s.description }

// ReadTimeout returns the configured default read bound.
func (s *Session) ReadTimeout() time.Duration { return s.readTimeout }

// WriteTimeout returns the configured default write bound.
func (s *Session) WriteTimeout() time.Duration { return s.writeTimeout }

// Logger returns the session's log sink.
func (s *Session) Logger() *log.Logger { return s.logger }

// State returns the lifecycle state.
func (s *Session) State() state.State { return s.machine.Current() }

// Done is closed once the outcome is recorded.
func (s *Session) Done() <-chan struct{} { return s.machine.Done() }

// Context is cancelled when the session is cancelled or shut down. Task bodies pass it to their
// own blocking calls.
func (s *Session) Context() context.Context { return s.ctx }

// Outcome returns the recorded outcome. Recorded() is false until one exists.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// ExitCode maps the recorded outcome to a process exit status.
func (s *Session) ExitCode() int {
	return s.Outcome().ExitCode()
}

// Log appends one record to the session log sink. The default sink is asynchronous and never
// blocks on a slow destination; a logger passed with WithLogger writes however it writes.
func (s *Session) Log(message string, keyvals ...any) {
	s.logger.Info(message, keyvals...)
}

// OnCancellation registers cleanup to run once on cancellation or shutdown. It returns false
// when cleanup already ran, in which case cb runs immediately.
func (s *Session) OnCancellation(cb cancellation.Callback) bool {
	return s.registry.OnCancellation(cb)
}

// ReadInputBytes reads one raw input frame.
func (s *Session) ReadInputBytes(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var out []byte
	err := s.read(ctx, formatBytes, timeout, func(frame []byte) error {
		out = frame
		return nil
	})
	return out, err
}

// ReadInputText reads one input frame as UTF-8 text.
func (s *Session) ReadInputText(ctx context.Context, timeout time.Duration) (string, error) {
	var out string
	err := s.read(ctx, formatText, timeout, func(frame []byte) error {
		if !utf8.Valid(frame) {
			return errors.New("input is not valid UTF-8")
		}
		out = string(frame)
		return nil
	})
	return out, err
}

// ReadInputStructured reads one input frame as a JSON object. Numbers decode as json.Number.
func (s *Session) ReadInputStructured(ctx context.Context, timeout time.Duration) (map[string]any, error) {
	var out map[string]any
	err := s.read(ctx, formatStructured, timeout, func(frame []byte) error {
		decoded, err := DecodeStructured(frame)
		if err != nil {
			return err
		}
		out = decoded
		return nil
	})
	return out, err
}

// WriteOutputBytes writes payload as one output frame.
func (s *Session) WriteOutputBytes(ctx context.Context, payload []byte, timeout time.Duration) error {
	return s.write(ctx, formatBytes, timeout, func() ([]byte, error) {
		return payload, nil
	})
}

// WriteOutputText writes text as one output frame.
func (s *Session) WriteOutputText(ctx context.Context, text string, timeout time.Duration) error {
	return s.write(ctx, formatText, timeout, func() ([]byte, error) {
		if !utf8.ValidString(text) {
			return nil, errors.New("output is not valid UTF-8")
		}
		return []byte(text), nil
	})
}

// WriteOutputStructured writes value, which must encode to a JSON object, as one output frame.
func (s *Session) WriteOutputStructured(ctx context.Context, value any, timeout time.Duration) error {
	return s.write(ctx, formatStructured, timeout, func() ([]byte, error) {
		return EncodeStructured(value)
	})
}

// Cancel records a cancelled outcome unless one already exists, interrupts in-flight I/O, and
// fires the cleanup callbacks. It reports whether this call decided the outcome.
func (s *Session) Cancel(ctx context.Context, reason string) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}

	_, recorded := s.record(ctx, Outcome{
		Kind: OutcomeCancelled,
		Err:  taskerr.Cancelled("session", errors.New(reason)),
	}, reason)
	s.cancel()
	s.registry.Trigger(ctx, reason)
	return recorded
}

// Finish records the outcome the task body's caller decided: nil is completed, otherwise the
// error's kind selects failed, timed out, or cancelled. Only the first outcome sticks, and the
// returned value is always the recorded one.
func (s *Session) Finish(ctx context.Context, err error) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	attempted := outcomeFor(err)
	recorded, ok := s.record(ctx, attempted, "task body returned")
	if !ok {
		invariants.CheckSingleOutcome(ctx, "session.finish", string(recorded.Kind), string(attempted.Kind))
	}
	return recorded
}

// Shutdown ends the session: it records a failure if no outcome exists, fires the cleanup
// callbacks if they have not run, closes the channel, writes metrics, and runs the closers.
// With WithDeferredOutcome it only fires the cleanup callbacks and closes the channel, and the
// owner's Close does the rest. Only the first call does the work; every call returns its result.
// ctx bounds the wait, not the work.
func (s *Session) Shutdown(ctx context.Context) error {
	if s.deferOutcome {
		return s.awaitRelease(ctx)
	}
	return s.Close(ctx)
}

// Close is the owner's end of the session. It records Failed with ErrNoOutcome if nobody
// decided the outcome, releases the session if Shutdown has not, then writes metrics and runs
// the closers. It is idempotent, and ctx bounds the wait, not the work.
func (s *Session) Close(ctx context.Context) error {
	return s.await(ctx, &s.closeOnce, s.closeDone, &s.closeErr, s.finalize, nil)
}

// awaitRelease cancels the session context only after the release result is published, so a
// caller whose ctx descends from the session still gets that result.
func (s *Session) awaitRelease(ctx context.Context) error {
	return s.await(ctx, &s.releaseOnce, s.releaseDone, &s.releaseErr, s.release, s.cancel)
}

func (s *Session) await(
	ctx context.Context,
	once *sync.Once,
	done chan struct{},
	result *error,
	work func(context.Context) error,
	then func(),
) error {
	if ctx == nil {
		ctx = context.Background()
	}
	once.Do(func() {
		detached := context.WithoutCancel(ctx)
		go func() {
			*result = work(detached)
			close(done)
			if then != nil {
				then()
			}
		}()
	})

	select {
	case <-done:
		return *result
	case <-ctx.Done():
		select {
		case <-done:
			return *result
		default:
		}
		return taskerr.FromContext("shutdown", ctx.Err())
	}
}

// release fires cleanup and closes the channel without deciding the outcome. awaitRelease
// cancels the session context afterwards.
func (s *Session) release(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session.release", trace.WithAttributes(
		attribute.String("session_id", s.id),
	))
	defer span.End()

	reason := "shutdown"
	if outcome := s.Outcome(); outcome.Recorded() {
		reason = string(outcome.Kind)
	}
	s.registry.Trigger(ctx, reason)

	if err := s.ch.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, telemetry.Redact(err.Error()))
		return err
	}
	span.SetStatus(codes.Ok, "session released")
	return nil
}

func (s *Session) finalize(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "session.shutdown", trace.WithAttributes(
		attribute.String("session_id", s.id),
	))
	defer span.End()

	s.record(ctx, Outcome{Kind: OutcomeFailed, Err: ErrNoOutcome}, "shutdown without outcome")
	outcome := s.Outcome()

	var errs []error
	if err := s.awaitRelease(ctx); err != nil {
		errs = append(errs, err)
	}
	s.cancel()

	s.metrics.ObserveOutcome(string(outcome.Kind))
	s.metrics.ObserveSession(s.startedAt, s.now())
	if s.logDropped != nil {
		s.metrics.AddLogDropped(s.logDropped())
	}
	if err := s.metrics.WriteTextfile(s.metricsTextfile); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("session shut down", "outcome", outcome.Kind, "exit_code", outcome.ExitCode())
	for _, closer := range s.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}

	span.SetAttributes(
		attribute.String("outcome", string(outcome.Kind)),
		attribute.Int("exit_code", outcome.ExitCode()),
	)
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, telemetry.Redact(err.Error()))
	} else {
		span.SetStatus(codes.Ok, "session shut down")
	}
	return err
}

func (s *Session) read(ctx context.Context, format string, timeout time.Duration, decode func([]byte) error) error {
	ctx, release, err := s.begin(ctx, opRead)
	if err != nil {
		return err
	}
	defer release()

	ctx, call := telemetry.StartIO(ctx, s.tracer, telemetry.IORequest{
		Op:        opRead,
		SessionID: s.id,
		Format:    format,
		Timeout:   timeout,
	})
	started := time.Now()
	frame, err := deadline.Run(ctx, s.gate, opRead, timeout, s.ch.ReadFrame)
	if err == nil {
		if decodeErr := decode(frame); decodeErr != nil {
			err = taskerr.Decode(opRead, decodeErr)
		}
	}
	return s.endIO(ctx, call, opRead, started, frame, err)
}

func (s *Session) write(ctx context.Context, format string, timeout time.Duration, encode func() ([]byte, error)) error {
	ctx, release, err := s.begin(ctx, opWrite)
	if err != nil {
		return err
	}
	defer release()

	ctx, call := telemetry.StartIO(ctx, s.tracer, telemetry.IORequest{
		Op:        opWrite,
		SessionID: s.id,
		Format:    format,
		Timeout:   timeout,
	})
	started := time.Now()
	payload, err := encode()
	if err != nil {
		err = taskerr.Decode(opWrite, err)
	} else {
		err = s.gate.Do(ctx, opWrite, timeout, func() error {
			return s.ch.WriteFrame(payload)
		})
	}
	if err == nil {
		s.mu.Lock()
		s.written = payload
		s.mu.Unlock()
	}
	return s.endIO(ctx, call, opWrite, started, payload, err)
}

// begin refuses I/O once an outcome exists or the session was shut down, moves a fresh session to running, and links ctx to
// the session so Cancel interrupts the call.
func (s *Session) begin(ctx context.Context, op string) (context.Context, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome.Recorded() {
		invariants.CheckNoIOAfterTerminal(ctx, "session."+op, op, string(s.outcome.Kind))
		return nil, nil, s.terminalError(op)
	}
	if s.released() {
		return nil, nil, taskerr.Channel(op, ErrShutDown)
	}
	if s.machine.Current() == state.Initialized {
		if err := s.machine.Transition(ctx, state.Running, "first "+op); err != nil {
			return nil, nil, err
		}
	}

	linked, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return linked, func() {
		stop()
		cancel()
	}, nil
}

func (s *Session) endIO(ctx context.Context, call *telemetry.IOCall, op string, started time.Time, payload []byte, err error) error {
	result := resultOK
	if err != nil {
		result = string(taskerr.KindOf(err))
	}
	s.metrics.ObserveIO(op, result, time.Since(started))
	call.End(payload, result, err)
	if err != nil {
		s.record(ctx, outcomeFor(err), op+" failed")
	}
	return err
}

// terminalError must be called with s.mu held.
func (s *Session) terminalError(op string) error {
	switch s.outcome.Kind {
	case OutcomeTimedOut:
		return taskerr.TimedOut(op, ErrTerminal)
	case OutcomeCancelled:
		return taskerr.Cancelled(op, ErrTerminal)
	case OutcomeFailed:
		return taskerr.New(s.outcome.ErrKind(), op, ErrTerminal)
	default:
		return taskerr.Channel(op, ErrTerminal)
	}
}

// record stores o unless an outcome already exists. It returns the stored outcome and whether
// o is the one that was stored.
func (s *Session) record(ctx context.Context, o Outcome, reason string) (Outcome, bool) {
	s.mu.Lock()
	if s.outcome.Recorded() {
		existing := s.outcome
		s.mu.Unlock()
		return existing, false
	}
	if o.Kind == OutcomeCompleted {
		o.Payload = s.written
	}
	s.outcome = o
	err := s.machine.Transition(ctx, o.state(), reason)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("record session outcome", "outcome", o.Kind, "error", err)
	}
	if o.Err != nil {
		s.logger.Error("task did not complete", "outcome", o.Kind, "kind", o.ErrKind(), "error", o.Err.Error())
	} else {
		s.logger.Info("task completed", "output_bytes", len(o.Payload))
	}
	return o, true
}

func (s *Session) released() bool {
	select {
	case <-s.releaseDone:
		return true
	default:
		return s.ctx.Err() != nil
	}
}

func (s *Session) abandon(op string, cause error) {
	s.logger.Warn("abandoning in-flight channel operation", "op", op, "cause", cause)
	s.ch.Abandon(fmt.Sprintf("%s abandoned: %v", op, cause))
}

func (s *Session) logTransition(record state.TransitionRecord) {
	s.logger.Debug(
		"session state changed",
		"from", record.FromState,
		"to", record.ToState,
		"reason", record.Reason,
	)
}

// DecodeStructured parses frame as exactly one JSON object. Invalid UTF-8, duplicate top-level
// keys, and trailing data are rejected.
func DecodeStructured(frame []byte) (map[string]any, error) {
	if !utf8.Valid(frame) {
		return nil, errors.New("input is not valid UTF-8")
	}

	decoder := json.NewDecoder(bytes.NewReader(frame))
	decoder.UseNumber()

	token, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("parse structured input: %w", err)
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("structured input must be a JSON object, got %v", token)
	}

	out := map[string]any{}
	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("parse structured input: %w", err)
		}
		key, ok := token.(string)
		if !ok {
			return nil, fmt.Errorf("parse structured input: unexpected token %v", token)
		}
		if _, exists := out[key]; exists {
			return nil, fmt.Errorf("duplicate key %q in structured input", key)
		}
		var value any
		if err := decoder.Decode(&value); err != nil {
			return nil, fmt.Errorf("parse structured input at key %q: %w", key, err)
		}
		out[key] = value
	}
	if _, err := decoder.Token(); err != nil {
		return nil, fmt.Errorf("parse structured input: %w", err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("structured input has trailing data")
	}
	return out, nil
}

// EncodeStructured renders value as a single-line JSON object without HTML escaping.
func EncodeStructured(value any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return nil, fmt.Errorf("encode structured output: %w", err)
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	if len(out) == 0 || out[0] != '{' {
		return nil, fmt.Errorf("structured output must be a JSON object, got %T", value)
	}
	return out, nil
}
