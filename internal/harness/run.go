// Package harness runs one task body inside one session and turns whatever happens into a
// process exit code.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/terarium/taskrunner/internal/cancellation"
	"github.com/terarium/taskrunner/internal/channel"
	"github.com/terarium/taskrunner/internal/session"
	"github.com/terarium/taskrunner/internal/taskerr"
)

const (
	// DefaultCancelGracePeriod is how long a body may keep running after the outcome is decided.
	// It stays below the orchestrator's ten second SIGKILL escalation.
	DefaultCancelGracePeriod = 5 * time.Second
	// DefaultShutdownTimeout bounds the wait for session shutdown.
	DefaultShutdownTimeout = 5 * time.Second
)

// ErrNilBody is the failure recorded when Run is given no body.
var ErrNilBody = errors.New("task body is nil")

// Options configures Run.
type Options struct {
	// Channel carries the input and output frames. The session closes it.
	Channel channel.Channel
	// Session options, applied in order. Run owns the outcome, so a body's own Shutdown only
	// releases the session.
	Session []session.Option
	// Signals that cancel the session. Defaults to cancellation.DefaultSignals.
	Signals           []os.Signal
	CancelGracePeriod time.Duration
	ShutdownTimeout   time.Duration
	// Stderr receives diagnostics that cannot go to the session log. Defaults to os.Stderr.
	Stderr io.Writer
}

func (o Options) withDefaults() Options {
	if len(o.Signals) == 0 {
		o.Signals = cancellation.DefaultSignals
	}
	if o.CancelGracePeriod <= 0 {
		o.CancelGracePeriod = DefaultCancelGracePeriod
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

// Run executes body in a fresh session and returns the exit code for its outcome. It is the only
// place where a body's error, a panic, a signal, or a cancelled ctx becomes an outcome. Run
// never exits the process.
func Run(ctx context.Context, body Body, opts Options) int {
	if ctx == nil {
		ctx = context.Background()
	}
	opts = opts.withDefaults()
	if opts.Channel == nil {
		fmt.Fprintln(opts.Stderr, "taskrunner: no channel configured")
		return session.ExitChannel
	}

	sessionOptions := append([]session.Option{session.WithDeferredOutcome()}, opts.Session...)
	s, err := session.New(opts.Channel, sessionOptions...)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "taskrunner: create session: %v\n", err)
		_ = opts.Channel.Close()
		return session.ExitTaskBody
	}
	detached := context.WithoutCancel(ctx)

	stopSignals := cancellation.Listen(ctx, func(sig os.Signal) {
		s.Log("cancellation signal received", "signal", sig.String())
		s.Cancel(detached, "signal "+sig.String())
	}, opts.Signals...)
	defer stopSignals()

	stopParent := context.AfterFunc(ctx, func() {
		s.Cancel(detached, fmt.Sprintf("context ended: %v", context.Cause(ctx)))
	})
	defer stopParent()

	bodyCtx, cancelBody := context.WithCancel(ctx)
	defer cancelBody()
	stopBody := context.AfterFunc(s.Context(), cancelBody)
	defer stopBody()

	if body == nil {
		s.Finish(detached, ErrNilBody)
	} else {
		wait(detached, s, runBody(bodyCtx, body, s), opts.CancelGracePeriod)
	}

	shutdownCtx, cancel := context.WithTimeout(detached, opts.ShutdownTimeout)
	defer cancel()
	if err := s.Close(shutdownCtx); err != nil {
		fmt.Fprintf(opts.Stderr, "taskrunner: shutdown task %s: %v\n", s.ID(), err)
	}
	return s.ExitCode()
}

func runBody(ctx context.Context, body Body, s *session.Session) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- taskerr.TaskBody(fmt.Errorf("task body panicked: %v", recovered))
			}
		}()
		done <- body.Run(ctx, s)
	}()
	return done
}

// wait hands the body's result to the session. When an outcome is decided first, or the session
// is cancelled or shut down under the body, the body gets grace to return before it is abandoned
// on its goroutine.
func wait(ctx context.Context, s *session.Session, done <-chan error, grace time.Duration) {
	select {
	case err := <-done:
		s.Finish(ctx, err)
		return
	case <-s.Done():
	case <-s.Context().Done():
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-done:
		s.Finish(ctx, err)
	case <-timer.C:
		s.Logger().Warn("task body still running after grace period; abandoning it",
			"grace", grace.String(),
			"outcome", s.Outcome().Kind,
		)
	}
}
