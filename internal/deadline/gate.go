// Package deadline bounds blocking operations in time.
//
// An operation runs on its own goroutine and races a timer and the caller's context. When the
// timer or the context wins, the operation is abandoned: the gate stops waiting for it and
// reports the expiry, and the abandon hook gets the chance to unblock or poison whatever the
// operation was using. The gate never waits past the deadline for the operation to notice.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/terarium/taskrunner/internal/taskerr"
)

// Indefinite disables the timer. Only the context can then end the wait.
const Indefinite time.Duration = -1

var (
	// ErrBudgetExhausted is the cause reported for a zero timeout.
	ErrBudgetExhausted = errors.New("deadline budget exhausted before operation started")
	// ErrDeadlineExceeded is the cause reported when the timer fires first.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// AbandonFunc is invoked once for every operation the gate stops waiting on.
type AbandonFunc func(op string, cause error)

// Option configures a Gate.
type Option func(*Gate)

// WithAbandonHook registers the callback run when an operation is abandoned.
func WithAbandonHook(hook AbandonFunc) Option {
	return func(g *Gate) {
		g.onAbandon = hook
	}
}

// WithClock replaces the clock used to judge late completions.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// Gate applies per-call deadlines. A Gate holds no per-call state, so each call gets its own
// bound and an expired call never shortens or extends the next one.
type Gate struct {
	onAbandon AbandonFunc
	now       func() time.Time
}

// NewGate builds a deadline gate.
func NewGate(options ...Option) *Gate {
	gate := &Gate{now: time.Now}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(gate)
	}
	return gate
}

// Do runs fn under timeout. See Run for the timeout semantics.
func (g *Gate) Do(ctx context.Context, op string, timeout time.Duration, fn func() error) error {
	_, err := Run(ctx, g, op, timeout, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Run executes fn with a bound of timeout:
//   - timeout > 0 waits at most timeout;
//   - timeout == 0 reports TimedOut without starting fn;
//   - timeout < 0 (Indefinite) waits until fn returns or ctx ends.
//
// An fn that returns after its bound elapsed is reported as TimedOut even if it succeeded.
func Run[T any](ctx context.Context, g *Gate, op string, timeout time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if g == nil {
		g = NewGate()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return zero, taskerr.FromContext(op, err)
	}
	if timeout == 0 {
		return zero, taskerr.TimedOut(op, ErrBudgetExhausted)
	}

	type result struct {
		value      T
		err        error
		finishedAt time.Time
	}

	started := g.now()
	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if recovered := recover(); recovered != nil {
				res = result{err: fmt.Errorf("%s panicked: %v", op, recovered)}
			}
			res.finishedAt = g.now()
			done <- res
		}()
		res.value, res.err = fn()
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-done:
		if timeout > 0 && res.finishedAt.Sub(started) > timeout {
			return zero, taskerr.TimedOut(op, fmt.Errorf("%w after %s", ErrDeadlineExceeded, timeout))
		}
		return res.value, res.err
	case <-expired:
		cause := fmt.Errorf("%w after %s", ErrDeadlineExceeded, timeout)
		g.abandon(op, cause)
		return zero, taskerr.TimedOut(op, cause)
	case <-ctx.Done():
		err := taskerr.FromContext(op, ctx.Err())
		g.abandon(op, err)
		return zero, err
	}
}

func (g *Gate) abandon(op string, cause error) {
	if g.onAbandon != nil {
		g.onAbandon(op, cause)
	}
}
