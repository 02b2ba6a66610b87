// Package cancellation collects cleanup callbacks and runs them once when a task is cancelled.
package cancellation

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Callback releases resources held by a task body. A returned error is logged and the
// remaining callbacks still run.
type Callback func() error

// Callback results reported to the result observer.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultPanic = "panic"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger callback failures are reported to.
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer configures the tracer used for the cancellation.trigger span.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Registry) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithResultObserver receives one of the Result* values per callback run.
func WithResultObserver(observer func(result string)) Option {
	return func(r *Registry) {
		r.onResult = observer
	}
}

// Registry holds the callbacks of one session. All methods are safe for concurrent use.
type Registry struct {
	logger   *log.Logger
	tracer   trace.Tracer
	onResult func(result string)

	mu        sync.Mutex
	callbacks []Callback
	fired     bool
	reason    string
	done      chan struct{}
}

// NewRegistry builds an empty registry.
func NewRegistry(options ...Option) *Registry {
	registry := &Registry{
		logger: log.Default(),
		tracer: otel.Tracer("taskrunner/cancellation"),
		done:   make(chan struct{}),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(registry)
	}
	return registry
}

// OnCancellation registers cb. It returns false when the registry already fired, in which case
// cb runs immediately on the calling goroutine so a late cleanup is never lost.
func (r *Registry) OnCancellation(cb Callback) bool {
	if cb == nil {
		return !r.Fired()
	}

	r.mu.Lock()
	if !r.fired {
		r.callbacks = append(r.callbacks, cb)
		r.mu.Unlock()
		return true
	}
	reason := r.reason
	r.mu.Unlock()

	r.logger.Warn("cleanup registered after cancellation; running immediately", "reason", reason)
	r.run(context.Background(), -1, cb)
	return false
}

// Trigger runs every registered callback in registration order. Only the first call fires;
// it returns true for that call and false for every later or concurrent one. A losing call
// returns once the callbacks have finished or ctx ends, whichever comes first.
func (r *Registry) Trigger(ctx context.Context, reason string) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}

	r.mu.Lock()
	if r.fired {
		r.mu.Unlock()
		select {
		case <-r.done:
		case <-ctx.Done():
		}
		return false
	}
	r.fired = true
	r.reason = reason
	callbacks := r.callbacks
	r.callbacks = nil
	r.mu.Unlock()
	defer close(r.done)

	started := time.Now()
	ctx, span := r.tracer.Start(ctx, "cancellation.trigger")
	defer span.End()
	span.SetAttributes(
		attribute.String("reason", reason),
		attribute.Int("callbacks", len(callbacks)),
	)

	failures := 0
	for index, cb := range callbacks {
		if !r.run(ctx, index, cb) {
			failures++
		}
	}

	span.SetAttributes(
		attribute.Int("failures", failures),
		attribute.Int64("duration_ms", time.Since(started).Milliseconds()),
	)
	if failures > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d cleanup callbacks failed", failures))
	} else {
		span.SetStatus(codes.Ok, "cleanup complete")
	}
	return true
}

// Fired reports whether Trigger has run.
func (r *Registry) Fired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired
}

// Reason returns the reason passed to the call of Trigger that fired.
func (r *Registry) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Len returns the number of callbacks waiting to run.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks)
}

func (r *Registry) run(ctx context.Context, index int, cb Callback) (ok bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			ok = false
			r.logger.Error(
				"cleanup callback panicked",
				"index", index,
				"panic", fmt.Sprint(recovered),
				"stack", string(debug.Stack()),
			)
			trace.SpanFromContext(ctx).AddEvent("cleanup.panic", trace.WithAttributes(attribute.Int("index", index)))
			r.observe(ResultPanic)
		}
	}()

	if err := cb(); err != nil {
		r.logger.Error("cleanup callback failed", "index", index, "err", err)
		trace.SpanFromContext(ctx).RecordError(err)
		r.observe(ResultError)
		return false
	}
	r.observe(ResultOK)
	return true
}

func (r *Registry) observe(result string) {
	if r.onResult != nil {
		r.onResult(result)
	}
}
