// Package taskerr defines the failure taxonomy shared by the channel, deadline gate,
// session, and harness packages.
package taskerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies why a task session failed.
type Kind string

const (
	// KindChannel is an I/O failure on the underlying byte stream.
	KindChannel Kind = "channel"
	// KindDecode is malformed input on read or an un-encodable payload on write.
	KindDecode Kind = "decode"
	// KindTimedOut is a read or write that exceeded its deadline.
	KindTimedOut Kind = "timed_out"
	// KindTaskBody is an error raised by the task body while computing.
	KindTaskBody Kind = "task_body"
	// KindCancelled is an external cancellation observed before completion.
	KindCancelled Kind = "cancelled"
)

var (
	// ErrChannel matches every channel failure.
	ErrChannel = errors.New("channel error")
	// ErrDecode matches every decode failure.
	ErrDecode = errors.New("decode error")
	// ErrTimedOut matches every deadline expiry.
	ErrTimedOut = errors.New("timed out")
	// ErrTaskBody matches every task body failure.
	ErrTaskBody = errors.New("task body error")
	// ErrCancelled matches every cancellation.
	ErrCancelled = errors.New("cancelled")
)

// Error is one classified failure with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 3)
	if op := strings.TrimSpace(e.Op); op != "" {
		parts = append(parts, op)
	}
	parts = append(parts, sentinelFor(e.Kind).Error())
	if e.Err != nil && !errors.Is(sentinelFor(e.Kind), e.Err) {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the sentinel of the error's kind and other *Error values of the same kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == "" || other.Kind == e.Kind
	}
	return target == sentinelFor(e.Kind)
}

// New wraps err as a classified failure of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Channel wraps err as a channel failure.
func Channel(op string, err error) error {
	return New(KindChannel, op, err)
}

// Decode wraps err as a decode failure.
func Decode(op string, err error) error {
	return New(KindDecode, op, err)
}

// TimedOut reports an expired deadline for op.
func TimedOut(op string, err error) error {
	return New(KindTimedOut, op, err)
}

// Cancelled reports a cancellation observed during op.
func Cancelled(op string, err error) error {
	return New(KindCancelled, op, err)
}

// TaskBody wraps an error raised by a task body.
func TaskBody(err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return New(KindTaskBody, "task body", err)
}

// Channelf builds a channel failure from a format string.
func Channelf(op string, format string, args ...any) error {
	return Channel(op, fmt.Errorf(format, args...))
}

// Decodef builds a decode failure from a format string.
func Decodef(op string, format string, args ...any) error {
	return Decode(op, fmt.Errorf(format, args...))
}

// KindOf classifies err. Unclassified non-nil errors are task body failures, except bare
// context errors which map to timeout and cancellation.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) && classified.Kind != "" {
		return classified.Kind
	}
	switch {
	case errors.Is(err, ErrChannel):
		return KindChannel
	case errors.Is(err, ErrDecode):
		return KindDecode
	case errors.Is(err, ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return KindTimedOut
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindTaskBody
	}
}

// FromContext converts a finished context's error into the taxonomy.
func FromContext(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return TimedOut(op, err)
	case errors.Is(err, context.Canceled):
		return Cancelled(op, err)
	default:
		return err
	}
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindChannel:
		return ErrChannel
	case KindDecode:
		return ErrDecode
	case KindTimedOut:
		return ErrTimedOut
	case KindCancelled:
		return ErrCancelled
	default:
		return ErrTaskBody
	}
}
