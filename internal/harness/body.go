package harness

import (
	"context"

	"github.com/terarium/taskrunner/internal/cancellation"
	"github.com/terarium/taskrunner/internal/session"
)

// Body is one task's unit of work. It reads its input from the session, computes, and writes
// its output. It must not exit the process.
type Body interface {
	Run(ctx context.Context, s *session.Session) error
}

// BodyFunc adapts a function to Body.
type BodyFunc func(ctx context.Context, s *session.Session) error

// Run calls f.
func (f BodyFunc) Run(ctx context.Context, s *session.Session) error {
	return f(ctx, s)
}

// Capabilities is what a task body may do besides computing. *session.Session implements it.
type Capabilities interface {
	Log(message string, keyvals ...any)
	OnCancellation(cb cancellation.Callback) bool
	Description() string
}

var _ Capabilities = (*session.Session)(nil)

// StructuredFunc computes a JSON object from a JSON object.
type StructuredFunc func(ctx context.Context, input map[string]any, caps Capabilities) (map[string]any, error)

// TextFunc computes UTF-8 text from UTF-8 text.
type TextFunc func(ctx context.Context, input string, caps Capabilities) (string, error)

// BytesFunc computes a raw frame from a raw frame.
type BytesFunc func(ctx context.Context, input []byte, caps Capabilities) ([]byte, error)

// Structured wraps fn so it never touches the channel: the input is read with the session's
// read timeout, and the output is written with its write timeout only when fn succeeds.
func Structured(fn StructuredFunc) Body {
	return BodyFunc(func(ctx context.Context, s *session.Session) error {
		input, err := s.ReadInputStructured(ctx, s.ReadTimeout())
		if err != nil {
			return err
		}
		output, err := fn(ctx, input, s)
		if err != nil {
			return err
		}
		return s.WriteOutputStructured(ctx, output, s.WriteTimeout())
	})
}

// Text is Structured for UTF-8 text payloads.
func Text(fn TextFunc) Body {
	return BodyFunc(func(ctx context.Context, s *session.Session) error {
		input, err := s.ReadInputText(ctx, s.ReadTimeout())
		if err != nil {
			return err
		}
		output, err := fn(ctx, input, s)
		if err != nil {
			return err
		}
		return s.WriteOutputText(ctx, output, s.WriteTimeout())
	})
}

// Bytes is Structured for raw payloads.
func Bytes(fn BytesFunc) Body {
	return BodyFunc(func(ctx context.Context, s *session.Session) error {
		input, err := s.ReadInputBytes(ctx, s.ReadTimeout())
		if err != nil {
			return err
		}
		output, err := fn(ctx, input, s)
		if err != nil {
			return err
		}
		return s.WriteOutputBytes(ctx, output, s.WriteTimeout())
	})
}
