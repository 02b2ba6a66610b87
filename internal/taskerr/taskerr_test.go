package taskerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfClassifiesTaxonomy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "channel", err: Channel("read frame", errors.New("eof")), want: KindChannel},
		{name: "decode", err: Decodef("read structured", "bad json"), want: KindDecode},
		{name: "timed out", err: TimedOut("write frame", nil), want: KindTimedOut},
		{name: "cancelled", err: Cancelled("read frame", nil), want: KindCancelled},
		{name: "wrapped decode", err: fmt.Errorf("body: %w", Decode("parse", errors.New("x"))), want: KindDecode},
		{name: "context deadline", err: context.DeadlineExceeded, want: KindTimedOut},
		{name: "context canceled", err: context.Canceled, want: KindCancelled},
		{name: "plain error", err: errors.New("model rejected"), want: KindTaskBody},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("session: %w", Channel("write frame", errors.New("broken pipe")))
	if !errors.Is(err, ErrChannel) {
		t.Fatalf("errors.Is(%v, ErrChannel) = false", err)
	}
	if errors.Is(err, ErrDecode) {
		t.Fatalf("errors.Is(%v, ErrDecode) = true, want false", err)
	}
	if !errors.Is(err, &Error{Kind: KindChannel}) {
		t.Fatalf("errors.Is(%v, &Error{channel}) = false", err)
	}

	var classified *Error
	if !errors.As(err, &classified) {
		t.Fatalf("errors.As(%v) = false", err)
	}
	if classified.Op != "write frame" {
		t.Fatalf("op = %q, want write frame", classified.Op)
	}
}

func TestErrorMessageIncludesOpAndCause(t *testing.T) {
	t.Parallel()

	err := Decode("read text", errors.New("invalid utf-8 at byte 3"))
	want := "read text: decode error: invalid utf-8 at byte 3"
	if err.Error() != want {
		t.Fatalf("message = %q, want %q", err.Error(), want)
	}

	bare := TimedOut("write frame", ErrTimedOut)
	if bare.Error() != "write frame: timed out" {
		t.Fatalf("message = %q, want %q", bare.Error(), "write frame: timed out")
	}
}

func TestTaskBodyKeepsExistingClassification(t *testing.T) {
	t.Parallel()

	decodeErr := Decode("input", errors.New("missing key"))
	if got := TaskBody(decodeErr); !errors.Is(got, ErrDecode) {
		t.Fatalf("TaskBody(decode) = %v, want decode kind preserved", got)
	}
	if got := TaskBody(errors.New("boom")); !errors.Is(got, ErrTaskBody) {
		t.Fatalf("TaskBody(plain) = %v, want task body kind", got)
	}
	if TaskBody(nil) != nil {
		t.Fatal("TaskBody(nil) should be nil")
	}
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	if err := FromContext("op", context.DeadlineExceeded); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("deadline exceeded -> %v, want timed out", err)
	}
	if err := FromContext("op", context.Canceled); !errors.Is(err, ErrCancelled) {
		t.Fatalf("canceled -> %v, want cancelled", err)
	}
	if FromContext("op", nil) != nil {
		t.Fatal("nil context error should stay nil")
	}
}
