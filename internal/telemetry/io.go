package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	openAITokenPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`)
)

// IORequest describes one session read or write.
type IORequest struct {
	Op        string
	SessionID string
	Format    string
	Timeout   time.Duration
}

// IOCall tracks one session.read or session.write span. Payloads never leave the process:
// the span carries their size and a hash only.
type IOCall struct {
	span      trace.Span
	startedAt time.Time

	mu    sync.Mutex
	ended bool
}

// StartIO starts a session.<op> span and returns the context carrying it.
func StartIO(ctx context.Context, tracer trace.Tracer, req IORequest) (context.Context, *IOCall) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracer == nil {
		tracer = otel.Tracer("taskrunner/session")
	}

	timeoutMS := int64(-1)
	if req.Timeout >= 0 {
		timeoutMS = req.Timeout.Milliseconds()
	}

	spanCtx, span := tracer.Start(
		ctx,
		"session."+normalizeOrUnknown(req.Op),
		trace.WithAttributes(
			attribute.String("session_id", normalizeOrUnknown(req.SessionID)),
			attribute.String("format", normalizeOrUnknown(req.Format)),
			attribute.Int64("timeout_ms", timeoutMS),
		),
	)

	return spanCtx, &IOCall{span: span, startedAt: time.Now()}
}

// End finalizes the span. result is "ok" or the failure kind.
func (c *IOCall) End(payload []byte, result string, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	attrs := []attribute.KeyValue{
		attribute.Int64("latency_ms", durationMS),
		attribute.String("result", normalizeOrUnknown(result)),
	}
	if payload != nil {
		attrs = append(attrs,
			attribute.Int("payload_bytes", len(payload)),
			attribute.String("payload_hash", hashPayload(payload)),
		)
	}
	c.span.SetAttributes(attrs...)

	if err != nil {
		c.span.AddEvent(
			"session.io_error",
			trace.WithAttributes(
				attribute.String("error_kind", normalizeOrUnknown(result)),
				attribute.String("error_message", Redact(err.Error())),
			),
		)
		c.span.SetStatus(codes.Error, Redact(err.Error()))
	} else {
		c.span.SetStatus(codes.Ok, "io completed")
	}
	c.span.End()
}

// Redact masks credentials in free text and truncates it for span attributes.
func Redact(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = openAITokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
