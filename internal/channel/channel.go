// Package channel frames task payloads over a duplex byte stream.
//
// Frames are newline-delimited: a frame is every byte up to (not including) the next '\n', with
// one optional trailing '\r' removed. Writes append '\n'. A payload that itself contains '\n'
// cannot be framed and is rejected as a decode failure before anything is written.
package channel

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/terarium/taskrunner/internal/taskerr"
)

const (
	// Delimiter terminates every frame on the wire.
	Delimiter = '\n'
	// DefaultMaxFrameBytes bounds one input frame.
	DefaultMaxFrameBytes = 64 * 1024 * 1024

	readBufferSize = 64 * 1024
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("channel closed")
	// ErrFrameTooLarge is returned when an input frame exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrUnframeable is returned when an output payload contains the frame delimiter.
	ErrUnframeable = errors.New("payload contains frame delimiter")
)

// Channel exchanges whole frames with the orchestrator.
type Channel interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	// Abandon poisons the channel after an operation was given up on mid-flight and unblocks
	// in-flight I/O where the transport supports deadlines.
	Abandon(reason string)
	Close() error
}

// Deadliner is implemented by transports that can interrupt blocked I/O.
type Deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Option configures a Stream.
type Option func(*Stream)

// WithMaxFrameBytes bounds the size of one input frame.
func WithMaxFrameBytes(limit int) Option {
	return func(s *Stream) {
		if limit > 0 {
			s.maxFrameBytes = limit
		}
	}
}

// Stream is a Channel over an input reader and an output writer. Each end may be opened
// lazily, which matters for named pipes whose open blocks until the peer arrives.
type Stream struct {
	maxFrameBytes int

	openInput  func() (io.Reader, error)
	openOutput func() (io.Writer, error)

	readMu  sync.Mutex
	writeMu sync.Mutex

	stateMu sync.Mutex
	input   io.Reader
	buffer  *bufio.Reader
	output  io.Writer
	closed  bool
	broken  string
}

// NewStream wraps an already-open reader and writer. Both are closed by Close when they
// implement io.Closer.
func NewStream(r io.Reader, w io.Writer, options ...Option) *Stream {
	return newStream(
		func() (io.Reader, error) {
			if r == nil {
				return nil, errors.New("input reader is nil")
			}
			return r, nil
		},
		func() (io.Writer, error) {
			if w == nil {
				return nil, errors.New("output writer is nil")
			}
			return w, nil
		},
		options,
	)
}

func newStream(openInput func() (io.Reader, error), openOutput func() (io.Writer, error), options []Option) *Stream {
	stream := &Stream{
		maxFrameBytes: DefaultMaxFrameBytes,
		openInput:     openInput,
		openOutput:    openOutput,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(stream)
	}
	return stream
}

// ReadFrame blocks until one complete frame is available.
func (s *Stream) ReadFrame() ([]byte, error) {
	const op = "read frame"
	if err := s.usable(op); err != nil {
		return nil, err
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	reader, err := s.inputReader()
	if err != nil {
		return nil, taskerr.Channel(op, err)
	}

	frame, err := readFrame(reader, s.maxFrameBytes)
	if err != nil {
		if usableErr := s.usable(op); usableErr != nil {
			return nil, usableErr
		}
		return nil, taskerr.Channel(op, err)
	}
	return frame, nil
}

// WriteFrame writes payload followed by the delimiter.
func (s *Stream) WriteFrame(payload []byte) error {
	const op = "write frame"
	if bytes.IndexByte(payload, Delimiter) >= 0 {
		return taskerr.Decode(op, ErrUnframeable)
	}
	if err := s.usable(op); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	writer, err := s.outputWriter()
	if err != nil {
		return taskerr.Channel(op, err)
	}

	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, Delimiter)
	if err := writeAll(writer, frame); err != nil {
		if usableErr := s.usable(op); usableErr != nil {
			return usableErr
		}
		return taskerr.Channel(op, err)
	}
	if flusher, ok := writer.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			return taskerr.Channel(op, fmt.Errorf("flush: %w", err))
		}
	}
	return nil
}

// Abandon marks the stream unusable and pushes any opened deadline-capable end into the past
// so a blocked syscall returns.
func (s *Stream) Abandon(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "operation abandoned"
	}

	s.stateMu.Lock()
	if s.broken == "" {
		s.broken = reason
	}
	input, output := s.input, s.output
	s.stateMu.Unlock()

	past := time.Unix(1, 0)
	if d, ok := input.(Deadliner); ok {
		_ = d.SetReadDeadline(past)
	}
	if d, ok := output.(Deadliner); ok {
		_ = d.SetWriteDeadline(past)
	}
}

// Close releases both ends. It never waits on an in-flight read or write.
func (s *Stream) Close() error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	input, output := s.input, s.output
	s.stateMu.Unlock()

	var errs []error
	if closer, ok := output.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
	}
	if closer, ok := input.(io.Closer); ok {
		if err := closer.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close input: %w", err))
		}
	}
	if len(errs) > 0 {
		return taskerr.Channel("close", errors.Join(errs...))
	}
	return nil
}

func (s *Stream) usable(op string) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed {
		return taskerr.Channel(op, ErrClosed)
	}
	if s.broken != "" {
		return taskerr.Channelf(op, "channel unusable: %s", s.broken)
	}
	return nil
}

func (s *Stream) inputReader() (*bufio.Reader, error) {
	s.stateMu.Lock()
	buffer := s.buffer
	s.stateMu.Unlock()
	if buffer != nil {
		return buffer, nil
	}

	input, err := s.openInput()
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.input = input
	if s.closed {
		closeQuietly(input)
		return nil, ErrClosed
	}
	s.buffer = bufio.NewReaderSize(input, readBufferSize)
	return s.buffer, nil
}

func (s *Stream) outputWriter() (io.Writer, error) {
	s.stateMu.Lock()
	output := s.output
	s.stateMu.Unlock()
	if output != nil {
		return output, nil
	}

	output, err := s.openOutput()
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.output = output
	if s.closed {
		closeQuietly(output)
		return nil, ErrClosed
	}
	return output, nil
}

func readFrame(reader *bufio.Reader, maxFrameBytes int) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := reader.ReadSlice(Delimiter)
		frame = append(frame, chunk...)
		// Allow room for the "\r\n" terminator before enforcing the bound.
		if len(frame) > maxFrameBytes+2 {
			return nil, fmt.Errorf("%w (limit %d bytes)", ErrFrameTooLarge, maxFrameBytes)
		}

		switch {
		case err == nil:
			return trimDelimiter(frame, maxFrameBytes)
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(frame) == 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return trimDelimiter(frame, maxFrameBytes)
		default:
			return nil, err
		}
	}
}

func trimDelimiter(frame []byte, maxFrameBytes int) ([]byte, error) {
	frame = bytes.TrimSuffix(frame, []byte{Delimiter})
	frame = bytes.TrimSuffix(frame, []byte{'\r'})
	if len(frame) > maxFrameBytes {
		return nil, fmt.Errorf("%w (limit %d bytes)", ErrFrameTooLarge, maxFrameBytes)
	}
	return frame, nil
}

func writeAll(writer io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := writer.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}

func closeQuietly(value any) {
	if closer, ok := value.(io.Closer); ok {
		_ = closer.Close()
	}
}

var _ Channel = (*Stream)(nil)
