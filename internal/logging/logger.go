package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the number of records held while the destination catches up.
	DefaultBufferSize = 1024
	// DefaultFlushTimeout bounds how long Close waits for buffered records.
	DefaultFlushTimeout = 2 * time.Second
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	taskID       string
	description  string
	level        string
	bufferSize   int
	filePath     string
	output       io.Writer
	flushTimeout time.Duration
}

// WithTaskID configures the task_id field used in emitted log records.
func WithTaskID(taskID string) Option {
	return func(opts *newOptions) {
		opts.taskID = strings.TrimSpace(taskID)
	}
}

// WithDescription configures the description field used in emitted log records.
func WithDescription(description string) Option {
	return func(opts *newOptions) {
		opts.description = strings.TrimSpace(description)
	}
}

// WithLevel sets the minimum level (debug, info, warn, error).
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		opts.level = strings.TrimSpace(level)
	}
}

// WithBufferSize bounds the number of records waiting to be written.
func WithBufferSize(size int) Option {
	return func(opts *newOptions) {
		if size > 0 {
			opts.bufferSize = size
		}
	}
}

// WithFile appends records to path instead of stderr.
func WithFile(path string) Option {
	return func(opts *newOptions) {
		opts.filePath = strings.TrimSpace(path)
	}
}

// WithOutput writes records to w. It takes precedence over WithFile.
func WithOutput(w io.Writer) Option {
	return func(opts *newOptions) {
		opts.output = w
	}
}

// WithFlushTimeout bounds how long Close waits for buffered records.
func WithFlushTimeout(timeout time.Duration) Option {
	return func(opts *newOptions) {
		if timeout > 0 {
			opts.flushTimeout = timeout
		}
	}
}

// RuntimeLogger writes structured JSON log records for one task process. Records are queued
// to a bounded buffer and written by a background goroutine, so logging never blocks the task
// body on a slow or stalled destination. Stdout is never used: it may be the data channel.
type RuntimeLogger struct {
	Logger       *log.Logger
	sink         *asyncWriter
	file         *os.File
	path         string
	baseLogger   *log.Logger
	taskID       string
	description  string
	flushTimeout time.Duration
}

// New initializes the task logger.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	level := log.InfoLevel
	if resolved.level != "" {
		parsed, err := log.ParseLevel(resolved.level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", resolved.level, err)
		}
		level = parsed
	}

	var (
		destination io.Writer = os.Stderr
		file        *os.File
	)
	switch {
	case resolved.output != nil:
		destination = resolved.output
	case resolved.filePath != "":
		if err := os.MkdirAll(filepath.Dir(resolved.filePath), 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		// #nosec G304 -- log path comes from local configuration or the command line.
		opened, err := os.OpenFile(resolved.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = opened
		destination = opened
	}

	sink := newAsyncWriter(destination, resolved.bufferSize)
	logger := log.NewWithOptions(sink, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339Nano,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		sink:         sink,
		file:         file,
		path:         resolved.filePath,
		baseLogger:   logger,
		taskID:       resolved.taskID,
		description:  resolved.description,
		flushTimeout: resolved.flushTimeout,
	}
	runtimeLogger.rebuildLogger()

	_ = ctx
	return runtimeLogger, nil
}

// WithTaskID updates the task_id field for subsequent log records.
func (r *RuntimeLogger) WithTaskID(taskID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.taskID = strings.TrimSpace(taskID)
	r.rebuildLogger()
	return r
}

// Dropped returns the number of records discarded because the buffer was full.
func (r *RuntimeLogger) Dropped() uint64 {
	if r == nil || r.sink == nil {
		return 0
	}
	return r.sink.Dropped()
}

// Close flushes buffered records and closes the log file. Only the first call has effect.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	err := r.sink.Close(r.flushTimeout)
	if r.file != nil {
		if closeErr := r.file.Close(); closeErr != nil && err == nil && !errors.Is(closeErr, os.ErrClosed) {
			err = closeErr
		}
	}
	return err
}

// Path returns the log file path, or "" when logging to a stream.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With(
		"task_id", r.taskID,
		"description", r.description,
	)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{
		bufferSize:   DefaultBufferSize,
		flushTimeout: DefaultFlushTimeout,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
