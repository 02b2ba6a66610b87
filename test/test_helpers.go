// Package test provides shared testing utilities for the task runner.
//
// It holds the fixtures every package needs to exercise the harness end to end: temporary
// directories and named pipes that stand in for the orchestrator's transport.
package test

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TempDir creates a temporary directory for testing
// The directory is automatically cleaned up when the test completes.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "taskrunner-test-*")
	require.NoError(t, err, "failed to create temp dir")
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

// TempFile creates a temporary file with the given content
// The file is automatically cleaned up when the test completes.
func TempFile(t *testing.T, content string) string {
	t.Helper()
	dir := TempDir(t)
	path := filepath.Join(dir, "test.txt")
	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err, "failed to write temp file")
	return path
}

// Chdir changes to a temporary directory for testing
// The original working directory is restored when the test completes.
func Chdir(t *testing.T, dir string) {
	t.Helper()
	original, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")

	err = os.Chdir(dir)
	require.NoError(t, err, "failed to change directory")

	t.Cleanup(func() {
		err := os.Chdir(original)
		require.NoError(t, err, "failed to restore working directory")
	})
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750), "failed to create parent dir")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write file")
}

// Mkfifo creates a named pipe at path the way the orchestrator does before launching a task.
func Mkfifo(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, unix.Mkfifo(path, 0o600), "failed to create fifo %s", path)
	return path
}

// WriteFIFO opens the write end of a named pipe, writes content and closes it.
// It blocks until a reader opens the other end.
func WriteFIFO(path, content string) error {
	// #nosec G304 -- test-controlled path.
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open fifo %s for write: %w", path, err)
	}
	defer file.Close()
	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("write fifo %s: %w", path, err)
	}
	return nil
}

// ReadFIFOLine opens the read end of a named pipe and returns its first line without the
// trailing newline. It blocks until a writer opens the other end.
func ReadFIFOLine(path string) (string, error) {
	// #nosec G304 -- test-controlled path.
	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return "", fmt.Errorf("open fifo %s for read: %w", path, err)
	}
	defer file.Close()
	line, err := bufio.NewReader(file).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read fifo %s: %w", path, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// SkipIfShort skips the test if -short flag is provided
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
}

// SyncBuffer is a bytes.Buffer safe for the concurrent writes a logger makes.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
