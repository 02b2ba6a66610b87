package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terarium/taskrunner/internal/cancellation"
)

type fakeCaps struct {
	mu       sync.Mutex
	messages []string
	cleanups []cancellation.Callback
}

func (f *fakeCaps) Log(message string, _ ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func (f *fakeCaps) OnCancellation(cb cancellation.Callback) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, cb)
	return true
}

func (f *fakeCaps) Description() string { return "test" }

func TestLookupAndNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"echo", "string-lengths", "wait"}, Names())

	task, ok := Lookup(" Echo ")
	require.True(t, ok)
	assert.Equal(t, "echo", task.Name)
	assert.NotNil(t, task.Body)

	_, ok = Lookup("missing")
	assert.False(t, ok)
}

func TestEcho(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		wantErr   bool
		wantLogs  int
		wantBytes string
	}{
		{name: "plain text", input: "hello", wantBytes: "hello"},
		{name: "object", input: `{"input":"x"}`, wantBytes: `{"input":"x"}`},
		{name: "progress", input: `{"include_progress":true}`, wantLogs: 3, wantBytes: `{"include_progress":true}`},
		{name: "should fail", input: `{"should_fail":true}`, wantErr: true},
		{name: "should fail false", input: `{"should_fail":false}`, wantBytes: `{"should_fail":false}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			caps := &fakeCaps{}
			got, err := Echo(context.Background(), []byte(tt.input), caps)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrRequestedFailure)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBytes, string(got))
			assert.Len(t, caps.messages, tt.wantLogs)
		})
	}
}

func TestStringLengths(t *testing.T) {
	t.Parallel()

	got, err := StringLengths(context.Background(), map[string]any{"text": []any{"a", "bb", "héllo", ""}}, &fakeCaps{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"response": []int{1, 2, 5, 0}}, got)

	for _, input := range []map[string]any{
		{},
		{"text": "abc"},
		{"text": []any{"a", json.Number("1")}},
	} {
		_, err := StringLengths(context.Background(), input, &fakeCaps{})
		assert.Error(t, err, "input %v", input)
	}
}

func TestWaitCompletes(t *testing.T) {
	t.Parallel()

	caps := &fakeCaps{}
	got, err := Wait(context.Background(), map[string]any{"seconds": json.Number("0.01")}, caps)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"waited": 0.01}, got)
	assert.Len(t, caps.cleanups, 1)
}

func TestWaitStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	started := time.Now()
	_, err := Wait(ctx, map[string]any{"seconds": json.Number("30")}, &fakeCaps{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestWaitRejectsBadSeconds(t *testing.T) {
	t.Parallel()

	for _, raw := range []any{"5", json.Number("-1"), json.Number("1e12"), json.Number("9.3e9")} {
		_, err := Wait(context.Background(), map[string]any{"seconds": raw}, &fakeCaps{})
		assert.Error(t, err, "seconds %v", raw)
	}
}
