// Package tasks holds the task bodies built into the taskrunner binary.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/terarium/taskrunner/internal/harness"
	"github.com/terarium/taskrunner/internal/session"
)

// Task is a named body.
type Task struct {
	Name        string
	Description string
	Body        harness.Body
}

// maxWaitSeconds is the longest wait a time.Duration can hold.
var maxWaitSeconds = time.Duration(math.MaxInt64).Seconds()

// ErrRequestedFailure is returned by echo when its input asks it to fail.
var ErrRequestedFailure = errors.New("echo task asked to fail")

var registry = map[string]Task{
	"echo": {
		Name:        "echo",
		Description: "Return the input frame unchanged",
		Body:        harness.Bytes(Echo),
	},
	"string-lengths": {
		Name:        "string-lengths",
		Description: "Count the characters of each string in text",
		Body:        harness.Structured(StringLengths),
	},
	"wait": {
		Name:        "wait",
		Description: "Block for the requested seconds or until cancelled",
		Body:        harness.Structured(Wait),
	},
}

// Lookup returns the task registered under name.
func Lookup(name string) (Task, bool) {
	task, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return task, ok
}

// Names lists the registered tasks in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Echo returns input unchanged. A JSON object input may set "should_fail" to fail without output
// and "include_progress" to log progress records.
func Echo(_ context.Context, input []byte, caps harness.Capabilities) ([]byte, error) {
	flags, err := session.DecodeStructured(input)
	if err != nil {
		// Not an object: nothing to inspect, echo it as is.
		flags = nil
	}
	if isTrue(flags["include_progress"]) {
		for step := 1; step <= 3; step++ {
			caps.Log("echo progress", "step", step, "of", 3)
		}
	}
	if isTrue(flags["should_fail"]) {
		return nil, ErrRequestedFailure
	}
	return input, nil
}

// StringLengths maps {"text": [s...]} to {"response": [len(s)...]} counting characters.
func StringLengths(_ context.Context, input map[string]any, caps harness.Capabilities) (map[string]any, error) {
	raw, ok := input["text"]
	if !ok {
		return nil, errors.New(`input has no "text" field`)
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf(`"text" must be an array of strings, got %T`, raw)
	}

	lengths := make([]int, 0, len(items))
	for index, item := range items {
		text, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf(`"text"[%d] must be a string, got %T`, index, item)
		}
		lengths = append(lengths, utf8.RuneCountInString(text))
	}
	caps.Log("counted string lengths", "count", len(lengths))
	return map[string]any{"response": lengths}, nil
}

// Wait blocks for input "seconds" (default 1) or until ctx ends. It registers a cleanup so a
// cancelled wait is visible in the log.
func Wait(ctx context.Context, input map[string]any, caps harness.Capabilities) (map[string]any, error) {
	seconds := 1.0
	if raw, ok := input["seconds"]; ok {
		number, ok := raw.(json.Number)
		if !ok {
			return nil, fmt.Errorf(`"seconds" must be a number, got %T`, raw)
		}
		parsed, err := number.Float64()
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf(`"seconds" must be a non-negative number, got %s`, number)
		}
		if parsed >= maxWaitSeconds {
			return nil, fmt.Errorf(`"seconds" must be below %.0f, got %s`, maxWaitSeconds, number)
		}
		seconds = parsed
	}

	started := time.Now()
	caps.OnCancellation(func() error {
		caps.Log("wait cleanup", "elapsed", time.Since(started).String())
		return nil
	})
	caps.Log("waiting", "seconds", seconds)

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"waited": seconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func isTrue(value any) bool {
	b, ok := value.(bool)
	return ok && b
}
