package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/terarium/taskrunner/internal/config"
	"github.com/terarium/taskrunner/internal/deadline"
	"github.com/terarium/taskrunner/internal/session"
	"github.com/terarium/taskrunner/test"
)

func execute(t *testing.T, a *app, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := newRootCommand(a)
	var out bytes.Buffer
	errOut := &test.SyncBuffer{}
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"

	stdout, _, err := execute(t, &app{cfg: config.Defaults()}, "", "--version")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := strings.TrimSpace(stdout); got != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", got, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsSubcommands(t *testing.T) {
	stdout, _, err := execute(t, &app{cfg: config.Defaults()}, "", "--help")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, name := range []string{"run", "tasks"} {
		if !strings.Contains(stdout, name) {
			t.Fatalf("help output missing %q: %s", name, stdout)
		}
	}
}

func TestTasksCommandListsBuiltins(t *testing.T) {
	stdout, _, err := execute(t, &app{cfg: config.Defaults()}, "", "tasks")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, name := range []string{"echo", "string-lengths", "wait"} {
		if !strings.Contains(stdout, name) {
			t.Fatalf("tasks output missing %q: %s", name, stdout)
		}
	}
}

func TestRunCommandOverStdio(t *testing.T) {
	a := &app{cfg: config.Defaults()}
	stdout, stderr, err := execute(t, a, `{"text":["a","bcd"]}`+"\n",
		"run", "string-lengths", "--id", "task-42", "--description", "count")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if a.exitCode != session.ExitCompleted {
		t.Fatalf("exit code = %d, want %d (stderr: %s)", a.exitCode, session.ExitCompleted, stderr)
	}
	if stdout != `{"response":[1,3]}`+"\n" {
		t.Fatalf("stdout = %q", stdout)
	}
	if !strings.Contains(stderr, "task_id") || !strings.Contains(stderr, "task-42") {
		t.Fatalf("log records missing task fields: %s", stderr)
	}
}

func TestRunCommandReportsTaskFailure(t *testing.T) {
	a := &app{cfg: config.Defaults()}
	stdout, _, err := execute(t, a, `{"should_fail":true}`+"\n", "run", "echo")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if a.exitCode != session.ExitTaskBody {
		t.Fatalf("exit code = %d, want %d", a.exitCode, session.ExitTaskBody)
	}
	if stdout != "" {
		t.Fatalf("stdout = %q, want no output frame", stdout)
	}
}

func TestRunCommandWritesLogFileAndMetrics(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "logs", "task.log")
	a := &app{cfg: config.Defaults()}
	a.cfg.MetricsTextfile = filepath.Join(dir, "metrics", "task.prom")

	_, stderr, err := execute(t, a, "ping\n", "run", "echo", "--log-file", logFile, "--log-level", "debug")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if a.exitCode != session.ExitCompleted {
		t.Fatalf("exit code = %d", a.exitCode)
	}
	if strings.Contains(stderr, `"msg"`) {
		t.Fatalf("log records leaked to stderr: %s", stderr)
	}

	logs, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(logs), "starting task") {
		t.Fatalf("debug record missing from log file: %s", logs)
	}
	prom, err := os.ReadFile(a.cfg.MetricsTextfile)
	if err != nil {
		t.Fatalf("read metrics textfile: %v", err)
	}
	if !strings.Contains(string(prom), `taskrunner_session_outcomes_total{outcome="completed"} 1`) {
		t.Fatalf("metrics textfile missing outcome: %s", prom)
	}
}

func TestRunCommandRejectsBadInvocations(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "unknown task", args: []string{"run", "nope"}, want: "unknown task"},
		{name: "missing task", args: []string{"run"}, want: "accepts 1 arg"},
		{name: "one pipe", args: []string{"run", "echo", "--input_pipe", "/tmp/in"}, want: "set together"},
		{name: "bad read timeout", args: []string{"run", "echo", "--read-timeout", "soon"}, want: "--read-timeout"},
		{name: "negative write timeout", args: []string{"run", "echo", "--write-timeout", "-1s"}, want: "--write-timeout"},
		{name: "missing pipes", args: []string{"run", "echo", "--input_pipe", "/nonexistent/in", "--output_pipe", "/nonexistent/out"}, want: "open task pipes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, &app{cfg: config.Defaults()}, "", tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestApplyRunFlagsOverridesConfig(t *testing.T) {
	cfg := config.Defaults()
	err := applyRunFlags(&cfg, runFlags{readTimeout: "none", writeTimeout: "250ms", logFile: " /tmp/x.log ", logLevel: "warn"})
	if err != nil {
		t.Fatalf("apply flags: %v", err)
	}
	if cfg.ReadTimeout != deadline.Indefinite {
		t.Fatalf("read timeout = %s, want indefinite", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout != 250*time.Millisecond {
		t.Fatalf("write timeout = %s, want 250ms", cfg.WriteTimeout)
	}
	if cfg.LogFile != "/tmp/x.log" || cfg.LogLevel != "warn" {
		t.Fatalf("log settings = %q/%q", cfg.LogFile, cfg.LogLevel)
	}
}

func TestRunLoadsConfigAndReturnsExitCode(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(config.EnvConfigPath, "")
	test.Chdir(t, t.TempDir())

	var stdout bytes.Buffer
	stderr := &test.SyncBuffer{}
	code, err := run(context.Background(), []string{"run", "echo", "--write-timeout", "0s"}, strings.NewReader("x\n"), &stdout, stderr)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != session.ExitTimedOut {
		t.Fatalf("exit code = %d, want %d", code, session.ExitTimedOut)
	}
	if stdout.Len() != 0 {
		t.Fatalf("stdout = %q, want no output frame", stdout.String())
	}

	explicit := filepath.Join(t.TempDir(), "bad.toml")
	test.WriteFile(t, explicit, `read_timeout = "soon"`)
	t.Setenv(config.EnvConfigPath, explicit)
	code, err = run(context.Background(), []string{"tasks"}, strings.NewReader(""), &stdout, stderr)
	if err == nil || code != exitConfig {
		t.Fatalf("run with bad config = (%d, %v), want exit %d with error", code, err, exitConfig)
	}
}
