package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/terarium/taskrunner/internal/channel"
	"github.com/terarium/taskrunner/internal/config"
	"github.com/terarium/taskrunner/internal/harness"
	"github.com/terarium/taskrunner/internal/logging"
	"github.com/terarium/taskrunner/internal/metrics"
	"github.com/terarium/taskrunner/internal/session"
	"github.com/terarium/taskrunner/internal/tasks"
	"github.com/terarium/taskrunner/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

// Exit codes for failures that happen before a session exists.
const (
	exitUsage  = 64
	exitConfig = 78
)

func main() {
	code, err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return exitConfig, fmt.Errorf("load config: %w", err)
	}

	a := &app{cfg: *cfg}
	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return exitUsage, err
	}
	return a.exitCode, nil
}

// app carries the loaded configuration into the commands and the task's exit code out.
type app struct {
	cfg      config.Config
	exitCode int
}

type runFlags struct {
	id           string
	description  string
	inputPipe    string
	outputPipe   string
	readTimeout  string
	writeTimeout string
	logFile      string
	logLevel     string
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "taskrunner",
		Short:         "Run one task for the orchestrator and report its outcome",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	telemetry.ServiceVersion = Version
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newRunCommand(a),
		newTasksCommand(),
	)
	return root
}

func newRunCommand(a *app) *cobra.Command {
	flags := runFlags{}
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Read one input frame, run the task, and write one output frame",
		Long: "Run a built-in task. Frames travel over --input_pipe/--output_pipe when both are set " +
			"and over stdin/stdout otherwise. The exit code reports the outcome: 0 completed, " +
			"1 task failure, 65 bad input, 74 channel failure, 124 timed out, 143 cancelled.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runTask(cmd, a.cfg, flags, args[0])
			if err != nil {
				return err
			}
			a.exitCode = code
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.id, "id", "", "task id assigned by the orchestrator (default: random UUID)")
	cmd.Flags().StringVar(&flags.description, "description", "", "human-readable task description")
	cmd.Flags().StringVar(&flags.inputPipe, "input_pipe", "", "named pipe carrying the input frame")
	cmd.Flags().StringVar(&flags.outputPipe, "output_pipe", "", "named pipe receiving the output frame")
	cmd.Flags().StringVar(&flags.readTimeout, "read-timeout", "", `input read bound, e.g. "30s" or "none"`)
	cmd.Flags().StringVar(&flags.writeTimeout, "write-timeout", "", `output write bound, e.g. "30s" or "none"`)
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "append logs to this file instead of stderr")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "minimum log level (debug, info, warn, error)")
	return cmd
}

func newTasksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the built-in tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, name := range tasks.Names() {
				task, _ := tasks.Lookup(name)
				fmt.Fprintf(w, "%s\t%s\n", task.Name, task.Description)
			}
			return w.Flush()
		},
	}
}

func runTask(cmd *cobra.Command, cfg config.Config, flags runFlags, name string) (int, error) {
	ctx := cmd.Context()
	task, ok := tasks.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("unknown task %q (available: %s)", name, strings.Join(tasks.Names(), ", "))
	}
	if err := applyRunFlags(&cfg, flags); err != nil {
		return 0, err
	}

	id := strings.TrimSpace(flags.id)
	if id == "" {
		id = uuid.NewString()
	}
	description := strings.TrimSpace(flags.description)
	if description == "" {
		description = task.Description
	}

	ch, err := openChannel(cmd, cfg, flags)
	if err != nil {
		return 0, err
	}

	logOptions := []logging.Option{
		logging.WithTaskID(id),
		logging.WithDescription(description),
		logging.WithLevel(cfg.LogLevel),
		logging.WithBufferSize(cfg.LogBufferSize),
	}
	if cfg.LogFile != "" {
		logOptions = append(logOptions, logging.WithFile(cfg.LogFile))
	} else {
		logOptions = append(logOptions, logging.WithOutput(cmd.ErrOrStderr()))
	}
	logger, err := logging.New(ctx, logOptions...)
	if err != nil {
		_ = ch.Close()
		return 0, fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "failed to close logger: %v\n", closeErr)
		}
	}()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Settings{
		Enabled:  cfg.OTEL.Enabled,
		Endpoint: cfg.OTEL.Endpoint,
	})
	if err != nil {
		logger.Logger.Warn("tracing disabled", "error", err)
	}
	defer shutdownTelemetry()

	logger.Logger.Debug("starting task", "task", task.Name)
	return harness.Run(ctx, task.Body, harness.Options{
		Channel: ch,
		Session: []session.Option{
			session.WithID(id),
			session.WithDescription(description),
			session.WithLogger(logger.Logger),
			session.WithTimeouts(cfg.ReadTimeout, cfg.WriteTimeout),
			session.WithMetrics(metrics.New()),
			session.WithMetricsTextfile(cfg.MetricsTextfile),
			session.WithLogDropCounter(logger.Dropped),
			session.WithCloser(logger.Close),
		},
		CancelGracePeriod: cfg.CancelGracePeriod,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		Stderr:            cmd.ErrOrStderr(),
	}), nil
}

func applyRunFlags(cfg *config.Config, flags runFlags) error {
	if value := strings.TrimSpace(flags.readTimeout); value != "" {
		parsed, err := config.ParseTimeout(value)
		if err != nil {
			return fmt.Errorf("--read-timeout: %w", err)
		}
		cfg.ReadTimeout = parsed
	}
	if value := strings.TrimSpace(flags.writeTimeout); value != "" {
		parsed, err := config.ParseTimeout(value)
		if err != nil {
			return fmt.Errorf("--write-timeout: %w", err)
		}
		cfg.WriteTimeout = parsed
	}
	if value := strings.TrimSpace(flags.logFile); value != "" {
		cfg.LogFile = value
	}
	if value := strings.TrimSpace(flags.logLevel); value != "" {
		cfg.LogLevel = value
	}
	return nil
}

func openChannel(cmd *cobra.Command, cfg config.Config, flags runFlags) (channel.Channel, error) {
	inputPipe := strings.TrimSpace(flags.inputPipe)
	outputPipe := strings.TrimSpace(flags.outputPipe)
	options := []channel.Option{channel.WithMaxFrameBytes(cfg.MaxFrameBytes)}

	switch {
	case inputPipe == "" && outputPipe == "":
		return channel.NewStream(cmd.InOrStdin(), cmd.OutOrStdout(), options...), nil
	case inputPipe == "" || outputPipe == "":
		return nil, errors.New("--input_pipe and --output_pipe must be set together")
	default:
		ch, err := channel.OpenFIFO(inputPipe, outputPipe, options...)
		if err != nil {
			return nil, fmt.Errorf("open task pipes: %w", err)
		}
		return ch, nil
	}
}
