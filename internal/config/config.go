package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/terarium/taskrunner/internal/deadline"
)

const (
	// EnvConfigPath names an extra config file applied after the home and project files.
	EnvConfigPath = "TASKRUNNER_CONFIG"

	defaultReadTimeout       = time.Minute
	defaultWriteTimeout      = time.Minute
	defaultCancelGracePeriod = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultMaxFrameMB        = 64
	defaultLogBufferSize     = 1024
	defaultLogLevel          = "info"

	// NoTimeout is the literal that disables a read or write deadline.
	NoTimeout = "none"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	CancelGracePeriod time.Duration
	ShutdownTimeout   time.Duration
	MaxFrameBytes     int
	LogBufferSize     int
	LogLevel          string
	LogFile           string
	MetricsTextfile   string
	OTEL              OTELConfig
}

// OTELConfig stores trace exporter settings.
type OTELConfig struct {
	Enabled  bool
	Endpoint string
}

type fileConfig struct {
	ReadTimeout       *string     `toml:"read_timeout"`
	WriteTimeout      *string     `toml:"write_timeout"`
	CancelGracePeriod *string     `toml:"cancel_grace_period"`
	ShutdownTimeout   *string     `toml:"shutdown_timeout"`
	MaxFrameMB        *int        `toml:"max_frame_mb"`
	LogBufferSize     *int        `toml:"log_buffer_size"`
	LogLevel          *string     `toml:"log_level"`
	LogFile           *string     `toml:"log_file"`
	MetricsTextfile   *string     `toml:"metrics_textfile"`
	OTEL              *otelConfig `toml:"otel"`
}

type otelConfig struct {
	Enabled  *bool   `toml:"enabled"`
	Endpoint *string `toml:"endpoint"`
}

// Load reads config from ~/.taskrunner/config.toml, overlays a project-local
// .taskrunner/config.toml, then the file named by TASKRUNNER_CONFIG.
func Load(ctx context.Context) (*Config, error) {
	cfg := Defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".taskrunner", "config.toml"),
		filepath.Join(workingDir, ".taskrunner", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path, false); err != nil {
			return nil, err
		}
	}
	if explicit := strings.TrimSpace(os.Getenv(EnvConfigPath)); explicit != "" {
		if err := overlayFromFile(&cfg, explicit, true); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		CancelGracePeriod: defaultCancelGracePeriod,
		ShutdownTimeout:   defaultShutdownTimeout,
		MaxFrameBytes:     defaultMaxFrameMB * 1024 * 1024,
		LogBufferSize:     defaultLogBufferSize,
		LogLevel:          defaultLogLevel,
	}
}

// ParseTimeout parses a read or write timeout. "none" disables the deadline and "0s" means
// the budget is already spent. Negative durations are rejected.
func ParseTimeout(value string) (time.Duration, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == NoTimeout {
		return deadline.Indefinite, nil
	}
	parsed, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < 0 {
		return 0, fmt.Errorf("duration %s must not be negative", value)
	}
	return parsed, nil
}

func overlayFromFile(cfg *Config, path string, required bool) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parse %s in %q: unsupported key", undecoded[0].String(), path)
	}

	if err := applyTimeoutOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyLifecycleOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyLogOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyOTELOverrides(cfg, decoded)
	return nil
}

func applyTimeoutOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.ReadTimeout != nil {
		value, err := parseTimeout(*decoded.ReadTimeout, "read_timeout", path)
		if err != nil {
			return err
		}
		cfg.ReadTimeout = value
	}
	if decoded.WriteTimeout != nil {
		value, err := parseTimeout(*decoded.WriteTimeout, "write_timeout", path)
		if err != nil {
			return err
		}
		cfg.WriteTimeout = value
	}
	return nil
}

func applyLifecycleOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.CancelGracePeriod != nil {
		value, err := parseDuration(*decoded.CancelGracePeriod, "cancel_grace_period", path)
		if err != nil {
			return err
		}
		cfg.CancelGracePeriod = value
	}
	if decoded.ShutdownTimeout != nil {
		value, err := parseDuration(*decoded.ShutdownTimeout, "shutdown_timeout", path)
		if err != nil {
			return err
		}
		if value <= 0 {
			return fmt.Errorf("parse shutdown_timeout in %q: must be > 0", path)
		}
		cfg.ShutdownTimeout = value
	}
	if decoded.MaxFrameMB != nil {
		if *decoded.MaxFrameMB <= 0 {
			return fmt.Errorf("parse max_frame_mb in %q: must be > 0", path)
		}
		cfg.MaxFrameBytes = *decoded.MaxFrameMB * 1024 * 1024
	}
	if decoded.MetricsTextfile != nil {
		cfg.MetricsTextfile = strings.TrimSpace(*decoded.MetricsTextfile)
	}
	return nil
}

func applyLogOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.LogBufferSize != nil {
		if *decoded.LogBufferSize <= 0 {
			return fmt.Errorf("parse log_buffer_size in %q: must be > 0", path)
		}
		cfg.LogBufferSize = *decoded.LogBufferSize
	}
	if decoded.LogLevel != nil {
		level := strings.ToLower(strings.TrimSpace(*decoded.LogLevel))
		if _, err := log.ParseLevel(level); err != nil {
			return fmt.Errorf("parse log_level in %q: %w", path, err)
		}
		cfg.LogLevel = level
	}
	if decoded.LogFile != nil {
		cfg.LogFile = strings.TrimSpace(*decoded.LogFile)
	}
	return nil
}

func applyOTELOverrides(cfg *Config, decoded fileConfig) {
	if decoded.OTEL == nil {
		return
	}
	if decoded.OTEL.Enabled != nil {
		cfg.OTEL.Enabled = *decoded.OTEL.Enabled
	}
	if decoded.OTEL.Endpoint != nil {
		cfg.OTEL.Endpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}
}

func parseTimeout(value, key, path string) (time.Duration, error) {
	parsed, err := ParseTimeout(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("parse %s in %q: must not be negative", key, path)
	}
	return parsed, nil
}
