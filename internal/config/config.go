package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/petri/internal/executor"
	"github.com/seantiz/petri/internal/model"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = ":memory:"

	envConfigFile          = "PETRI_CONFIG"
	envListenAddr          = "PETRI_LISTEN_ADDR"
	envDBPath              = "PETRI_DB_PATH"
	envLogLevel            = "PETRI_LOG_LEVEL"
	envExecutorMode        = "PETRI_EXECUTOR_MODE"
	envExecutorFallback    = "PETRI_EXECUTOR_FALLBACK"
	envSeed                = "PETRI_SEED"
	envStepTimeout         = "PETRI_STEP_TIMEOUT"
	envBatchTimeoutPerStep = "PETRI_BATCH_TIMEOUT_PER_STEP"
	envWorkerCommand       = "PETRI_WORKER_COMMAND"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	DBPath     string          `yaml:"db_path"`
	LogLevel   slog.Level      `yaml:"-"`
	Executor   executor.Config `yaml:"executor"`
	// Defaults fill parameters a create request leaves out.
	Defaults model.Parameters `yaml:"defaults"`
}

// fileConfig is the YAML layout: Config plus the log level as text.
type fileConfig struct {
	Config   `yaml:",inline"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Executor:   executor.DefaultConfig(),
		Defaults:   model.DefaultParameters(),
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// PETRI_CONFIG if set, then environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	fc := fileConfig{Config: *cfg}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	*cfg = fc.Config
	if fc.LogLevel != "" {
		cfg.LogLevel = ParseLogLevel(fc.LogLevel)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envExecutorMode); v != "" {
		cfg.Executor.Mode = strings.ToLower(v)
	}
	if v := os.Getenv(envExecutorFallback); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envExecutorFallback, err)
		}
		cfg.Executor.Fallback = b
	}
	if v := os.Getenv(envSeed); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envSeed, err)
		}
		cfg.Executor.Seed = seed
	}
	if v := os.Getenv(envStepTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envStepTimeout, err)
		}
		cfg.Executor.StepTimeout = d
	}
	if v := os.Getenv(envBatchTimeoutPerStep); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envBatchTimeoutPerStep, err)
		}
		cfg.Executor.BatchTimeoutPerStep = d
	}
	if v := os.Getenv(envWorkerCommand); v != "" {
		cfg.Executor.WorkerCommand = strings.Fields(v)
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is empty")
	}
	if c.DBPath == "" {
		return errors.New("database path is empty")
	}
	switch c.Executor.Mode {
	case executor.ModeWorker, executor.ModeSync:
	default:
		return fmt.Errorf("unknown executor mode %q", c.Executor.Mode)
	}
	if c.Executor.StepTimeout <= 0 {
		return fmt.Errorf("step timeout must be positive, got %s", c.Executor.StepTimeout)
	}
	if c.Executor.BatchTimeoutBase <= 0 {
		return fmt.Errorf("batch timeout base must be positive, got %s", c.Executor.BatchTimeoutBase)
	}
	if c.Executor.BatchTimeoutPerStep < 0 {
		return fmt.Errorf("batch timeout per step must not be negative, got %s", c.Executor.BatchTimeoutPerStep)
	}
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("default parameters: %w", err)
	}
	return nil
}

// ParseLogLevel maps a level name to its slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
