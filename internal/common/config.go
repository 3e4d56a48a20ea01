package common

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Queue       QueueConfig     `toml:"queue"`
	Pipelines   PipelinesConfig `toml:"pipelines"`
	Agent       AgentConfig     `toml:"agent"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=trace debug info warn error"` // "debug", "info", "warn", "error"
	Output []string `toml:"output"`                                             // "stdout", "file"
}

// QueueConfig groups all job queue tuning knobs
type QueueConfig struct {
	Concurrency ConcurrencyConfig `toml:"concurrency"`
	Retry       RetryConfig       `toml:"retry"`
	Timeouts    TimeoutsConfig    `toml:"timeouts"`
	Worker      WorkerConfig      `toml:"worker"`
	Cleanup     CleanupConfig     `toml:"cleanup"`
}

// ConcurrencyConfig bounds simultaneous running jobs
type ConcurrencyConfig struct {
	Global     int            `toml:"global" validate:"gte=1"` // Hard ceiling on simultaneous running jobs
	PerType    map[string]int `toml:"per_type"`                // Per-type ceiling; defaults to global if absent
	PerSession int            `toml:"per_session"`             // Ceiling per session id; 0 = unlimited
}

// RetryConfig controls the default exponential backoff schedule
type RetryConfig struct {
	MaxAttempts       int     `toml:"max_attempts" validate:"gte=0"`
	InitialBackoffMs  int64   `toml:"initial_backoff_ms" validate:"gte=0"`
	MaxBackoffMs      int64   `toml:"max_backoff_ms" validate:"gte=0"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
}

// TimeoutsConfig sets per-job execution deadlines in milliseconds
type TimeoutsConfig struct {
	DefaultMs int64            `toml:"default_ms"`
	PerTypeMs map[string]int64 `toml:"per_type_ms"`
}

// WorkerConfig drives the scheduler poll loop
type WorkerConfig struct {
	PollIntervalMs    int64 `toml:"poll_interval_ms" validate:"gte=1"`
	ShutdownTimeoutMs int64 `toml:"shutdown_timeout_ms"`
}

// CleanupConfig sets retention windows for terminal jobs
type CleanupConfig struct {
	CompletedRetentionHours int `toml:"completed_retention_hours"`
	FailedRetentionHours    int `toml:"failed_retention_hours"`
	IntervalMinutes         int `toml:"interval_minutes"`
}

// PipelinesConfig configures pipeline definition loading
type PipelinesConfig struct {
	DefinitionsDir string `toml:"definitions_dir"` // Directory containing pipeline definition files (TOML/YAML/JSON)
}

// AgentConfig configures the Claude-backed agent driver
type AgentConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float32 `toml:"temperature"`
	Timeout     string  `toml:"timeout"` // e.g. "5m"
}

// DefaultConfig returns a config with sensible development defaults
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8085,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/conductor",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Queue: QueueConfig{
			Concurrency: ConcurrencyConfig{
				Global:     10,
				PerType:    map[string]int{},
				PerSession: 0,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				InitialBackoffMs:  1000,
				MaxBackoffMs:      60000,
				BackoffMultiplier: 2.0,
			},
			Timeouts: TimeoutsConfig{
				DefaultMs: 30 * 60 * 1000,
				PerTypeMs: map[string]int64{},
			},
			Worker: WorkerConfig{
				PollIntervalMs:    1000,
				ShutdownTimeoutMs: 30000,
			},
			Cleanup: CleanupConfig{
				CompletedRetentionHours: 24,
				FailedRetentionHours:    72,
				IntervalMinutes:         60,
			},
		},
		Pipelines: PipelinesConfig{
			DefinitionsDir: "./pipelines",
		},
		Agent: AgentConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 8192,
			Timeout:   "5m",
		},
	}
}

// LoadConfig loads configuration from a TOML file, applies environment
// overrides, and validates the result. A missing path returns defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies CONDUCTOR_* environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CONDUCTOR_BADGER_PATH"); v != "" {
		cfg.Storage.Badger.Path = v
	}
	if v := os.Getenv("CONDUCTOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Agent.APIKey == "" {
		cfg.Agent.APIKey = v
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Queue.Retry.BackoffMultiplier <= 0 {
		c.Queue.Retry.BackoffMultiplier = 2.0
	}
	return nil
}
