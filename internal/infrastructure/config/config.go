package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Terminal  TerminalConfig  `yaml:"terminal" toml:"terminal"`
	Spawn     SpawnConfig     `yaml:"spawn" toml:"spawn"`
	Logging   LogConfig       `yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port      string `envconfig:"PORT" yaml:"port" toml:"port"`
	Host      string `envconfig:"HOST" yaml:"host" toml:"host"`
	StaticDir string `envconfig:"STATIC_DIR" yaml:"static_dir" toml:"static_dir"`
}

// TerminalConfig describes the sandboxed program and its terminal.
type TerminalConfig struct {
	BaseDir     string   `envconfig:"BASE_DIR" yaml:"base_dir" toml:"base_dir"`
	Command     string   `envconfig:"COMMAND" yaml:"command" toml:"command"`
	Args        []string `envconfig:"COMMAND_ARGS" yaml:"args" toml:"args"`
	TermName    string   `envconfig:"TERM_NAME" yaml:"term_name" toml:"term_name"`
	DefaultCols int      `envconfig:"DEFAULT_COLS" yaml:"default_cols" toml:"default_cols"`
	DefaultRows int      `envconfig:"DEFAULT_ROWS" yaml:"default_rows" toml:"default_rows"`
	KillTimeout Duration `envconfig:"KILL_TIMEOUT" yaml:"kill_timeout" toml:"kill_timeout"`
	DenyPaths   []string `envconfig:"DENY_PATHS" yaml:"deny_paths" toml:"deny_paths"`
}

// SpawnConfig tunes the circuit breaker around process creation.
type SpawnConfig struct {
	BreakerFailures int      `envconfig:"SPAWN_BREAKER_FAILURES" yaml:"breaker_failures" toml:"breaker_failures"`
	BreakerTimeout  Duration `envconfig:"SPAWN_BREAKER_TIMEOUT" yaml:"breaker_timeout" toml:"breaker_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development" toml:"development"`
}

// RateLimitConfig holds rate limiting configuration. The session limits
// apply per WebSocket connection to start-session and execute-command.
type RateLimitConfig struct {
	RequestsPerSecond int     `envconfig:"RATE_LIMIT_RPS" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `envconfig:"RATE_LIMIT_BURST" yaml:"burst" toml:"burst"`
	Enabled           bool    `envconfig:"RATE_LIMIT_ENABLED" yaml:"enabled" toml:"enabled"`
	SessionStartRate  float64 `envconfig:"SESSION_START_RPS" yaml:"session_start_rps" toml:"session_start_rps"`
	SessionStartBurst int     `envconfig:"SESSION_START_BURST" yaml:"session_start_burst" toml:"session_start_burst"`
}

// Duration is a time.Duration that decodes from strings like "5s" in the
// environment, YAML and TOML alike.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load builds the configuration: defaults, then the file named by
// CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks values that would otherwise fail late at spawn time.
func (c *Config) Validate() error {
	if c.Terminal.Command == "" {
		return fmt.Errorf("invalid config: command must not be empty")
	}
	if c.Terminal.DefaultCols <= 0 || c.Terminal.DefaultRows <= 0 {
		return fmt.Errorf("invalid config: default terminal size must be positive, got %dx%d",
			c.Terminal.DefaultCols, c.Terminal.DefaultRows)
	}
	if c.Terminal.KillTimeout <= 0 {
		return fmt.Errorf("invalid config: kill timeout must be positive")
	}
	if c.Spawn.BreakerFailures <= 0 {
		return fmt.Errorf("invalid config: spawn breaker failures must be positive, got %d", c.Spawn.BreakerFailures)
	}
	if c.Spawn.BreakerTimeout <= 0 {
		return fmt.Errorf("invalid config: spawn breaker timeout must be positive")
	}
	return nil
}

// Default returns default configuration. The base directory defaults to the
// current working directory.
func Default() *Config {
	baseDir, err := os.Getwd()
	if err != nil {
		baseDir = "."
	}

	return &Config{
		Server: ServerConfig{
			Port: "3000",
			Host: "0.0.0.0",
		},
		Terminal: TerminalConfig{
			BaseDir:     baseDir,
			Command:     "claude",
			TermName:    "xterm-color",
			DefaultCols: 80,
			DefaultRows: 30,
			KillTimeout: Duration(5 * time.Second),
		},
		Spawn: SpawnConfig{
			BreakerFailures: 5,
			BreakerTimeout:  Duration(30 * time.Second),
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
			SessionStartRate:  2,
			SessionStartBurst: 5,
		},
	}
}
