// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ashureev/chatdesk/internal/shared"
)

// ConfigFileEnv names the environment variable pointing at an optional YAML file.
const ConfigFileEnv = "CONFIG_FILE"

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Presence   PresenceConfig   `yaml:"presence"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Retry      RetryConfig      `yaml:"retry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Port           string   `yaml:"port" env:"PORT"`
	FrontendURL    string   `yaml:"frontend_url" env:"FRONTEND_URL"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	GRPCHealthAddr string   `yaml:"grpc_health_addr" env:"GRPC_HEALTH_ADDR"`

	ShutdownTimeout    time.Duration `yaml:"-" env:"SHUTDOWN_TIMEOUT"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the SQLite location.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"DB_PATH"`
}

// PresenceConfig controls ghost agent detection.
type PresenceConfig struct {
	HeartbeatTimeout time.Duration `yaml:"-" env:"HEARTBEAT_TIMEOUT"`
	ReaperInterval   time.Duration `yaml:"-" env:"REAPER_INTERVAL"`

	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
	ReaperIntervalRaw   string `yaml:"reaper_interval"`
}

// TranscriptConfig controls the background transcript writer.
type TranscriptConfig struct {
	AppendTimeout time.Duration `yaml:"-" env:"WRITER_APPEND_TIMEOUT"`
	DrainTimeout  time.Duration `yaml:"-" env:"WRITER_DRAIN_TIMEOUT"`

	AppendTimeoutRaw string `yaml:"append_timeout"`
	DrainTimeoutRaw  string `yaml:"drain_timeout"`
}

// RetryConfig controls backoff for SQLITE_BUSY and SQLITE_LOCKED errors.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"DB_MAX_RETRIES"`
	BaseDelay  time.Duration `yaml:"-" env:"DB_RETRY_BASE_DELAY"`

	BaseDelayRaw string `yaml:"base_delay"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{Path: "./data/chatdesk.db"},
		Presence: PresenceConfig{
			HeartbeatTimeout: 2 * time.Minute,
			ReaperInterval:   time.Minute,
		},
		Transcript: TranscriptConfig{
			AppendTimeout: 5 * time.Second,
			DrainTimeout:  10 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: shared.DefaultRetryPolicy.MaxRetries,
			BaseDelay:  shared.DefaultRetryPolicy.BaseDelay,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// CONFIG_FILE, and environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(c *Config) error {
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"server.shutdown_timeout", c.Server.ShutdownTimeoutRaw, &c.Server.ShutdownTimeout},
		{"presence.heartbeat_timeout", c.Presence.HeartbeatTimeoutRaw, &c.Presence.HeartbeatTimeout},
		{"presence.reaper_interval", c.Presence.ReaperIntervalRaw, &c.Presence.ReaperInterval},
		{"transcript.append_timeout", c.Transcript.AppendTimeoutRaw, &c.Transcript.AppendTimeout},
		{"transcript.drain_timeout", c.Transcript.DrainTimeoutRaw, &c.Transcript.DrainTimeout},
		{"retry.base_delay", c.Retry.BaseDelayRaw, &c.Retry.BaseDelay},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.key, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.Server.AllowedOrigins) == 0 {
		return fmt.Errorf("ALLOWED_ORIGINS cannot be empty")
	}
	positive := []struct {
		key string
		val time.Duration
	}{
		{"HEARTBEAT_TIMEOUT", c.Presence.HeartbeatTimeout},
		{"REAPER_INTERVAL", c.Presence.ReaperInterval},
		{"WRITER_APPEND_TIMEOUT", c.Transcript.AppendTimeout},
		{"WRITER_DRAIN_TIMEOUT", c.Transcript.DrainTimeout},
		{"DB_RETRY_BASE_DELAY", c.Retry.BaseDelay},
		{"SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%s must be > 0", p.key)
		}
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// RetryPolicy converts the retry settings for the shared backoff helper.
func (c *Config) RetryPolicy() shared.RetryPolicy {
	return shared.RetryPolicy{MaxRetries: c.Retry.MaxRetries, BaseDelay: c.Retry.BaseDelay}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.FrontendURL == "" ||
		strings.Contains(c.Server.FrontendURL, "localhost") ||
		strings.Contains(c.Server.FrontendURL, "127.0.0.1")
}

// SlogLevel parses the configured level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", l.Level, err)
	}
	return level, nil
}
