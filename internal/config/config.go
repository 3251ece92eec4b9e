// Package config loads the docmark configuration from TOML files and DOCMARK_*
// environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/JaimeStill/docmark/internal/events"
	"github.com/JaimeStill/docmark/pkg/database"
	"github.com/JaimeStill/docmark/pkg/storage"
	"github.com/JaimeStill/docmark/pkg/telemetry"
)

const (
	BaseConfigFile       = "config.toml"
	OverlayConfigPattern = "config.%s.toml"

	EnvDocmarkEnv             = "DOCMARK_ENV"
	EnvDocmarkShutdownTimeout = "DOCMARK_SHUTDOWN_TIMEOUT"
	EnvDocmarkVersion         = "DOCMARK_VERSION"
	EnvDocmarkLogLevel        = "DOCMARK_LOG_LEVEL"
	EnvDocmarkLogFormat       = "DOCMARK_LOG_FORMAT"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

var databaseEnv = &database.Env{
	Host:            "DOCMARK_DB_HOST",
	Port:            "DOCMARK_DB_PORT",
	Name:            "DOCMARK_DB_NAME",
	User:            "DOCMARK_DB_USER",
	Password:        "DOCMARK_DB_PASSWORD",
	SSLMode:         "DOCMARK_DB_SSL_MODE",
	MaxOpenConns:    "DOCMARK_DB_MAX_OPEN_CONNS",
	MaxIdleConns:    "DOCMARK_DB_MAX_IDLE_CONNS",
	ConnMaxLifetime: "DOCMARK_DB_CONN_MAX_LIFETIME",
	ConnTimeout:     "DOCMARK_DB_CONN_TIMEOUT",
}

var storageEnv = &storage.Env{
	Provider:         "DOCMARK_STORAGE_PROVIDER",
	ContainerName:    "DOCMARK_STORAGE_CONTAINER_NAME",
	ConnectionString: "DOCMARK_STORAGE_CONNECTION_STRING",
	AccountURL:       "DOCMARK_STORAGE_ACCOUNT_URL",
	LocalPath:        "DOCMARK_STORAGE_LOCAL_PATH",
}

var eventsEnv = &events.Env{
	Driver:   "DOCMARK_EVENTS_DRIVER",
	Channel:  "DOCMARK_EVENTS_CHANNEL",
	RedisURL: "DOCMARK_EVENTS_REDIS_URL",
}

var telemetryEnv = &telemetry.Env{
	Exporter:    "DOCMARK_TELEMETRY_EXPORTER",
	ServiceName: "DOCMARK_TELEMETRY_SERVICE_NAME",
	Interval:    "DOCMARK_TELEMETRY_INTERVAL",
}

// Config is the root configuration for docmark.
type Config struct {
	Server          ServerConfig     `toml:"server"`
	Database        database.Config  `toml:"database"`
	Storage         storage.Config   `toml:"storage"`
	API             APIConfig        `toml:"api"`
	Queue           QueueConfig      `toml:"queue"`
	LLM             LLMConfig        `toml:"llm"`
	Events          events.Config    `toml:"events"`
	Telemetry       telemetry.Config `toml:"telemetry"`
	ShutdownTimeout string           `toml:"shutdown_timeout"`
	Version         string           `toml:"version"`
	LogLevel        string           `toml:"log_level"`
	LogFormat       string           `toml:"log_format"`
}

// Env returns the DOCMARK_ENV value, defaulting to "local".
func (c *Config) Env() string {
	if env := os.Getenv(EnvDocmarkEnv); env != "" {
		return env
	}
	return "local"
}

// ShutdownTimeoutDuration returns ShutdownTimeout as a time.Duration.
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ShutdownTimeout)
	return d
}

// Level returns LogLevel as a slog.Level.
func (c *Config) Level() slog.Level {
	var l slog.Level
	_ = l.UnmarshalText([]byte(c.LogLevel))
	return l
}

// Load reads the base config (if present), applies any environment overlay,
// and finalizes all values. If no config.toml exists, defaults and environment
// variables provide all configuration.
func Load() (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(BaseConfigFile); err == nil {
		loaded, err := load(BaseConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if path := overlayPath(); path != "" {
		overlay, err := load(path)
		if err != nil {
			return nil, fmt.Errorf("load overlay %s: %w", path, err)
		}
		cfg.Merge(overlay)
	}

	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("finalize config: %w", err)
	}

	return cfg, nil
}

// Merge overwrites non-zero fields from overlay across all sub-configs.
func (c *Config) Merge(overlay *Config) {
	if overlay.ShutdownTimeout != "" {
		c.ShutdownTimeout = overlay.ShutdownTimeout
	}
	if overlay.Version != "" {
		c.Version = overlay.Version
	}
	if overlay.LogLevel != "" {
		c.LogLevel = overlay.LogLevel
	}
	if overlay.LogFormat != "" {
		c.LogFormat = overlay.LogFormat
	}
	c.Server.Merge(&overlay.Server)
	c.Database.Merge(&overlay.Database)
	c.Storage.Merge(&overlay.Storage)
	c.API.Merge(&overlay.API)
	c.Queue.Merge(&overlay.Queue)
	c.LLM.Merge(&overlay.LLM)
	c.Events.Merge(&overlay.Events)
	c.Telemetry.Merge(&overlay.Telemetry)
}

func (c *Config) finalize() error {
	c.loadDefaults()
	c.loadEnv()

	if err := c.validate(); err != nil {
		return err
	}
	if err := c.Server.Finalize(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Database.Finalize(databaseEnv); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Storage.Finalize(storageEnv); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.API.Finalize(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if err := c.Queue.Finalize(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := c.LLM.Finalize(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Events.Finalize(eventsEnv); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	if err := c.Telemetry.Finalize(telemetryEnv); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

func (c *Config) loadDefaults() {
	if c.ShutdownTimeout == "" {
		c.ShutdownTimeout = "30s"
	}
	if c.Version == "" {
		c.Version = "0.1.0"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = LogFormatText
	}
}

func (c *Config) loadEnv() {
	if v := os.Getenv(EnvDocmarkShutdownTimeout); v != "" {
		c.ShutdownTimeout = v
	}
	if v := os.Getenv(EnvDocmarkVersion); v != "" {
		c.Version = v
	}
	if v := os.Getenv(EnvDocmarkLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvDocmarkLogFormat); v != "" {
		c.LogFormat = strings.ToLower(v)
	}
}

func (c *Config) validate() error {
	if _, err := time.ParseDuration(c.ShutdownTimeout); err != nil {
		return fmt.Errorf("invalid shutdown_timeout: %w", err)
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("invalid log_format: %q", c.LogFormat)
	}
	return nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

func overlayPath() string {
	if env := os.Getenv(EnvDocmarkEnv); env != "" {
		path := fmt.Sprintf(OverlayConfigPattern, env)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
