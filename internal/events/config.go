package events

import (
	"fmt"
	"os"
)

// Drivers supported by New.
const (
	DriverNone     = "none"
	DriverLog      = "log"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config selects the event sink.
type Config struct {
	Driver   string `toml:"driver"`
	Channel  string `toml:"channel"`
	RedisURL string `toml:"redis_url"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	Driver   string
	Channel  string
	RedisURL string
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *Config) Finalize(env *Env) error {
	c.loadDefaults()
	if env != nil {
		c.loadEnv(env)
	}
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *Config) Merge(overlay *Config) {
	if overlay.Driver != "" {
		c.Driver = overlay.Driver
	}
	if overlay.Channel != "" {
		c.Channel = overlay.Channel
	}
	if overlay.RedisURL != "" {
		c.RedisURL = overlay.RedisURL
	}
}

func (c *Config) loadDefaults() {
	if c.Driver == "" {
		c.Driver = DriverLog
	}
	if c.Channel == "" {
		c.Channel = "docmark_events"
	}
}

func (c *Config) loadEnv(env *Env) {
	if env.Driver != "" {
		if v := os.Getenv(env.Driver); v != "" {
			c.Driver = v
		}
	}
	if env.Channel != "" {
		if v := os.Getenv(env.Channel); v != "" {
			c.Channel = v
		}
	}
	if env.RedisURL != "" {
		if v := os.Getenv(env.RedisURL); v != "" {
			c.RedisURL = v
		}
	}
}

func (c *Config) validate() error {
	switch c.Driver {
	case DriverNone, DriverLog, DriverPostgres:
	case DriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis_url required")
		}
	default:
		return fmt.Errorf("unknown driver %q", c.Driver)
	}
	if c.Channel == "" {
		return fmt.Errorf("channel required")
	}
	return nil
}
