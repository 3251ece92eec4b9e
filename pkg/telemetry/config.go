package telemetry

import (
	"fmt"
	"os"
	"time"
)

// Exporters supported by New.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Config selects where metrics and traces are exported.
type Config struct {
	Exporter    string `toml:"exporter"`
	ServiceName string `toml:"service_name"`
	Interval    string `toml:"interval"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	Exporter    string
	ServiceName string
	Interval    string
}

// IntervalDuration returns Interval as a time.Duration.
func (c *Config) IntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.Interval)
	return d
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
	if overlay.Exporter != "" {
		c.Exporter = overlay.Exporter
	}
	if overlay.ServiceName != "" {
		c.ServiceName = overlay.ServiceName
	}
	if overlay.Interval != "" {
		c.Interval = overlay.Interval
	}
}

func (c *Config) loadDefaults() {
	if c.Exporter == "" {
		c.Exporter = ExporterNone
	}
	if c.ServiceName == "" {
		c.ServiceName = "docmark"
	}
	if c.Interval == "" {
		c.Interval = "1m"
	}
}

func (c *Config) loadEnv(env *Env) {
	if env.Exporter != "" {
		if v := os.Getenv(env.Exporter); v != "" {
			c.Exporter = v
		}
	}
	if env.ServiceName != "" {
		if v := os.Getenv(env.ServiceName); v != "" {
			c.ServiceName = v
		}
	}
	if env.Interval != "" {
		if v := os.Getenv(env.Interval); v != "" {
			c.Interval = v
		}
	}
}

func (c *Config) validate() error {
	switch c.Exporter {
	case ExporterNone, ExporterStdout:
	default:
		return fmt.Errorf("unknown exporter %q", c.Exporter)
	}
	if d, err := time.ParseDuration(c.Interval); err != nil || d <= 0 {
		return fmt.Errorf("invalid interval: %q", c.Interval)
	}
	return nil
}
