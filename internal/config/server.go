package config

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

const (
	EnvServerHost              = "DOCMARK_SERVER_HOST"
	EnvServerPort              = "DOCMARK_SERVER_PORT"
	EnvServerReadHeaderTimeout = "DOCMARK_SERVER_READ_HEADER_TIMEOUT"
	EnvServerReadTimeout       = "DOCMARK_SERVER_READ_TIMEOUT"
	EnvServerWriteTimeout      = "DOCMARK_SERVER_WRITE_TIMEOUT"
	EnvServerIdleTimeout       = "DOCMARK_SERVER_IDLE_TIMEOUT"
	EnvServerShutdownTimeout   = "DOCMARK_SERVER_SHUTDOWN_TIMEOUT"
)

// ServerConfig holds the listener settings for the status and task API.
// Read timeouts bound document uploads; write timeouts bound result downloads.
type ServerConfig struct {
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	ReadHeaderTimeout string `toml:"read_header_timeout"`
	ReadTimeout       string `toml:"read_timeout"`
	WriteTimeout      string `toml:"write_timeout"`
	IdleTimeout       string `toml:"idle_timeout"`
	ShutdownTimeout   string `toml:"shutdown_timeout"`
}

type serverDuration struct {
	name string
	env  string
	def  string
	val  *string
}

func (c *ServerConfig) timeouts() []serverDuration {
	return []serverDuration{
		{"read_header_timeout", EnvServerReadHeaderTimeout, "10s", &c.ReadHeaderTimeout},
		{"read_timeout", EnvServerReadTimeout, "5m", &c.ReadTimeout},
		{"write_timeout", EnvServerWriteTimeout, "5m", &c.WriteTimeout},
		{"idle_timeout", EnvServerIdleTimeout, "2m", &c.IdleTimeout},
		{"shutdown_timeout", EnvServerShutdownTimeout, "30s", &c.ShutdownTimeout},
	}
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ShutdownTimeoutDuration returns ShutdownTimeout as a time.Duration.
func (c *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ShutdownTimeout)
	return d
}

// HTTPServer builds an http.Server for h using the configured address and timeouts.
func (c *ServerConfig) HTTPServer(h http.Handler) *http.Server {
	parse := func(s string) time.Duration {
		d, _ := time.ParseDuration(s)
		return d
	}
	return &http.Server{
		Addr:              c.Addr(),
		Handler:           h,
		ReadHeaderTimeout: parse(c.ReadHeaderTimeout),
		ReadTimeout:       parse(c.ReadTimeout),
		WriteTimeout:      parse(c.WriteTimeout),
		IdleTimeout:       parse(c.IdleTimeout),
	}
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *ServerConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *ServerConfig) Merge(overlay *ServerConfig) {
	if overlay.Host != "" {
		c.Host = overlay.Host
	}
	if overlay.Port != 0 {
		c.Port = overlay.Port
	}
	theirs := overlay.timeouts()
	for i, d := range c.timeouts() {
		if v := *theirs[i].val; v != "" {
			*d.val = v
		}
	}
}

func (c *ServerConfig) loadDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	for _, d := range c.timeouts() {
		if *d.val == "" {
			*d.val = d.def
		}
	}
}

func (c *ServerConfig) loadEnv() {
	if v := os.Getenv(EnvServerHost); v != "" {
		c.Host = v
	}
	if v := os.Getenv(EnvServerPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	for _, d := range c.timeouts() {
		if v := os.Getenv(d.env); v != "" {
			*d.val = v
		}
	}
}

func (c *ServerConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	for _, d := range c.timeouts() {
		v, err := time.ParseDuration(*d.val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("invalid %s: negative duration %s", d.name, v)
		}
	}
	return nil
}
