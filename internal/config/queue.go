package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JaimeStill/docmark/pkg/formatting"
)

const (
	EnvQueueTxRetries       = "DOCMARK_QUEUE_TX_RETRIES"
	EnvQueueWorkDir         = "DOCMARK_QUEUE_WORK_DIR"
	EnvQueueMaxDocumentSize = "DOCMARK_QUEUE_MAX_DOCUMENT_SIZE"

	// Per-stage overrides take the form DOCMARK_QUEUE_<STAGE>_<FIELD>,
	// e.g. DOCMARK_QUEUE_CONVERTER_CONCURRENCY.
	envStagePrefix = "DOCMARK_QUEUE_"
)

// StageConfig tunes the workers of one pipeline stage.
type StageConfig struct {
	PollInterval     string `toml:"poll_interval"`
	MaxRetries       int    `toml:"max_retries"`
	MaxContentLength int    `toml:"max_content_length"`
	RetryDelayBase   string `toml:"retry_delay_base"`
	Concurrency      int    `toml:"concurrency"`
	ClaimBatch       int    `toml:"claim_batch"`
}

// PollIntervalDuration returns PollInterval as a time.Duration.
func (c *StageConfig) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)
	return d
}

// RetryDelayBaseDuration returns RetryDelayBase as a time.Duration.
func (c *StageConfig) RetryDelayBaseDuration() time.Duration {
	d, _ := time.ParseDuration(c.RetryDelayBase)
	return d
}

// Merge overwrites non-zero fields from overlay.
func (c *StageConfig) Merge(overlay *StageConfig) {
	if overlay.PollInterval != "" {
		c.PollInterval = overlay.PollInterval
	}
	if overlay.MaxRetries != 0 {
		c.MaxRetries = overlay.MaxRetries
	}
	if overlay.MaxContentLength != 0 {
		c.MaxContentLength = overlay.MaxContentLength
	}
	if overlay.RetryDelayBase != "" {
		c.RetryDelayBase = overlay.RetryDelayBase
	}
	if overlay.Concurrency != 0 {
		c.Concurrency = overlay.Concurrency
	}
	if overlay.ClaimBatch != 0 {
		c.ClaimBatch = overlay.ClaimBatch
	}
}

func (c *StageConfig) loadDefaults(pollInterval string, concurrency int) {
	if c.PollInterval == "" {
		c.PollInterval = pollInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxContentLength == 0 {
		c.MaxContentLength = 500000
	}
	if c.RetryDelayBase == "" {
		c.RetryDelayBase = "1s"
	}
	if c.Concurrency == 0 {
		c.Concurrency = concurrency
	}
	if c.ClaimBatch == 0 {
		c.ClaimBatch = 10
	}
}

func (c *StageConfig) loadEnv(stage string) {
	prefix := envStagePrefix + strings.ToUpper(stage) + "_"

	if v := os.Getenv(prefix + "POLL_INTERVAL"); v != "" {
		c.PollInterval = v
	}
	if v := os.Getenv(prefix + "RETRY_DELAY_BASE"); v != "" {
		c.RetryDelayBase = v
	}

	ints := map[string]*int{
		"MAX_RETRIES":        &c.MaxRetries,
		"MAX_CONTENT_LENGTH": &c.MaxContentLength,
		"CONCURRENCY":        &c.Concurrency,
		"CLAIM_BATCH":        &c.ClaimBatch,
	}
	for name, field := range ints {
		if v := os.Getenv(prefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*field = n
			}
		}
	}
}

func (c *StageConfig) validate() error {
	if d, err := time.ParseDuration(c.PollInterval); err != nil || d <= 0 {
		return fmt.Errorf("invalid poll_interval: %q", c.PollInterval)
	}
	if d, err := time.ParseDuration(c.RetryDelayBase); err != nil || d < 0 {
		return fmt.Errorf("invalid retry_delay_base: %q", c.RetryDelayBase)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative: %d", c.MaxRetries)
	}
	if c.MaxContentLength < 1 {
		return fmt.Errorf("max_content_length must be positive: %d", c.MaxContentLength)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative: %d", c.Concurrency)
	}
	if c.ClaimBatch < 1 {
		return fmt.Errorf("claim_batch must be positive: %d", c.ClaimBatch)
	}
	return nil
}

// QueueConfig holds worker settings for the split, convert, and merge stages.
// A stage with zero concurrency runs no workers in this process.
type QueueConfig struct {
	Splitter        StageConfig `toml:"splitter"`
	Converter       StageConfig `toml:"converter"`
	Merger          StageConfig `toml:"merger"`
	TxRetries       int         `toml:"tx_retries"`
	WorkDir         string      `toml:"work_dir"`
	MaxDocumentSize string      `toml:"max_document_size"`
}

// MaxDocumentSizeBytes returns MaxDocumentSize in bytes.
func (c *QueueConfig) MaxDocumentSizeBytes() int64 {
	n, _ := formatting.ParseBytes(c.MaxDocumentSize)
	return n
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *QueueConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *QueueConfig) Merge(overlay *QueueConfig) {
	c.Splitter.Merge(&overlay.Splitter)
	c.Converter.Merge(&overlay.Converter)
	c.Merger.Merge(&overlay.Merger)
	if overlay.TxRetries != 0 {
		c.TxRetries = overlay.TxRetries
	}
	if overlay.WorkDir != "" {
		c.WorkDir = overlay.WorkDir
	}
	if overlay.MaxDocumentSize != "" {
		c.MaxDocumentSize = overlay.MaxDocumentSize
	}
}

func (c *QueueConfig) loadDefaults() {
	c.Splitter.loadDefaults("2s", 1)
	c.Converter.loadDefaults("1s", 4)
	c.Merger.loadDefaults("2s", 1)
	if c.TxRetries == 0 {
		c.TxRetries = 5
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "docmark")
	}
	if c.MaxDocumentSize == "" {
		c.MaxDocumentSize = "100MB"
	}
}

func (c *QueueConfig) loadEnv() {
	c.Splitter.loadEnv("splitter")
	c.Converter.loadEnv("converter")
	c.Merger.loadEnv("merger")

	if v := os.Getenv(EnvQueueTxRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TxRetries = n
		}
	}
	if v := os.Getenv(EnvQueueWorkDir); v != "" {
		c.WorkDir = v
	}
	if v := os.Getenv(EnvQueueMaxDocumentSize); v != "" {
		c.MaxDocumentSize = v
	}
}

func (c *QueueConfig) validate() error {
	stages := map[string]*StageConfig{
		"splitter":  &c.Splitter,
		"converter": &c.Converter,
		"merger":    &c.Merger,
	}
	for name, s := range stages {
		if err := s.validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.TxRetries < 1 {
		return fmt.Errorf("tx_retries must be positive: %d", c.TxRetries)
	}
	if n, err := formatting.ParseBytes(c.MaxDocumentSize); err != nil || n <= 0 {
		return fmt.Errorf("invalid max_document_size: %q", c.MaxDocumentSize)
	}
	return nil
}
