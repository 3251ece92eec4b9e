package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/JaimeStill/docmark/pkg/formatting"
)

// Provider kinds understood by the llm package.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

const (
	EnvLLMSystemPrompt = "DOCMARK_LLM_SYSTEM_PROMPT"
	EnvLLMPrompt       = "DOCMARK_LLM_PROMPT"
	EnvLLMMaxTokens    = "DOCMARK_LLM_MAX_TOKENS"
	EnvLLMMaxImageSize = "DOCMARK_LLM_MAX_IMAGE_SIZE"
	EnvLLMTimeout      = "DOCMARK_LLM_TIMEOUT"

	// Provider overrides take the form DOCMARK_LLM_<NAME>_API_KEY and
	// DOCMARK_LLM_<NAME>_BASE_URL.
	envProviderPrefix = "DOCMARK_LLM_"
)

const (
	defaultSystemPrompt = "You convert images of document pages into clean, faithful Markdown."
	defaultPrompt       = "Convert this page to Markdown. Preserve headings, lists, tables, " +
		"and emphasis. Transcribe text exactly. Output only the Markdown."
)

var defaultBaseURLs = map[string]string{
	ProviderOpenAI:    "https://api.openai.com/v1",
	ProviderAnthropic: "https://api.anthropic.com",
	ProviderGemini:    "https://generativelanguage.googleapis.com",
}

// ProviderConfig configures one named model endpoint. Kind selects the wire
// protocol; it defaults to the provider name when that names a known kind.
type ProviderConfig struct {
	Kind    string `toml:"kind"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

// LLMConfig holds the model providers and page conversion prompt.
type LLMConfig struct {
	Providers    map[string]ProviderConfig `toml:"providers"`
	SystemPrompt string                    `toml:"system_prompt"`
	Prompt       string                    `toml:"prompt"`
	MaxTokens    int                       `toml:"max_tokens"`
	MaxImageSize string                    `toml:"max_image_size"`
	Timeout      string                    `toml:"timeout"`
}

// TimeoutDuration returns Timeout as a time.Duration.
func (c *LLMConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// MaxImageSizeBytes returns MaxImageSize in bytes.
func (c *LLMConfig) MaxImageSizeBytes() int64 {
	n, _ := formatting.ParseBytes(c.MaxImageSize)
	return n
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *LLMConfig) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

// Merge overwrites non-zero fields from overlay. Providers merge by name.
func (c *LLMConfig) Merge(overlay *LLMConfig) {
	for name, p := range overlay.Providers {
		if c.Providers == nil {
			c.Providers = make(map[string]ProviderConfig)
		}
		base := c.Providers[name]
		if p.Kind != "" {
			base.Kind = p.Kind
		}
		if p.BaseURL != "" {
			base.BaseURL = p.BaseURL
		}
		if p.APIKey != "" {
			base.APIKey = p.APIKey
		}
		c.Providers[name] = base
	}
	if overlay.SystemPrompt != "" {
		c.SystemPrompt = overlay.SystemPrompt
	}
	if overlay.Prompt != "" {
		c.Prompt = overlay.Prompt
	}
	if overlay.MaxTokens != 0 {
		c.MaxTokens = overlay.MaxTokens
	}
	if overlay.MaxImageSize != "" {
		c.MaxImageSize = overlay.MaxImageSize
	}
	if overlay.Timeout != "" {
		c.Timeout = overlay.Timeout
	}
}

func (c *LLMConfig) loadDefaults() {
	if len(c.Providers) == 0 {
		c.Providers = make(map[string]ProviderConfig, len(defaultBaseURLs))
		for name := range defaultBaseURLs {
			c.Providers[name] = ProviderConfig{}
		}
	}
	for name, p := range c.Providers {
		if p.Kind == "" {
			p.Kind = name
		}
		if p.BaseURL == "" {
			p.BaseURL = defaultBaseURLs[p.Kind]
		}
		c.Providers[name] = p
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.Prompt == "" {
		c.Prompt = defaultPrompt
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	if c.MaxImageSize == "" {
		c.MaxImageSize = "20MB"
	}
	if c.Timeout == "" {
		c.Timeout = "5m"
	}
}

func (c *LLMConfig) loadEnv() {
	for name, p := range c.Providers {
		prefix := envProviderPrefix + strings.ToUpper(name) + "_"
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			p.APIKey = v
		}
		if v := os.Getenv(prefix + "BASE_URL"); v != "" {
			p.BaseURL = v
		}
		c.Providers[name] = p
	}
	if v := os.Getenv(EnvLLMSystemPrompt); v != "" {
		c.SystemPrompt = v
	}
	if v := os.Getenv(EnvLLMPrompt); v != "" {
		c.Prompt = v
	}
	if v := os.Getenv(EnvLLMMaxTokens); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxTokens = n
		}
	}
	if v := os.Getenv(EnvLLMMaxImageSize); v != "" {
		c.MaxImageSize = v
	}
	if v := os.Getenv(EnvLLMTimeout); v != "" {
		c.Timeout = v
	}
}

func (c *LLMConfig) validate() error {
	for name, p := range c.Providers {
		switch p.Kind {
		case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		default:
			return fmt.Errorf("provider %s: unknown kind %q", name, p.Kind)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url required", name)
		}
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive: %d", c.MaxTokens)
	}
	if n, err := formatting.ParseBytes(c.MaxImageSize); err != nil || n <= 0 {
		return fmt.Errorf("invalid max_image_size: %q", c.MaxImageSize)
	}
	if d, err := time.ParseDuration(c.Timeout); err != nil || d <= 0 {
		return fmt.Errorf("invalid timeout: %q", c.Timeout)
	}
	return nil
}
