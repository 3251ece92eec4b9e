package queue

import (
	"errors"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"
)

// Category classifies a conversion failure for retry decisions.
type Category string

const (
	CategoryNetwork   Category = "network_error"
	CategoryLLM       Category = "llm_error"
	CategoryRateLimit Category = "rate_limit_error"
	CategoryQuota     Category = "quota_exceeded_error"
	CategoryConfig    Category = "config_error"
	CategoryFile      Category = "file_error"
	CategoryTimeout   Category = "timeout_error"
	CategoryUnknown   Category = "unknown_error"
)

const (
	// MaxRetryDelay caps CalculateRetryDelay regardless of attempt or category.
	MaxRetryDelay = 30 * time.Second
	// MaxErrorLength is the longest message FormatError returns, in runes.
	MaxErrorLength = 1000

	jitterFraction = 0.1
	ellipsis       = "..."
)

// Content defects detected after a completion call.
var (
	ErrEmptyContent   = errors.New("LLM returned empty content")
	ErrContentTooLong = errors.New("Content exceeds maximum length")
)

type rule struct {
	category Category
	tokens   []string
}

// rules is evaluated in order against the lowercased message; first match wins.
var rules = []rule{
	{CategoryNetwork, []string{
		"econnrefused", "connection refused", "econnreset", "connection reset",
		"enotfound", "no such host", "getaddrinfo", "etimedout", "i/o timeout",
		"fetch failed", "socket", "broken pipe", "network is unreachable",
	}},
	{CategoryRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{CategoryQuota, []string{"quota", "billing"}},
	{CategoryConfig, []string{
		"invalid api key", "invalid_api_key", "incorrect api key", "unauthorized", "401",
		"model not found", "model_not_found", "not configured",
	}},
	{CategoryFile, []string{"no such file", "enoent", "blob not found", "image exceeds maximum size", "is not an image"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
}

var retryable = map[Category]bool{
	CategoryNetwork:   true,
	CategoryLLM:       true,
	CategoryRateLimit: true,
	CategoryTimeout:   true,
	CategoryUnknown:   true,
	CategoryQuota:     false,
	CategoryConfig:    false,
	CategoryFile:      false,
}

// AnalyzeError maps a failure to its Category. Content defects are llm_error;
// everything else is matched against an ordered token table.
func AnalyzeError(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, ErrEmptyContent) || errors.Is(err, ErrContentTooLong) {
		return CategoryLLM
	}

	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, token := range r.tokens {
			if strings.Contains(msg, token) {
				return r.category
			}
		}
	}
	return CategoryUnknown
}

// IsRetryable reports whether failures of category c may succeed on another attempt.
func IsRetryable(c Category) bool {
	return retryable[c]
}

// CalculateRetryDelay returns the wait before retry number attempt (1-based):
// base doubled per attempt, doubled again for rate limits, plus up to 10%
// random jitter, capped at MaxRetryDelay.
func CalculateRetryDelay(attempt int, c Category, base time.Duration) time.Duration {
	attempt = max(attempt, 1)

	delay := float64(base) * float64(uint64(1)<<min(attempt-1, 32))
	if c == CategoryRateLimit {
		delay *= 2
	}
	delay += delay * jitterFraction * rand.Float64()

	if delay >= float64(MaxRetryDelay) {
		return MaxRetryDelay
	}
	return time.Duration(delay)
}

// FormatError renders err for persistence, truncated to MaxErrorLength runes
// with a trailing ellipsis when shortened.
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}

	runes := []rune(msg)
	return string(runes[:MaxErrorLength-len(ellipsis)]) + ellipsis
}
