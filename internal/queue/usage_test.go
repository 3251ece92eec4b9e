package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JaimeStill/docmark/internal/queue"
)

func TestExtractUsage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want queue.Usage
	}{
		{
			"openai",
			`{"choices":[],"usage":{"prompt_tokens":812,"completion_tokens":240,"total_tokens":1052}}`,
			queue.Usage{InputTokens: 812, OutputTokens: 240},
		},
		{
			"anthropic",
			`{"content":[],"usage":{"input_tokens":1500,"output_tokens":310}}`,
			queue.Usage{InputTokens: 1500, OutputTokens: 310},
		},
		{
			"gemini",
			`{"candidates":[],"usageMetadata":{"promptTokenCount":258,"candidatesTokenCount":97}}`,
			queue.Usage{InputTokens: 258, OutputTokens: 97},
		},
		{
			"partial fields",
			`{"usage":{"completion_tokens":12}}`,
			queue.Usage{OutputTokens: 12},
		},
		{
			"negative counts",
			`{"usage":{"input_tokens":-4,"output_tokens":9}}`,
			queue.Usage{OutputTokens: 9},
		},
		{"no usage", `{"choices":[]}`, queue.Usage{}},
		{"usage wrong type", `{"usage":"n/a"}`, queue.Usage{}},
		{"not json", `<html>bad gateway</html>`, queue.Usage{}},
		{"empty", ``, queue.Usage{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, queue.ExtractUsage([]byte(tt.raw)))
		})
	}
}
