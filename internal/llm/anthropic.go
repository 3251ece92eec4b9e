package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 8192
)

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	baseURL string
	t       *transport
}

// NewAnthropic creates an Anthropic client.
func NewAnthropic(baseURL, apiKey string, hc *http.Client, logger *slog.Logger) *Anthropic {
	return &Anthropic{
		baseURL: strings.TrimRight(baseURL, "/"),
		t: &transport{
			name:   "anthropic",
			http:   hc,
			logger: logger.With("provider", "anthropic"),
			headers: map[string]string{
				"x-api-key":         apiKey,
				"anthropic-version": anthropicVersion,
			},
		},
	}
}

func (c *Anthropic) Completion(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": req.Image.MimeType,
						"data":       base64.StdEncoding.EncodeToString(req.Image.Data),
					},
				},
				{"type": "text", "text": req.Prompt},
			},
		}},
	}
	if req.System != "" {
		body["system"] = req.System
	}

	raw, err := c.t.post(ctx, c.baseURL+"/v1/messages", body)
	if err != nil {
		return nil, err
	}

	var msg struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &Response{Content: sb.String(), Raw: raw}, nil
}
