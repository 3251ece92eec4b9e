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

// OpenAI calls an OpenAI-compatible chat/completions endpoint. This covers
// OpenAI itself and compatible gateways such as OpenRouter, vLLM, and Ollama.
type OpenAI struct {
	baseURL string
	t       *transport
}

// NewOpenAI creates an OpenAI-compatible client.
func NewOpenAI(baseURL, apiKey string, hc *http.Client, logger *slog.Logger) *OpenAI {
	headers := map[string]string{}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		t: &transport{
			name:    "openai",
			http:    hc,
			logger:  logger.With("provider", "openai"),
			headers: headers,
		},
	}
}

func (c *OpenAI) Completion(ctx context.Context, req Request) (*Response, error) {
	messages := make([]map[string]any, 0, 2)
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]any{
		"role": "user",
		"content": []map[string]any{
			{"type": "text", "text": req.Prompt},
			{"type": "image_url", "image_url": map[string]any{"url": dataURI(req.Image)}},
		},
	})

	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	raw, err := c.t.post(ctx, c.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return &Response{Raw: raw}, nil
	}

	return &Response{Content: cc.Choices[0].Message.Content, Raw: raw}, nil
}

func dataURI(img Image) string {
	return "data:" + img.MimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
