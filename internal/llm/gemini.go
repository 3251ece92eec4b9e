package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Gemini calls the Gemini generateContent API.
type Gemini struct {
	baseURL string
	t       *transport
}

// NewGemini creates a Gemini client.
func NewGemini(baseURL, apiKey string, hc *http.Client, logger *slog.Logger) *Gemini {
	return &Gemini{
		baseURL: strings.TrimRight(baseURL, "/"),
		t: &transport{
			name:    "gemini",
			http:    hc,
			logger:  logger.With("provider", "gemini"),
			headers: map[string]string{"x-goog-api-key": apiKey},
		},
	}
}

func (c *Gemini) Completion(ctx context.Context, req Request) (*Response, error) {
	body := map[string]any{
		"contents": []map[string]any{{
			"role": "user",
			"parts": []map[string]any{
				{"text": req.Prompt},
				{"inline_data": map[string]any{
					"mime_type": req.Image.MimeType,
					"data":      base64.StdEncoding.EncodeToString(req.Image.Data),
				}},
			},
		}},
	}
	if req.System != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.System}},
		}
	}
	if req.MaxTokens > 0 {
		body["generationConfig"] = map[string]any{"maxOutputTokens": req.MaxTokens}
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, url.PathEscape(req.Model))
	raw, err := c.t.post(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}

	var gen struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &gen); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}
	if len(gen.Candidates) == 0 {
		return &Response{Raw: raw}, nil
	}

	var sb strings.Builder
	for _, part := range gen.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}

	return &Response{Content: sb.String(), Raw: raw}, nil
}
