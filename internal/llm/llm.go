// Package llm provides vision completion clients for the model providers docmark
// converts pages with, and builds page-image requests for them.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// ErrUnknownProvider is returned for requests naming a provider with no configured client.
var ErrUnknownProvider = errors.New("provider not configured")

// Image is an inline page image.
type Image struct {
	MimeType string
	Data     []byte
}

// Request is a single-turn vision completion.
type Request struct {
	Provider  string
	Model     string
	System    string
	Prompt    string
	Image     Image
	MaxTokens int
}

// Response carries the generated text and the provider's raw response body,
// from which callers read provider-specific fields such as token usage.
type Response struct {
	Content string
	Raw     json.RawMessage
}

// Client performs completions.
type Client interface {
	Completion(ctx context.Context, req Request) (*Response, error)
}

// StatusError reports a non-2xx provider response.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d %s: %s", e.Provider, e.Code, http.StatusText(e.Code), e.Body)
}

// Registry dispatches requests to the client registered for req.Provider.
type Registry struct {
	clients map[string]Client
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds or replaces the client for provider.
func (r *Registry) Register(provider string, c Client) {
	r.clients[provider] = c
}

// Completion implements Client.
func (r *Registry) Completion(ctx context.Context, req Request) (*Response, error) {
	c, ok := r.clients[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}
	return c.Completion(ctx, req)
}

type transport struct {
	name    string
	http    *http.Client
	logger  *slog.Logger
	headers map[string]string
}

// post sends body as JSON and returns the raw response bytes.
func (t *transport) post(ctx context.Context, url string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s http error: %w", t.name, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.Warn("response body close error", "error", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read response: %w", t.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Provider: t.name, Code: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
