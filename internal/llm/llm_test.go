package llm_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JaimeStill/docmark/internal/config"
	"github.com/JaimeStill/docmark/internal/llm"
)

var discard = slog.New(slog.DiscardHandler)

var sampleRequest = llm.Request{
	Model:     "vision-model",
	System:    "You convert pages.",
	Prompt:    "Convert this page.",
	Image:     llm.Image{MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
	MaxTokens: 1024,
}

// capture records the last request a test server received.
type capture struct {
	path    string
	headers http.Header
	body    map[string]any
}

func newServer(t *testing.T, status int, response string, c *capture) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.path = r.URL.Path
		c.headers = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &c.body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAICompletion(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK,
		`{"choices":[{"message":{"content":"# Heading"}}],"usage":{"prompt_tokens":10,"completion_tokens":3}}`, &c)

	client := llm.NewOpenAI(srv.URL+"/v1/", "sk-test", srv.Client(), discard)
	resp, err := client.Completion(context.Background(), sampleRequest)
	require.NoError(t, err)

	assert.Equal(t, "# Heading", resp.Content)
	assert.Contains(t, string(resp.Raw), `"prompt_tokens":10`)

	assert.Equal(t, "/v1/chat/completions", c.path)
	assert.Equal(t, "Bearer sk-test", c.headers.Get("Authorization"))
	assert.Equal(t, "vision-model", c.body["model"])
	assert.EqualValues(t, 1024, c.body["max_tokens"])

	messages := c.body["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])

	parts := messages[1].(map[string]any)["content"].([]any)
	image := parts[1].(map[string]any)["image_url"].(map[string]any)
	assert.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(sampleRequest.Image.Data), image["url"])
}

func TestOpenAINoChoices(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, `{"choices":[]}`, &c)

	client := llm.NewOpenAI(srv.URL, "", srv.Client(), discard)
	resp, err := client.Completion(context.Background(), sampleRequest)
	require.NoError(t, err)
	assert.Empty(t, resp.Content)
	assert.Empty(t, c.headers.Get("Authorization"))
}

func TestAnthropicCompletion(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK,
		`{"content":[{"type":"text","text":"Part one. "},{"type":"tool_use"},{"type":"text","text":"Part two."}],"usage":{"input_tokens":5,"output_tokens":4}}`, &c)

	client := llm.NewAnthropic(srv.URL, "ak-test", srv.Client(), discard)
	req := sampleRequest
	req.MaxTokens = 0
	resp, err := client.Completion(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Part one. Part two.", resp.Content)
	assert.Equal(t, "/v1/messages", c.path)
	assert.Equal(t, "ak-test", c.headers.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", c.headers.Get("anthropic-version"))
	assert.EqualValues(t, 8192, c.body["max_tokens"])
	assert.Equal(t, "You convert pages.", c.body["system"])

	content := c.body["messages"].([]any)[0].(map[string]any)["content"].([]any)
	source := content[0].(map[string]any)["source"].(map[string]any)
	assert.Equal(t, "image/png", source["media_type"])
}

func TestGeminiCompletion(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK,
		`{"candidates":[{"content":{"parts":[{"text":"| a | b |"},{"text":"\n|---|---|"}]}}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":2}}`, &c)

	client := llm.NewGemini(srv.URL, "gk-test", srv.Client(), discard)
	resp, err := client.Completion(context.Background(), sampleRequest)
	require.NoError(t, err)

	assert.Equal(t, "| a | b |\n|---|---|", resp.Content)
	assert.Equal(t, "/v1beta/models/vision-model:generateContent", c.path)
	assert.Equal(t, "gk-test", c.headers.Get("x-goog-api-key"))
	assert.NotNil(t, c.body["systemInstruction"])
	assert.EqualValues(t, 1024, c.body["generationConfig"].(map[string]any)["maxOutputTokens"])
}

func TestStatusError(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached"}}`, &c)

	client := llm.NewOpenAI(srv.URL, "sk", srv.Client(), discard)
	_, err := client.Completion(context.Background(), sampleRequest)

	var se *llm.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.Equal(t, "openai", se.Provider)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, strings.ToLower(err.Error()), "rate limit")
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := llm.NewGemini(url, "gk", http.DefaultClient, discard)
	_, err := client.Completion(context.Background(), sampleRequest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini http error")
}

func TestRegistry(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, `{"choices":[{"message":{"content":"ok"}}]}`, &c)

	r := llm.NewRegistry()
	r.Register("local", llm.NewOpenAI(srv.URL, "", srv.Client(), discard))

	req := sampleRequest
	req.Provider = "local"
	resp, err := r.Completion(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)

	req.Provider = "mistral"
	_, err = r.Completion(context.Background(), req)
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)
}

func TestNewRegistersConfiguredProviders(t *testing.T) {
	var c capture
	srv := newServer(t, http.StatusOK, `{"content":[{"type":"text","text":"from anthropic"}]}`, &c)

	cfg := &config.LLMConfig{
		Providers: map[string]config.ProviderConfig{
			"hosted": {Kind: config.ProviderAnthropic, BaseURL: srv.URL, APIKey: "k"},
		},
		Timeout: "5s",
	}
	r := llm.New(cfg, discard)

	req := sampleRequest
	req.Provider = "hosted"
	resp, err := r.Completion(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "from anthropic", resp.Content)

	req.Provider = "openai"
	_, err = r.Completion(context.Background(), req)
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)
}
