package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/JaimeStill/docmark/internal/config"
	"github.com/JaimeStill/docmark/internal/tasks"
	"github.com/JaimeStill/docmark/pkg/formatting"
	"github.com/JaimeStill/docmark/pkg/storage"
)

var (
	ErrImageTooLarge = errors.New("page image exceeds maximum size")
	ErrNotImage      = errors.New("page image is not an image")
)

// New builds a Registry holding one client per configured provider.
func New(cfg *config.LLMConfig, logger *slog.Logger) *Registry {
	hc := &http.Client{Timeout: cfg.TimeoutDuration()}
	logger = logger.With("system", "llm")

	r := NewRegistry()
	for name, p := range cfg.Providers {
		switch p.Kind {
		case config.ProviderOpenAI:
			r.Register(name, NewOpenAI(p.BaseURL, p.APIKey, hc, logger))
		case config.ProviderAnthropic:
			r.Register(name, NewAnthropic(p.BaseURL, p.APIKey, hc, logger))
		case config.ProviderGemini:
			r.Register(name, NewGemini(p.BaseURL, p.APIKey, hc, logger))
		}
	}
	return r
}

// Messages builds page conversion requests from the configured prompt and
// the page image held in blob storage.
type Messages struct {
	store        storage.System
	system       string
	prompt       string
	maxTokens    int
	maxImageSize int64
}

// NewMessages creates a Messages request builder.
func NewMessages(cfg *config.LLMConfig, store storage.System) *Messages {
	return &Messages{
		store:        store,
		system:       cfg.SystemPrompt,
		prompt:       cfg.Prompt,
		maxTokens:    cfg.MaxTokens,
		maxImageSize: cfg.MaxImageSizeBytes(),
	}
}

// ImageRequest loads the page image and wraps it in a vision request
// addressed to the page's provider and model.
func (m *Messages) ImageRequest(ctx context.Context, page *tasks.Page) (Request, error) {
	rc, err := m.store.Download(ctx, page.ImagePath)
	if err != nil {
		return Request{}, fmt.Errorf("load page image %s: %w", page.ImagePath, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, m.maxImageSize+1))
	if err != nil {
		return Request{}, fmt.Errorf("read page image %s: %w", page.ImagePath, err)
	}
	if int64(len(data)) > m.maxImageSize {
		return Request{}, fmt.Errorf("%w: over %s", ErrImageTooLarge, formatting.FormatBytes(m.maxImageSize, 1))
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return Request{}, fmt.Errorf("%w: %s", ErrNotImage, mt.String())
	}

	return Request{
		Provider:  page.Provider,
		Model:     page.Model,
		System:    m.system,
		Prompt:    m.prompt,
		Image:     Image{MimeType: mt.String(), Data: data},
		MaxTokens: m.maxTokens,
	}, nil
}
