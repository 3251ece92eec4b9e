// Package splitter turns a source document into per-page images stored in
// blob storage, ready for conversion.
package splitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"github.com/JaimeStill/docmark/internal/tasks"
	"github.com/JaimeStill/docmark/pkg/storage"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrDocumentTooLarge  = errors.New("document exceeds maximum size")
	ErrInvalidPageRange  = errors.New("invalid page range")
	ErrNoPages           = errors.New("document has no pages")
)

// Result is the ordered page list produced by a split.
type Result struct {
	Pages      []tasks.NewPage
	TotalPages int
}

// Splitter splits one document format.
type Splitter interface {
	Split(ctx context.Context, task *tasks.Task) (*Result, error)
}

// Options configures the splitters built by New.
type Options struct {
	WorkDir         string
	MaxDocumentSize int64
}

// Registry selects a Splitter by file extension and removes split artifacts.
type Registry struct {
	splitters map[string]Splitter
	store     storage.System
	workDir   string
	logger    *slog.Logger
}

// New creates a Registry with the PDF and image splitters registered.
func New(store storage.System, opts Options, logger *slog.Logger) *Registry {
	logger = logger.With("system", "splitter")

	r := &Registry{
		splitters: make(map[string]Splitter),
		store:     store,
		workDir:   opts.WorkDir,
		logger:    logger,
	}

	r.Register(newPDF(store, opts, logger), "pdf")
	r.Register(newImage(store, opts, logger), "png", "jpg", "jpeg", "webp", "gif")
	return r
}

// Register associates s with each extension, replacing prior entries.
func (r *Registry) Register(s Splitter, exts ...string) {
	for _, ext := range exts {
		r.splitters[normalizeExt(ext)] = s
	}
}

// For returns the splitter registered for filename's extension.
func (r *Registry) For(filename string) (Splitter, error) {
	ext := normalizeExt(filepath.Ext(filename))
	s, ok := r.splitters[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return s, nil
}

// Split dispatches to the splitter for task's filename.
func (r *Registry) Split(ctx context.Context, task *tasks.Task) (*Result, error) {
	s, err := r.For(task.Filename)
	if err != nil {
		return nil, err
	}
	return s.Split(ctx, task)
}

// Cleanup removes local scratch files and uploaded page images for a task.
func (r *Registry) Cleanup(ctx context.Context, taskID uuid.UUID) error {
	var errs []error

	if err := os.RemoveAll(taskDir(r.workDir, taskID)); err != nil {
		errs = append(errs, fmt.Errorf("remove work dir: %w", err))
	}
	if err := r.store.DeletePrefix(ctx, pagePrefix(taskID)); err != nil {
		errs = append(errs, fmt.Errorf("remove page images: %w", err))
	}

	return errors.Join(errs...)
}

func normalizeExt(ext string) string {
	return strings.TrimPrefix(strings.ToLower(ext), ".")
}

func taskDir(workDir string, id uuid.UUID) string {
	return filepath.Join(workDir, id.String())
}

func pagePrefix(id uuid.UUID) string {
	return fmt.Sprintf("tasks/%s/pages/", id)
}

// PageKey returns the storage key of a rendered page image.
func PageKey(id uuid.UUID, page int, ext string) string {
	return fmt.Sprintf("%spage-%04d.%s", pagePrefix(id), page, ext)
}

func renderWorkerCount(pageCount int) int {
	return max(min(runtime.NumCPU(), pageCount), 1)
}
