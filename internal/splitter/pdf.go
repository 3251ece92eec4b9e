package splitter

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gen2brain/go-fitz"
	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"golang.org/x/sync/errgroup"

	"github.com/JaimeStill/docmark/internal/tasks"
	"github.com/JaimeStill/docmark/pkg/storage"
)

const sourcePDF = "source.pdf"

// pdfSplitter renders each selected PDF page to PNG with MuPDF and uploads
// the images to blob storage.
type pdfSplitter struct {
	store   storage.System
	workDir string
	maxSize int64
	logger  *slog.Logger
}

func newPDF(store storage.System, opts Options, logger *slog.Logger) *pdfSplitter {
	return &pdfSplitter{
		store:   store,
		workDir: opts.WorkDir,
		maxSize: opts.MaxDocumentSize,
		logger:  logger.With("format", "pdf"),
	}
}

func (s *pdfSplitter) Split(ctx context.Context, task *tasks.Task) (*Result, error) {
	dir := taskDir(s.workDir, task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("work dir cleanup failed", "dir", dir, "error", err)
		}
	}()

	path := filepath.Join(dir, sourcePDF)
	if err := download(ctx, s.store, task.StorageKey, path, s.maxSize); err != nil {
		return nil, err
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("detect content type: %w", err)
	}
	if !mt.Is("application/pdf") {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnsupportedFormat, task.Filename, mt.String())
	}

	count, err := pageCount(path)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNoPages
	}

	selected, err := selectPages(task.PageRange, count)
	if err != nil {
		return nil, err
	}

	pages, err := s.render(ctx, task.ID, path, selected)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "pdf split", "task_id", task.ID, "source_pages", count, "pages", len(pages))
	return &Result{Pages: pages, TotalPages: len(pages)}, nil
}

// render rasterizes selected pages. MuPDF documents are not safe for
// concurrent use, so rendering is serialized while encoding and upload fan out.
func (s *pdfSplitter) render(ctx context.Context, taskID uuid.UUID, path string, selected []int) ([]tasks.NewPage, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	if n := doc.NumPage(); n < selected[len(selected)-1] {
		return nil, fmt.Errorf("open pdf: renderer found %d pages, need %d", n, selected[len(selected)-1])
	}

	pages := make([]tasks.NewPage, len(selected))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(renderWorkerCount(len(selected)))

	for i, source := range selected {
		pageNum := i + 1
		key := PageKey(taskID, pageNum, "png")
		pages[i] = tasks.NewPage{Page: pageNum, PageSource: source, ImagePath: key}

		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			img, err := doc.Image(source - 1)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("render page %d: %w", source, err)
			}

			var buf bytes.Buffer
			if err := png.Encode(&buf, img); err != nil {
				return fmt.Errorf("encode page %d: %w", source, err)
			}

			if err := s.store.Upload(gctx, key, &buf, "image/png"); err != nil {
				return fmt.Errorf("upload page %d: %w", source, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

func pageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	n, err := api.PageCount(f, nil)
	if err != nil {
		return 0, fmt.Errorf("read page count: %w", err)
	}
	return n, nil
}

// selectPages returns the 1-based source pages to split.
func selectPages(pageRange *string, count int) ([]int, error) {
	if pageRange == nil || *pageRange == "" {
		all := make([]int, count)
		for i := range all {
			all[i] = i + 1
		}
		return all, nil
	}
	return ParsePageRanges(*pageRange, count)
}

// download copies the blob at key to path, failing once more than maxSize
// bytes have been read.
func download(ctx context.Context, store storage.System, key, path string, maxSize int64) error {
	rc, err := store.Download(ctx, key)
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	n, err := io.Copy(f, io.LimitReader(rc, maxSize+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if n > maxSize {
		return fmt.Errorf("%w: limit %d bytes", ErrDocumentTooLarge, maxSize)
	}
	return nil
}
