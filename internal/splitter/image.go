package splitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/JaimeStill/docmark/internal/tasks"
	"github.com/JaimeStill/docmark/pkg/formatting"
	"github.com/JaimeStill/docmark/pkg/storage"
)

// imageSplitter treats an image upload as a one-page document. The source
// blob doubles as the page image.
type imageSplitter struct {
	store   storage.System
	maxSize int64
	logger  *slog.Logger
}

func newImage(store storage.System, opts Options, logger *slog.Logger) *imageSplitter {
	return &imageSplitter{
		store:   store,
		maxSize: opts.MaxDocumentSize,
		logger:  logger.With("format", "image"),
	}
}

func (s *imageSplitter) Split(ctx context.Context, task *tasks.Task) (*Result, error) {
	selected, err := selectPages(task.PageRange, 1)
	if err != nil {
		return nil, err
	}

	rc, err := s.store.Download(ctx, task.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", task.StorageKey, err)
	}
	defer rc.Close()

	head := make([]byte, 3072)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", task.StorageKey, err)
	}

	mt := mimetype.Detect(head[:n])
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("%w: %s is %s", ErrUnsupportedFormat, task.Filename, mt.String())
	}

	size := int64(n)
	if rest, err := io.Copy(io.Discard, io.LimitReader(rc, s.maxSize)); err == nil {
		size += rest
	} else {
		return nil, fmt.Errorf("read %s: %w", task.StorageKey, err)
	}
	if size > s.maxSize {
		return nil, fmt.Errorf("%w: limit %s", ErrDocumentTooLarge, formatting.FormatBytes(s.maxSize, 1))
	}

	page := tasks.NewPage{Page: 1, PageSource: selected[0], ImagePath: task.StorageKey}
	s.logger.InfoContext(ctx, "image split", "task_id", task.ID, "content_type", mt.String())

	return &Result{Pages: []tasks.NewPage{page}, TotalPages: 1}, nil
}
