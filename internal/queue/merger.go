package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JaimeStill/docmark/internal/config"
	"github.com/JaimeStill/docmark/internal/events"
	"github.com/JaimeStill/docmark/internal/tasks"
)

// Merger claims tasks whose pages are all terminal and writes their
// combined Markdown to blob storage.
type Merger struct {
	stage
	cfg config.StageConfig
}

// NewMerger creates a merger worker.
func NewMerger(deps Deps, cfg config.StageConfig) *Merger {
	return &Merger{stage: newStage(StageMerger, deps), cfg: cfg}
}

// Run polls for mergeable tasks until the worker stops or ctx ends.
func (m *Merger) Run(ctx context.Context) {
	ctx, cancel := m.bind(ctx)
	defer cancel()
	m.loop(ctx, m.cfg.PollIntervalDuration(), m.step)
}

func (m *Merger) step(ctx context.Context) (bool, error) {
	task, err := m.deps.Tasks.ClaimTaskForMerge(ctx, m.id)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	taskID := task.ID
	held := m.hold(&claim{
		kind: ClaimTask,
		id:   taskID,
		release: func(ctx context.Context) error {
			return m.deps.Tasks.ReleaseTask(ctx, taskID, m.id)
		},
	})
	if !held {
		return true, nil
	}
	defer m.clear()

	if err := m.merge(ctx, task); err != nil && m.Running() {
		return true, m.settleFailure(ctx, task, err)
	}
	return true, nil
}

func (m *Merger) merge(ctx context.Context, task *tasks.Task) error {
	ctx, span := m.deps.Instruments.tracer.Start(ctx, "merge task", trace.WithAttributes(
		attribute.String("task.id", task.ID.String()),
		attribute.Int("task.pages", task.Pages),
	))
	defer span.End()

	pages, err := m.deps.Tasks.Pages(ctx, task.ID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("read pages: %w", err)
	}

	key := tasks.MergedKey(task.ID)
	doc := MergePages(pages)
	if err := m.deps.Storage.Upload(ctx, key, strings.NewReader(doc), "text/markdown; charset=utf-8"); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upload merged document: %w", err)
	}
	if !m.Running() {
		return nil
	}

	updated, err := m.deps.Tasks.CompleteMerge(ctx, task.ID, m.id, key)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("complete merge: %w", err)
	}

	m.deps.Instruments.tasksMerged.Add(ctx, 1)
	m.emitTask(events.TaskUpdated, updated)
	m.emitTask(events.TaskStatus, updated)
	return nil
}

// settleFailure releases the task for another merge attempt while the error
// may clear on its own and attempts remain. Otherwise the task fails.
func (m *Merger) settleFailure(ctx context.Context, task *tasks.Task, cause error) error {
	if errors.Is(cause, tasks.ErrTaskNotClaimable) {
		m.clear()
		return nil
	}

	category := AnalyzeError(cause)
	if IsRetryable(category) {
		if task.MergeAttempts <= m.cfg.MaxRetries {
			m.abandon()
			return cause
		}
		cause = fmt.Errorf("merge failed after %d attempts: %w", task.MergeAttempts, cause)
	}

	updated, err := m.deps.Tasks.FailTask(ctx, task.ID, m.id, FormatError(cause))
	if err != nil {
		m.abandon()
		return errors.Join(cause, fmt.Errorf("record merge failure: %w", err))
	}

	m.clear()
	m.deps.Instruments.tasksFailed.Add(ctx, 1)
	m.emitTask(events.TaskUpdated, updated)
	m.emitTask(events.TaskStatus, updated)
	return nil
}

// MergePages joins page content in page order. Failed pages are marked with
// an HTML comment carrying the recorded error.
func MergePages(pages []tasks.Page) string {
	sorted := slices.SortedFunc(slices.Values(pages), func(a, b tasks.Page) int {
		return cmp.Compare(a.Page, b.Page)
	})

	parts := make([]string, 0, len(sorted))
	for _, p := range sorted {
		switch p.Status {
		case tasks.PageCompleted:
			parts = append(parts, strings.TrimSpace(p.Content))
		case tasks.PageFailed:
			msg := "unknown error"
			if p.Error != nil && *p.Error != "" {
				msg = strings.ReplaceAll(*p.Error, "--", "- -")
			}
			parts = append(parts, fmt.Sprintf("<!-- page %d failed: %s -->", p.Page, msg))
		}
	}

	return strings.Join(parts, "\n\n") + "\n"
}
