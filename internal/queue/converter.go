package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JaimeStill/docmark/internal/config"
	"github.com/JaimeStill/docmark/internal/events"
	"github.com/JaimeStill/docmark/internal/tasks"
	"github.com/JaimeStill/docmark/pkg/formatting"
)

// ErrTaskCancelled is recorded on pages abandoned because their task was cancelled.
var ErrTaskCancelled = errors.New(tasks.CancelledMessage)

// Converter claims pending pages and converts them to Markdown through the
// page's model provider.
type Converter struct {
	stage
	cfg config.StageConfig

	// backoff belongs to the held page's claim. It is set while the page
	// waits out a retry delay whose failed attempt IncrementRetry already
	// counted, so a release during the delay does not count it again.
	backoff *atomic.Bool
}

// NewConverter creates a converter worker.
func NewConverter(deps Deps, cfg config.StageConfig) *Converter {
	return &Converter{
		stage:   newStage(StageConverter, deps),
		cfg:     cfg,
		backoff: new(atomic.Bool),
	}
}

// Run polls for pending pages until the worker stops or ctx ends.
func (c *Converter) Run(ctx context.Context) {
	ctx, cancel := c.bind(ctx)
	defer cancel()
	c.loop(ctx, c.cfg.PollIntervalDuration(), c.step)
}

func (c *Converter) step(ctx context.Context) (bool, error) {
	page, err := c.ClaimPage(ctx)
	if err != nil {
		return false, err
	}
	if page == nil {
		return false, nil
	}
	defer c.clear()

	c.ProcessPageWithRetry(ctx, page)
	return true, nil
}

// ClaimPage claims the first claimable page among the pending candidates,
// ordered by retry count and then page number. Pages of tasks that are not
// processing are skipped. It returns nil when no page was claimed; losing
// the race for a candidate ends the attempt.
func (c *Converter) ClaimPage(ctx context.Context) (*tasks.Page, error) {
	candidates, err := c.deps.Tasks.PendingPages(ctx, c.cfg.ClaimBatch)
	if err != nil {
		return nil, fmt.Errorf("list pending pages: %w", err)
	}

	for _, candidate := range candidates {
		task, err := c.deps.Tasks.FindTask(ctx, candidate.TaskID)
		if errors.Is(err, tasks.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read task %s: %w", candidate.TaskID, err)
		}
		if task.Status != tasks.TaskProcessing {
			continue
		}

		claimed, err := c.deps.Tasks.TryClaimPage(ctx, candidate.ID, c.id)
		if err != nil {
			return nil, err
		}
		if !claimed {
			return nil, nil
		}

		pageID := candidate.ID
		backoff := new(atomic.Bool)
		c.backoff = backoff
		held := c.hold(&claim{
			kind: ClaimPage,
			id:   pageID,
			release: func(ctx context.Context) error {
				return c.deps.Tasks.ReleasePage(ctx, pageID, c.id, !backoff.Load())
			},
		})
		if !held {
			return nil, nil
		}

		page, err := c.deps.Tasks.FindPage(ctx, pageID)
		if err != nil {
			c.abandon()
			return nil, fmt.Errorf("read claimed page %s: %w", pageID, err)
		}

		c.logger.InfoContext(ctx, "page claimed", "page_id", page.ID, "task_id", page.TaskID, "page", page.Page)
		c.emitPage(events.PageStarted, page)
		return page, nil
	}

	return nil, nil
}

// ConvertPage runs one conversion attempt: request, completion, content
// validation, fence stripping, and usage extraction.
func (c *Converter) ConvertPage(ctx context.Context, page *tasks.Page) (*tasks.PageResult, error) {
	start := time.Now()

	req, err := c.deps.Requests.ImageRequest(ctx, page)
	if err != nil {
		return nil, err
	}

	resp, err := c.deps.LLM.Completion(ctx, req)
	if err != nil {
		return nil, err
	}

	content := resp.Content
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if n := utf8.RuneCountInString(content); n > c.cfg.MaxContentLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrContentTooLong, n, c.cfg.MaxContentLength)
	}

	content = formatting.StripCodeFence(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	usage := ExtractUsage(resp.Raw)
	return &tasks.PageResult{
		Content:        content,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		ConversionTime: time.Since(start),
	}, nil
}

// ProcessPageWithRetry converts page with up to MaxRetries retries and
// records the outcome. Retries check for task cancellation first. A stopped
// worker abandons the page, whose claim Stop has already released.
func (c *Converter) ProcessPageWithRetry(ctx context.Context, page *tasks.Page) {
	ins := c.deps.Instruments
	ctx, span := ins.tracer.Start(ctx, "convert page", trace.WithAttributes(
		attribute.String("page.id", page.ID.String()),
		attribute.String("task.id", page.TaskID.String()),
		attribute.Int("page.number", page.Page),
		attribute.String("llm.provider", page.Provider),
		attribute.String("llm.model", page.Model),
	))
	defer span.End()

	attempts := c.cfg.MaxRetries + 1
	base := c.cfg.RetryDelayBaseDuration()
	backoff := c.backoff

	for attempt := 1; attempt <= attempts; attempt++ {
		if !c.Running() {
			return
		}

		if attempt > 1 && c.cancelled(ctx, page) {
			span.SetStatus(codes.Error, ErrTaskCancelled.Error())
			c.completeFailed(ctx, page, ErrTaskCancelled.Error())
			return
		}

		result, err := c.ConvertPage(ctx, page)
		if !c.Running() {
			return
		}
		if err == nil {
			span.SetAttributes(attribute.Int("page.attempts", attempt))
			c.completeSuccess(ctx, page, result)
			return
		}

		category := AnalyzeError(err)
		msg := FormatError(err)
		span.RecordError(err, trace.WithAttributes(attribute.String("error.category", string(category))))

		if !IsRetryable(category) || attempt == attempts {
			c.logger.WarnContext(ctx, "page conversion failed",
				"page_id", page.ID, "attempt", attempt, "category", category, "error", msg)
			span.SetStatus(codes.Error, msg)
			c.completeFailed(ctx, page, msg)
			return
		}

		err = c.deps.Tasks.IncrementRetry(ctx, page.ID, c.id)
		switch {
		case errors.Is(err, tasks.ErrNotOwner):
			c.logger.WarnContext(ctx, "page ownership lost", "page_id", page.ID)
			return
		case err != nil:
			c.logger.WarnContext(ctx, "increment retry count", "page_id", page.ID, "error", err)
		default:
			backoff.Store(true)
		}
		page.RetryCount++
		ins.pageRetries.Add(ctx, 1)
		c.emitPage(events.PageRetrying, page)

		delay := CalculateRetryDelay(attempt, category, base)
		c.logger.InfoContext(ctx, "retrying page",
			"page_id", page.ID, "attempt", attempt, "category", category, "delay", delay, "error", msg)

		if !c.pause(ctx, delay) {
			return
		}
		backoff.Store(false)
	}
}

func (c *Converter) cancelled(ctx context.Context, page *tasks.Page) bool {
	task, err := c.deps.Tasks.FindTask(ctx, page.TaskID)
	if err != nil {
		c.logger.WarnContext(ctx, "read task before retry", "task_id", page.TaskID, "error", err)
		return false
	}
	return task.Status == tasks.TaskCancelled
}

func (c *Converter) completeSuccess(ctx context.Context, page *tasks.Page, result *tasks.PageResult) {
	comp, err := c.deps.Tasks.CompletePageSuccess(ctx, page.ID, c.id, *result)
	if err != nil {
		c.logger.ErrorContext(ctx, "record page success", "page_id", page.ID, "error", err)
		return
	}
	if !comp.Applied {
		return
	}

	ins := c.deps.Instruments
	ins.pagesCompleted.Add(ctx, 1)
	ins.tokens.Add(ctx, int64(result.InputTokens), directionInput)
	ins.tokens.Add(ctx, int64(result.OutputTokens), directionOutput)
	ins.conversionTime.Record(ctx, result.ConversionTime.Seconds())

	c.logger.InfoContext(ctx, "page converted",
		"page_id", page.ID,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"duration", result.ConversionTime,
	)
	c.emitCompletion(events.PageCompleted, comp)
}

func (c *Converter) completeFailed(ctx context.Context, page *tasks.Page, msg string) {
	comp, err := c.deps.Tasks.CompletePageFailed(ctx, page.ID, c.id, msg)
	switch {
	case errors.Is(err, tasks.ErrPageTerminal), errors.Is(err, tasks.ErrNotOwner):
		c.logger.WarnContext(ctx, "page failure not recorded", "page_id", page.ID, "reason", err)
		return
	case err != nil:
		c.logger.ErrorContext(ctx, "record page failure", "page_id", page.ID, "error", err)
		return
	}

	c.deps.Instruments.pagesFailed.Add(ctx, 1)
	c.emitCompletion(events.PageFailed, comp)
}

func (c *Converter) emitCompletion(typ events.Type, comp *tasks.Completion) {
	c.emitPage(typ, comp.Page)
	c.emitTask(events.TaskProgress, comp.Task)
	if comp.StatusChanged {
		c.emitTask(events.TaskStatus, comp.Task)
	}
}
