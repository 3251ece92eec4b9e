package tasks

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/JaimeStill/docmark/pkg/query"
	"github.com/JaimeStill/docmark/pkg/repository"
)

// Counter increments read the incremented values back through RETURNING, so the
// aggregate decision below always sees the row as locked by this transaction.
var (
	bumpCompleted = fmt.Sprintf(`
		UPDATE tasks
		SET completed_count = completed_count + 1,
			progress = LEAST(100, ((completed_count + 1 + failed_count) * 100) / GREATEST(pages, 1)),
			updated_at = NOW()
		WHERE id = $1
		RETURNING %s`, taskColumns)

	bumpFailed = fmt.Sprintf(`
		UPDATE tasks
		SET failed_count = failed_count + 1,
			progress = LEAST(100, ((completed_count + failed_count + 1) * 100) / GREATEST(pages, 1)),
			updated_at = NOW()
		WHERE id = $1
		RETURNING %s`, taskColumns)

	settleTask = fmt.Sprintf(`
		UPDATE tasks SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING %s`, taskColumns)

	completePage = fmt.Sprintf(`
		UPDATE pages
		SET status = $2, content = $3, error = NULL, input_tokens = $4, output_tokens = $5,
			conversion_time = $6, worker_id = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING %s`, pageColumns)

	failPage = fmt.Sprintf(`
		UPDATE pages
		SET status = $2, error = $3, worker_id = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING %s`, pageColumns)
)

func (r *repo) CompletePageSuccess(ctx context.Context, pageID, worker uuid.UUID, result PageResult) (*Completion, error) {
	c, err := repository.WithRetryTx(ctx, r.db, r.txRetries, func(tx *sql.Tx) (*Completion, error) {
		page, err := lockPage(ctx, tx, pageID)
		if err != nil {
			return nil, err
		}

		if page.Status.Terminal() || !page.OwnedBy(worker) {
			return &Completion{Page: page}, nil
		}

		args := []any{
			pageID,
			string(PageCompleted),
			result.Content,
			result.InputTokens,
			result.OutputTokens,
			result.ConversionTime.Milliseconds(),
		}
		updated, err := repository.QueryOne(ctx, tx, completePage, args, scanPage)
		if err != nil {
			return nil, fmt.Errorf("complete page: %w", err)
		}

		return settle(ctx, tx, &updated, bumpCompleted)
	})

	if err != nil {
		return nil, repository.MapError(err, ErrPageNotFound, ErrDuplicate)
	}

	if !c.Applied {
		r.logger.Info("page completion skipped", "page_id", pageID, "worker", worker, "status", c.Page.Status)
	}
	return c, nil
}

func (r *repo) CompletePageFailed(ctx context.Context, pageID, worker uuid.UUID, message string) (*Completion, error) {
	c, err := repository.WithRetryTx(ctx, r.db, r.txRetries, func(tx *sql.Tx) (*Completion, error) {
		page, err := lockPage(ctx, tx, pageID)
		if err != nil {
			return nil, err
		}

		if page.Status.Terminal() {
			return nil, ErrPageTerminal
		}
		if !page.OwnedBy(worker) {
			return nil, ErrNotOwner
		}

		args := []any{pageID, string(PageFailed), message}
		updated, err := repository.QueryOne(ctx, tx, failPage, args, scanPage)
		if err != nil {
			return nil, fmt.Errorf("fail page: %w", err)
		}

		return settle(ctx, tx, &updated, bumpFailed)
	})

	if err != nil {
		return nil, repository.MapError(err, ErrPageNotFound, ErrDuplicate)
	}
	return c, nil
}

func lockPage(ctx context.Context, tx *sql.Tx, pageID uuid.UUID) (*Page, error) {
	q, args := query.NewBuilder(pageProjection).ForUpdate().BuildSingle("ID", pageID)

	p, err := repository.QueryOne(ctx, tx, q, args, scanPage)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// settle increments the task counter named by bump and, when every page is
// terminal, moves a processing task to its aggregate status. Tasks that left
// processing meanwhile (cancelled) keep their status.
func settle(ctx context.Context, tx *sql.Tx, page *Page, bump string) (*Completion, error) {
	task, err := repository.QueryOne(ctx, tx, bump, []any{page.TaskID}, scanTask)
	if err != nil {
		return nil, fmt.Errorf("increment task counters: %w", err)
	}

	c := &Completion{Applied: true, Page: page, Task: &task}

	status, done := AggregateStatus(task.CompletedCount, task.FailedCount, task.Pages)
	if !done || task.Status != TaskProcessing {
		return c, nil
	}

	args := []any{task.ID, string(status), string(TaskProcessing)}
	settled, err := repository.QueryOne(ctx, tx, settleTask, args, scanTask)
	if err != nil {
		return nil, fmt.Errorf("settle task status: %w", err)
	}

	c.Task = &settled
	c.StatusChanged = true
	return c, nil
}
