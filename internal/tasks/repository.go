package tasks

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/docmark/pkg/pagination"
	"github.com/JaimeStill/docmark/pkg/query"
	"github.com/JaimeStill/docmark/pkg/repository"
	"github.com/JaimeStill/docmark/pkg/storage"
)

// pageInsertChunk bounds the rows per INSERT so large documents stay well
// under the PostgreSQL bind parameter limit.
const pageInsertChunk = 500

type repo struct {
	db         *sql.DB
	storage    storage.System
	logger     *slog.Logger
	pagination pagination.Config
	txRetries  int
}

// New creates a PostgreSQL-backed task store implementing System.
// txRetries bounds how many times a completion transaction is replayed
// after a serialization failure or deadlock.
func New(
	db *sql.DB,
	store storage.System,
	logger *slog.Logger,
	pagination pagination.Config,
	txRetries int,
) System {
	return &repo{
		db:         db,
		storage:    store,
		logger:     logger.With("system", "tasks"),
		pagination: pagination,
		txRetries:  txRetries,
	}
}

func (r *repo) List(ctx context.Context, page pagination.PageRequest, filters Filters) (*pagination.PageResult[Task], error) {
	page.Normalize(r.pagination)

	qb := query.
		NewBuilder(taskProjection, defaultTaskSort).
		WhereSearch(page.Search, "Filename")

	filters.Apply(qb)

	if len(page.Sort) > 0 {
		qb.OrderByFields(page.Sort)
	}

	countSQL, countArgs := qb.BuildCount()
	var total int
	if err := r.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	pageSQL, pageArgs := qb.BuildPage(page.Page, page.PageSize)
	ts, err := repository.QueryMany(ctx, r.db, pageSQL, pageArgs, scanTask)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}

	result := pagination.NewPageResult(ts, total, page.Page, page.PageSize)
	return &result, nil
}

func (r *repo) Result(ctx context.Context, id uuid.UUID) (io.ReadCloser, error) {
	t, err := r.FindTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.MergedPath == nil {
		return nil, ErrNoResult
	}

	rc, err := r.storage.Download(ctx, *t.MergedPath)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	return rc, nil
}

func (r *repo) Create(ctx context.Context, cmd CreateCommand) (*Task, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(cmd.Filename)), ".")
	if ext == "" {
		return nil, fmt.Errorf("%w: filename %q has no extension", ErrInvalidTask, cmd.Filename)
	}
	if cmd.Provider == "" || cmd.Model == "" {
		return nil, fmt.Errorf("%w: provider and model required", ErrInvalidTask)
	}
	if len(cmd.Data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidTask)
	}

	id := uuid.New()
	key := buildStorageKey(id, sanitizeFilename(cmd.Filename))

	insert := `
		INSERT INTO tasks (id, filename, type, storage_key, page_range, provider, model, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := r.db.ExecContext(ctx, insert,
		id, cmd.Filename, ext, key, cmd.PageRange, cmd.Provider, cmd.Model, string(TaskCreated),
	); err != nil {
		return nil, repository.MapError(err, ErrNotFound, ErrDuplicate)
	}

	if err := r.storage.Upload(ctx, key, bytes.NewReader(cmd.Data), cmd.ContentType); err != nil {
		r.discard(id)
		return nil, fmt.Errorf("upload task document: %w", err)
	}

	q := fmt.Sprintf(`
		UPDATE tasks SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING %s`, taskColumns)

	args := []any{id, string(TaskPending), string(TaskCreated)}

	t, err := repository.QueryOne(ctx, r.db, q, args, scanTask)
	if err != nil {
		if delErr := r.storage.Delete(ctx, key); delErr != nil {
			r.logger.Warn("compensating blob delete failed", "key", key, "error", delErr)
		}
		r.discard(id)
		return nil, repository.MapError(err, ErrTaskTerminal, ErrDuplicate)
	}

	r.logger.Info("task created", "id", t.ID, "filename", t.Filename, "provider", t.Provider, "model", t.Model)
	return &t, nil
}

// discard removes a task that never left created. It runs on a fresh context
// so a cancelled request still cleans up.
func (r *repo) discard(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = $1 AND status = $2`, id, string(TaskCreated),
	); err != nil {
		r.logger.Warn("compensating task delete failed", "id", id, "error", err)
	}
}

func (r *repo) Cancel(ctx context.Context, id uuid.UUID) (*Task, error) {
	q := fmt.Sprintf(`
		UPDATE tasks SET status = $2, worker_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4, $5)
		RETURNING %s`, taskColumns)

	args := []any{id, string(TaskCancelled), string(TaskCompleted), string(TaskFailed), string(TaskCancelled)}

	var dropped int64
	t, err := repository.WithRetryTx(ctx, r.db, r.txRetries, func(tx *sql.Tx) (Task, error) {
		t, err := repository.QueryOne(ctx, tx, q, args, scanTask)
		if err != nil {
			return t, err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE pages
			SET status = $2, error = $3, completed_at = NOW(), updated_at = NOW()
			WHERE task_id = $1 AND status = $4`,
			id, string(PageFailed), CancelledMessage, string(PagePending),
		)
		if err != nil {
			return t, fmt.Errorf("fail pending pages: %w", err)
		}
		if dropped, err = res.RowsAffected(); err != nil {
			return t, err
		}
		if dropped > 0 {
			t.FailedCount += int(dropped)
			_, err = tx.ExecContext(ctx,
				`UPDATE tasks SET failed_count = failed_count + $2 WHERE id = $1`,
				id, dropped,
			)
		}
		return t, err
	})
	if errors.Is(err, sql.ErrNoRows) {
		if _, findErr := r.FindTask(ctx, id); findErr != nil {
			return nil, findErr
		}
		return nil, ErrTaskTerminal
	}
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}

	r.logger.Info("task cancelled", "id", id, "pending_pages_failed", dropped)
	return &t, nil
}

func (r *repo) FindTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	q, args := query.NewBuilder(taskProjection).BuildSingle("ID", id)

	t, err := repository.QueryOne(ctx, r.db, q, args, scanTask)
	if err != nil {
		return nil, repository.MapError(err, ErrNotFound, ErrDuplicate)
	}
	return &t, nil
}

func (r *repo) FindPage(ctx context.Context, id uuid.UUID) (*Page, error) {
	q, args := query.NewBuilder(pageProjection).BuildSingle("ID", id)

	p, err := repository.QueryOne(ctx, r.db, q, args, scanPage)
	if err != nil {
		return nil, repository.MapError(err, ErrPageNotFound, ErrDuplicate)
	}
	return &p, nil
}

func (r *repo) Pages(ctx context.Context, taskID uuid.UUID) ([]Page, error) {
	q, args := query.
		NewBuilder(pageProjection, query.SortField{Field: "Page"}).
		WhereEquals("TaskID", taskID).
		Build()

	pages, err := repository.QueryMany(ctx, r.db, q, args, scanPage)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	return pages, nil
}

func (r *repo) ClaimTaskForSplit(ctx context.Context, worker uuid.UUID) (*Task, error) {
	candidate, candidateArgs := query.
		NewBuilder(taskProjection, query.SortField{Field: "CreatedAt"}).
		WhereEquals("Status", string(TaskPending)).
		SkipLocked().
		BuildLimit(1)

	claim := fmt.Sprintf(`
		UPDATE tasks SET status = $3, worker_id = $2, error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING %s`, taskColumns)

	return r.claimTask(ctx, candidate, candidateArgs, claim, func(id uuid.UUID) []any {
		return []any{id, worker, string(TaskSplitting), string(TaskPending)}
	})
}

func (r *repo) ClaimTaskForMerge(ctx context.Context, worker uuid.UUID) (*Task, error) {
	candidate, candidateArgs := query.
		NewBuilder(taskProjection, query.SortField{Field: "UpdatedAt"}).
		WhereIn("Status", []any{string(TaskReadyToMerge), string(TaskPartialFailed)}).
		WhereNullable("WorkerID", nil).
		SkipLocked().
		BuildLimit(1)

	claim := fmt.Sprintf(`
		UPDATE tasks SET worker_id = $2, merge_attempts = merge_attempts + 1, updated_at = NOW()
		WHERE id = $1 AND worker_id IS NULL AND status IN ($3, $4)
		RETURNING %s`, taskColumns)

	return r.claimTask(ctx, candidate, candidateArgs, claim, func(id uuid.UUID) []any {
		return []any{id, worker, string(TaskReadyToMerge), string(TaskPartialFailed)}
	})
}

// claimTask locks the oldest candidate row and applies a conditional update to it
// in one transaction. A missing candidate or a lost race yields (nil, nil).
func (r *repo) claimTask(
	ctx context.Context,
	candidate string,
	candidateArgs []any,
	claim string,
	claimArgs func(uuid.UUID) []any,
) (*Task, error) {
	t, err := repository.WithTx(ctx, r.db, func(tx *sql.Tx) (*Task, error) {
		found, err := repository.QueryOne(ctx, tx, candidate, candidateArgs, scanTask)
		if err != nil {
			return nil, err
		}

		claimed, err := repository.QueryOne(ctx, tx, claim, claimArgs(found.ID), scanTask)
		if err != nil {
			return nil, err
		}
		return &claimed, nil
	})

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

func (r *repo) CompleteSplit(ctx context.Context, taskID, worker uuid.UUID, pages []NewPage) (*Task, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: split produced no pages", ErrInvalidTask)
	}

	update := fmt.Sprintf(`
		UPDATE tasks
		SET pages = $3, status = $4, worker_id = NULL, progress = 0,
			completed_count = 0, failed_count = 0, error = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = $5
		RETURNING %s`, taskColumns)

	t, err := repository.WithTx(ctx, r.db, func(tx *sql.Tx) (Task, error) {
		args := []any{taskID, worker, len(pages), string(TaskProcessing), string(TaskSplitting)}
		t, err := repository.QueryOne(ctx, tx, update, args, scanTask)
		if err != nil {
			return Task{}, err
		}

		for chunk := range slices.Chunk(pages, pageInsertChunk) {
			q, args := insertPages(t, chunk)
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return Task{}, fmt.Errorf("insert pages: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", WorkChannel, t.ID.String()); err != nil {
			return Task{}, fmt.Errorf("notify work: %w", err)
		}

		return t, nil
	})

	if err != nil {
		return nil, repository.MapError(err, ErrTaskNotClaimable, ErrDuplicate)
	}

	r.logger.Info("task split", "id", t.ID, "pages", t.Pages)
	return &t, nil
}

func (r *repo) FailTask(ctx context.Context, taskID, worker uuid.UUID, message string) (*Task, error) {
	q := fmt.Sprintf(`
		UPDATE tasks SET status = $3, error = $4, worker_id = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status IN ($5, $6, $7)
		RETURNING %s`, taskColumns)

	args := []any{
		taskID, worker, string(TaskFailed), message,
		string(TaskSplitting), string(TaskReadyToMerge), string(TaskPartialFailed),
	}

	t, err := repository.QueryOne(ctx, r.db, q, args, scanTask)
	if err != nil {
		return nil, repository.MapError(err, ErrTaskNotClaimable, ErrDuplicate)
	}

	r.logger.Warn("task failed", "id", taskID, "error", message)
	return &t, nil
}

func (r *repo) ReleaseTask(ctx context.Context, taskID, worker uuid.UUID) error {
	err := repository.ExecExpectOne(
		ctx, r.db, `
		UPDATE tasks
		SET status = CASE WHEN status = $3 THEN $4 ELSE status END,
			worker_id = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2`,
		taskID, worker, string(TaskSplitting), string(TaskPending),
	)
	return repository.MapError(err, ErrTaskNotClaimable, ErrDuplicate)
}

func (r *repo) PendingPages(ctx context.Context, limit int) ([]Page, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM %s
		JOIN %s ON t.id = p.task_id
		WHERE p.status = $1 AND t.status = $2
		ORDER BY %s
		LIMIT $3`,
		pageProjection.Columns(), pageProjection.From(), taskProjection.From(), claimOrder)

	args := []any{string(PagePending), string(TaskProcessing), limit}

	pages, err := repository.QueryMany(ctx, r.db, q, args, scanPage)
	if err != nil {
		return nil, fmt.Errorf("query pending pages: %w", err)
	}
	return pages, nil
}

func (r *repo) TryClaimPage(ctx context.Context, pageID, worker uuid.UUID) (bool, error) {
	err := repository.ExecExpectOne(
		ctx, r.db, `
		UPDATE pages
		SET status = $3, worker_id = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		pageID, worker, string(PageProcessing), string(PagePending),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim page: %w", err)
	}
	return true, nil
}

func (r *repo) IncrementRetry(ctx context.Context, pageID, worker uuid.UUID) error {
	err := repository.ExecExpectOne(
		ctx, r.db, `
		UPDATE pages SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = $3`,
		pageID, worker, string(PageProcessing),
	)
	return repository.MapError(err, ErrNotOwner, ErrDuplicate)
}

func (r *repo) ReleasePage(ctx context.Context, pageID, worker uuid.UUID, countRetry bool) error {
	increment := 0
	if countRetry {
		increment = 1
	}

	err := repository.ExecExpectOne(
		ctx, r.db, `
		UPDATE pages
		SET status = $3, worker_id = NULL, started_at = NULL,
			retry_count = retry_count + $5, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = $4`,
		pageID, worker, string(PagePending), string(PageProcessing), increment,
	)
	return repository.MapError(err, ErrNotOwner, ErrDuplicate)
}

func (r *repo) CompleteMerge(ctx context.Context, taskID, worker uuid.UUID, mergedPath string) (*Task, error) {
	q := fmt.Sprintf(`
		UPDATE tasks
		SET status = $3, merged_path = $4, progress = 100, worker_id = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status IN ($5, $6)
		RETURNING %s`, taskColumns)

	args := []any{
		taskID, worker, string(TaskCompleted), mergedPath,
		string(TaskReadyToMerge), string(TaskPartialFailed),
	}

	t, err := repository.QueryOne(ctx, r.db, q, args, scanTask)
	if err != nil {
		return nil, repository.MapError(err, ErrTaskNotClaimable, ErrDuplicate)
	}

	r.logger.Info("task completed", "id", taskID, "merged_path", mergedPath)
	return &t, nil
}

func insertPages(t Task, pages []NewPage) (string, []any) {
	const cols = 7

	var sb strings.Builder
	sb.WriteString(`INSERT INTO pages (id, task_id, page, page_source, image_path, provider, model) VALUES `)

	args := make([]any, 0, len(pages)*cols)
	for i, p := range pages {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * cols
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6, n+7)
		args = append(args, uuid.New(), t.ID, p.Page, p.PageSource, p.ImagePath, t.Provider, t.Model)
	}

	return sb.String(), args
}

func buildStorageKey(id uuid.UUID, filename string) string {
	return fmt.Sprintf("tasks/%s/%s", id, filename)
}

// MergedKey returns the storage key of a task's merged Markdown output.
func MergedKey(id uuid.UUID) string {
	return fmt.Sprintf("tasks/%s/merged.md", id)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	if name == "." || name == "" || name == "/" {
		name = "document"
	}
	return url.PathEscape(name)
}
