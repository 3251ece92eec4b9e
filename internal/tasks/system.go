package tasks

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/JaimeStill/docmark/pkg/pagination"
)

// WorkChannel is the PostgreSQL NOTIFY channel signalled when new pages
// become claimable.
const WorkChannel = "docmark_work"

// System defines the store contract for tasks and pages.
// Claim methods return (nil, nil) when there is no work.
type System interface {
	Create(ctx context.Context, cmd CreateCommand) (*Task, error)
	Cancel(ctx context.Context, id uuid.UUID) (*Task, error)
	List(ctx context.Context, page pagination.PageRequest, filters Filters) (*pagination.PageResult[Task], error)
	FindTask(ctx context.Context, id uuid.UUID) (*Task, error)
	FindPage(ctx context.Context, id uuid.UUID) (*Page, error)
	Pages(ctx context.Context, taskID uuid.UUID) ([]Page, error)
	// Result opens the merged Markdown of a completed task.
	Result(ctx context.Context, id uuid.UUID) (io.ReadCloser, error)

	// ClaimTaskForSplit moves the oldest pending task to splitting, owned by worker.
	ClaimTaskForSplit(ctx context.Context, worker uuid.UUID) (*Task, error)
	// CompleteSplit creates pages and moves the task to processing in one transaction.
	CompleteSplit(ctx context.Context, taskID, worker uuid.UUID, pages []NewPage) (*Task, error)
	// FailTask marks a task owned by worker as failed with message.
	FailTask(ctx context.Context, taskID, worker uuid.UUID, message string) (*Task, error)
	// ReleaseTask drops worker's claim on a task, returning a splitting task to pending.
	ReleaseTask(ctx context.Context, taskID, worker uuid.UUID) error

	// PendingPages lists claim candidates ordered by retry count, then page.
	PendingPages(ctx context.Context, limit int) ([]Page, error)
	// TryClaimPage claims a pending page for worker. It reports false when
	// the page is no longer pending.
	TryClaimPage(ctx context.Context, pageID, worker uuid.UUID) (bool, error)
	IncrementRetry(ctx context.Context, pageID, worker uuid.UUID) error
	// ReleasePage returns a page claimed by worker to pending. countRetry adds
	// the interrupted attempt to the page's retry count; pass false when that
	// attempt's failure was already counted by IncrementRetry.
	ReleasePage(ctx context.Context, pageID, worker uuid.UUID, countRetry bool) error
	CompletePageSuccess(ctx context.Context, pageID, worker uuid.UUID, result PageResult) (*Completion, error)
	CompletePageFailed(ctx context.Context, pageID, worker uuid.UUID, message string) (*Completion, error)

	// ClaimTaskForMerge claims the least recently touched task whose pages are
	// all terminal and counts the claim in the task's merge attempts.
	ClaimTaskForMerge(ctx context.Context, worker uuid.UUID) (*Task, error)
	CompleteMerge(ctx context.Context, taskID, worker uuid.UUID, mergedPath string) (*Task, error)
}
