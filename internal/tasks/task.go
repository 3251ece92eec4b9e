// Package tasks implements the conversion task domain: tasks, their pages, and the
// PostgreSQL store through which workers claim, complete, and aggregate them.
package tasks

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	TaskCreated       Status = "created"
	TaskPending       Status = "pending"
	TaskSplitting     Status = "splitting"
	TaskProcessing    Status = "processing"
	TaskReadyToMerge  Status = "ready_to_merge"
	TaskPartialFailed Status = "partial_failed"
	TaskFailed        Status = "failed"
	TaskCompleted     Status = "completed"
	TaskCancelled     Status = "cancelled"
)

// Terminal reports whether no worker will act on a task in this state again.
func (s Status) Terminal() bool {
	return slices.Contains([]Status{TaskCompleted, TaskFailed, TaskCancelled}, s)
}

// CancelledMessage is the error recorded on pages that never finished because
// their task was cancelled.
const CancelledMessage = "Task cancelled"

// PageStatus is the lifecycle state of a Page.
type PageStatus string

const (
	PagePending    PageStatus = "pending"
	PageProcessing PageStatus = "processing"
	PageCompleted  PageStatus = "completed"
	PageFailed     PageStatus = "failed"
)

// Terminal reports whether the page has a final outcome.
func (s PageStatus) Terminal() bool {
	return s == PageCompleted || s == PageFailed
}

// Task is a document conversion job.
type Task struct {
	ID             uuid.UUID  `json:"id"`
	Filename       string     `json:"filename"`
	Type           string     `json:"type"`
	StorageKey     string     `json:"storage_key"`
	PageRange      *string    `json:"page_range"`
	Pages          int        `json:"pages"`
	Provider       string     `json:"provider"`
	Model          string     `json:"model"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	CompletedCount int        `json:"completed_count"`
	FailedCount    int        `json:"failed_count"`
	MergeAttempts  int        `json:"merge_attempts"`
	WorkerID       *uuid.UUID `json:"worker_id"`
	MergedPath     *string    `json:"merged_path"`
	Error          *string    `json:"error"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Page is one unit of conversion work: a single page image of a Task.
type Page struct {
	ID             uuid.UUID  `json:"id"`
	TaskID         uuid.UUID  `json:"task_id"`
	Page           int        `json:"page"`
	PageSource     int        `json:"page_source"`
	ImagePath      string     `json:"image_path"`
	Status         PageStatus `json:"status"`
	WorkerID       *uuid.UUID `json:"worker_id"`
	Provider       string     `json:"provider"`
	Model          string     `json:"model"`
	Content        string     `json:"content"`
	Error          *string    `json:"error"`
	RetryCount     int        `json:"retry_count"`
	InputTokens    int        `json:"input_tokens"`
	OutputTokens   int        `json:"output_tokens"`
	ConversionTime int64      `json:"conversion_time_ms"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// OwnedBy reports whether worker currently holds the page's claim.
func (p *Page) OwnedBy(worker uuid.UUID) bool {
	return p.WorkerID != nil && *p.WorkerID == worker
}

// NewPage describes a page produced by splitting, before it is persisted.
// Page is the 1-based output index; PageSource is the index in the original
// document before page-range filtering.
type NewPage struct {
	Page       int
	PageSource int
	ImagePath  string
}

// PageResult carries a successful conversion into CompletePageSuccess.
type PageResult struct {
	Content        string
	InputTokens    int
	OutputTokens   int
	ConversionTime time.Duration
}

// Completion reports the effect of a page completion.
// Applied is false when the idempotency guard skipped the write.
// StatusChanged is true when this completion moved the task to an aggregate status.
type Completion struct {
	Applied       bool
	Page          *Page
	Task          *Task
	StatusChanged bool
}

// CreateCommand carries the data needed to upload and register a new task.
type CreateCommand struct {
	Data        []byte
	Filename    string
	ContentType string
	PageRange   *string
	Provider    string
	Model       string
}

// AggregateStatus returns the task status implied by its page counters once
// every page is terminal. ok is false while pages remain outstanding.
func AggregateStatus(completed, failed, pages int) (status Status, ok bool) {
	if pages <= 0 || completed+failed < pages {
		return "", false
	}

	switch failed {
	case 0:
		return TaskReadyToMerge, true
	case pages:
		return TaskFailed, true
	default:
		return TaskPartialFailed, true
	}
}

// Progress returns the percentage of pages with a terminal outcome.
func Progress(completed, failed, pages int) int {
	if pages <= 0 {
		return 0
	}
	return min((completed+failed)*100/pages, 100)
}
