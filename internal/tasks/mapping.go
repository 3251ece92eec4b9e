package tasks

import (
	"net/url"

	"github.com/JaimeStill/docmark/pkg/query"
	"github.com/JaimeStill/docmark/pkg/repository"
)

var taskProjection = query.
	NewProjectionMap("public", "tasks", "t").
	Project("id", "ID").
	Project("filename", "Filename").
	Project("type", "Type").
	Project("storage_key", "StorageKey").
	Project("page_range", "PageRange").
	Project("pages", "Pages").
	Project("provider", "Provider").
	Project("model", "Model").
	Project("status", "Status").
	Project("progress", "Progress").
	Project("completed_count", "CompletedCount").
	Project("failed_count", "FailedCount").
	Project("merge_attempts", "MergeAttempts").
	Project("worker_id", "WorkerID").
	Project("merged_path", "MergedPath").
	Project("error", "Error").
	Project("created_at", "CreatedAt").
	Project("updated_at", "UpdatedAt")

var pageProjection = query.
	NewProjectionMap("public", "pages", "p").
	Project("id", "ID").
	Project("task_id", "TaskID").
	Project("page", "Page").
	Project("page_source", "PageSource").
	Project("image_path", "ImagePath").
	Project("status", "Status").
	Project("worker_id", "WorkerID").
	Project("provider", "Provider").
	Project("model", "Model").
	Project("content", "Content").
	Project("error", "Error").
	Project("retry_count", "RetryCount").
	Project("input_tokens", "InputTokens").
	Project("output_tokens", "OutputTokens").
	Project("conversion_time", "ConversionTime").
	Project("started_at", "StartedAt").
	Project("completed_at", "CompletedAt").
	Project("created_at", "CreatedAt").
	Project("updated_at", "UpdatedAt")

var (
	taskColumns = taskProjection.Returning()
	pageColumns = pageProjection.Returning()
)

var defaultTaskSort = query.SortField{Field: "CreatedAt", Descending: true}

// Filters narrows List results. Nil fields are ignored.
type Filters struct {
	Status   *string `json:"status,omitempty"`
	Provider *string `json:"provider,omitempty"`
	Model    *string `json:"model,omitempty"`
	Type     *string `json:"type,omitempty"`
}

// Apply adds filter conditions to a query builder.
func (f Filters) Apply(b *query.Builder) *query.Builder {
	return b.
		WhereEquals("Status", f.Status).
		WhereEquals("Provider", f.Provider).
		WhereEquals("Model", f.Model).
		WhereEquals("Type", f.Type)
}

// FiltersFromQuery extracts filter values from URL query parameters.
func FiltersFromQuery(values url.Values) Filters {
	param := func(name string) *string {
		if v := values.Get(name); v != "" {
			return &v
		}
		return nil
	}

	return Filters{
		Status:   param("status"),
		Provider: param("provider"),
		Model:    param("model"),
		Type:     param("type"),
	}
}

// claimOrder prefers pages that have failed fewer times, then earlier pages.
const claimOrder = "p.retry_count, p.page, p.created_at"

func scanTask(s repository.Scanner) (Task, error) {
	var t Task
	err := s.Scan(
		&t.ID,
		&t.Filename,
		&t.Type,
		&t.StorageKey,
		&t.PageRange,
		&t.Pages,
		&t.Provider,
		&t.Model,
		&t.Status,
		&t.Progress,
		&t.CompletedCount,
		&t.FailedCount,
		&t.MergeAttempts,
		&t.WorkerID,
		&t.MergedPath,
		&t.Error,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}

func scanPage(s repository.Scanner) (Page, error) {
	var p Page
	err := s.Scan(
		&p.ID,
		&p.TaskID,
		&p.Page,
		&p.PageSource,
		&p.ImagePath,
		&p.Status,
		&p.WorkerID,
		&p.Provider,
		&p.Model,
		&p.Content,
		&p.Error,
		&p.RetryCount,
		&p.InputTokens,
		&p.OutputTokens,
		&p.ConversionTime,
		&p.StartedAt,
		&p.CompletedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}
