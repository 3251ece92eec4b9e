package query_test

import (
	"reflect"
	"testing"

	"github.com/JaimeStill/docmark/pkg/query"
)

func testProjection() *query.ProjectionMap {
	return query.NewProjectionMap("public", "pages", "p").
		Project("id", "ID").
		Project("task_id", "TaskID").
		Project("status", "Status").
		Project("retry_count", "RetryCount").
		Project("page", "Page")
}

func ptr(s string) *string { return &s }

func TestProjection(t *testing.T) {
	p := testProjection()

	if got, want := p.From(), "public.pages p"; got != want {
		t.Errorf("From() = %q, want %q", got, want)
	}
	if got, want := p.Columns(), "p.id, p.task_id, p.status, p.retry_count, p.page"; got != want {
		t.Errorf("Columns() = %q, want %q", got, want)
	}
	if got, want := p.Returning(), "id, task_id, status, retry_count, page"; got != want {
		t.Errorf("Returning() = %q, want %q", got, want)
	}
	if got := p.Column("RetryCount"); got != "p.retry_count" {
		t.Errorf("Column(RetryCount) = %q", got)
	}
	if got := p.Column("unknown"); got != "unknown" {
		t.Errorf("Column(unknown) = %q, want passthrough", got)
	}
	if !p.Has("Status") || p.Has("status") {
		t.Error("Has should match view names exactly")
	}
}

func TestParseSortFields(t *testing.T) {
	tests := []struct {
		input string
		want  []query.SortField
	}{
		{"", nil},
		{"Page", []query.SortField{{Field: "Page"}}},
		{"-CreatedAt", []query.SortField{{Field: "CreatedAt", Descending: true}}},
		{"RetryCount, -Page,,", []query.SortField{
			{Field: "RetryCount"},
			{Field: "Page", Descending: true},
		}},
	}

	for _, tt := range tests {
		if got := query.ParseSortFields(tt.input); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseSortFields(%q) = %+v, want %+v", tt.input, got, tt.want)
		}
	}
}

func TestBuildClaimCandidates(t *testing.T) {
	sql, args := query.NewBuilder(testProjection(),
		query.SortField{Field: "RetryCount"},
		query.SortField{Field: "Page"},
	).
		WhereEquals("Status", "pending").
		BuildLimit(10)

	want := "SELECT p.id, p.task_id, p.status, p.retry_count, p.page FROM public.pages p" +
		" WHERE p.status = $1 ORDER BY p.retry_count ASC, p.page ASC LIMIT 10"
	if sql != want {
		t.Errorf("sql =\n%s\nwant\n%s", sql, want)
	}
	if !reflect.DeepEqual(args, []any{"pending"}) {
		t.Errorf("args = %v", args)
	}
}

func TestBuildLocks(t *testing.T) {
	sql, _ := query.NewBuilder(testProjection()).ForUpdate().BuildSingle("ID", "x")
	if want := "SELECT p.id, p.task_id, p.status, p.retry_count, p.page FROM public.pages p WHERE p.id = $1 FOR UPDATE"; sql != want {
		t.Errorf("ForUpdate sql = %q", sql)
	}

	sql, _ = query.NewBuilder(testProjection()).WhereEquals("Status", "pending").SkipLocked().BuildLimit(1)
	if want := " LIMIT 1 FOR UPDATE SKIP LOCKED"; len(sql) < len(want) || sql[len(sql)-len(want):] != want {
		t.Errorf("SkipLocked sql = %q", sql)
	}
}

func TestConditionNumbering(t *testing.T) {
	var nilStatus *string
	sql, args := query.NewBuilder(testProjection()).
		WhereEquals("Status", nilStatus).
		WhereIn("Status", []any{"pending", "processing"}).
		WhereSearch(ptr("abc"), "Status", "TaskID").
		WhereNullable("TaskID", nil).
		BuildCount()

	want := "SELECT COUNT(*) FROM public.pages p WHERE p.status IN ($1, $2)" +
		" AND (p.status ILIKE $3 OR p.task_id ILIKE $4) AND p.task_id IS NULL"
	if sql != want {
		t.Errorf("sql =\n%s\nwant\n%s", sql, want)
	}
	if !reflect.DeepEqual(args, []any{"pending", "processing", "%abc%", "%abc%"}) {
		t.Errorf("args = %v", args)
	}
}

func TestBuildPageSort(t *testing.T) {
	tests := []struct {
		name string
		sort []query.SortField
		want string
	}{
		{"default", nil, "SELECT p.id, p.task_id, p.status, p.retry_count, p.page FROM public.pages p ORDER BY p.page ASC LIMIT 20 OFFSET 40"},
		{"override", []query.SortField{{Field: "RetryCount", Descending: true}}, "SELECT p.id, p.task_id, p.status, p.retry_count, p.page FROM public.pages p ORDER BY p.retry_count DESC LIMIT 20 OFFSET 40"},
		{"unmapped dropped", []query.SortField{{Field: "p.page; DROP TABLE pages"}}, "SELECT p.id, p.task_id, p.status, p.retry_count, p.page FROM public.pages p LIMIT 20 OFFSET 40"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, _ := query.NewBuilder(testProjection(), query.SortField{Field: "Page"}).
				OrderByFields(tt.sort).
				BuildPage(3, 20)
			if sql != tt.want {
				t.Errorf("sql =\n%s\nwant\n%s", sql, tt.want)
			}
		})
	}
}
