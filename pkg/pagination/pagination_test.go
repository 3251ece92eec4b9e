package pagination_test

import (
	"errors"
	"net/url"
	"testing"

	"github.com/JaimeStill/docmark/pkg/pagination"
	"github.com/JaimeStill/docmark/pkg/query"
)

var cfg = pagination.Config{DefaultPageSize: 20, MaxPageSize: 100}

func TestFromQuery(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		page     int
		pageSize int
		search   string
		sort     []query.SortField
	}{
		{"defaults", "", 1, 20, "", nil},
		{"explicit", "page=3&page_size=50", 3, 50, "", nil},
		{"clamped", "page=-1&page_size=1000", 1, 100, "", nil},
		{"blank search", "search=%20%20", 1, 20, "", nil},
		{"search and sort", "search=report&sort=-CreatedAt,Filename", 1, 20, "report", []query.SortField{
			{Field: "CreatedAt", Descending: true},
			{Field: "Filename"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, _ := url.ParseQuery(tt.query)
			req, err := pagination.FromQuery(values, cfg)
			if err != nil {
				t.Fatal(err)
			}

			if req.Page != tt.page || req.PageSize != tt.pageSize {
				t.Errorf("page=%d size=%d, want %d/%d", req.Page, req.PageSize, tt.page, tt.pageSize)
			}
			if tt.search == "" && req.Search != nil {
				t.Errorf("search = %q, want nil", *req.Search)
			}
			if tt.search != "" && (req.Search == nil || *req.Search != tt.search) {
				t.Errorf("search = %v, want %q", req.Search, tt.search)
			}
			if len(req.Sort) != len(tt.sort) {
				t.Fatalf("sort = %+v, want %+v", req.Sort, tt.sort)
			}
			for i := range tt.sort {
				if req.Sort[i] != tt.sort[i] {
					t.Errorf("sort[%d] = %+v, want %+v", i, req.Sort[i], tt.sort[i])
				}
			}
		})
	}
}

func TestNewPageResult(t *testing.T) {
	tests := []struct {
		total, pageSize, want int
	}{
		{0, 20, 1},
		{20, 20, 1},
		{21, 20, 2},
		{95, 10, 10},
	}

	for _, tt := range tests {
		r := pagination.NewPageResult[int](nil, tt.total, 1, tt.pageSize)
		if r.TotalPages != tt.want {
			t.Errorf("total=%d size=%d TotalPages = %d, want %d", tt.total, tt.pageSize, r.TotalPages, tt.want)
		}
		if r.Data == nil {
			t.Error("Data should be an empty slice, not nil")
		}
	}
}

func TestFromQueryRejectsNonNumeric(t *testing.T) {
	for _, q := range []string{"page=two", "page_size=lots", "page=1.5"} {
		values, _ := url.ParseQuery(q)
		if _, err := pagination.FromQuery(values, cfg); !errors.Is(err, pagination.ErrInvalidRequest) {
			t.Errorf("%s: err = %v, want ErrInvalidRequest", q, err)
		}
	}
}

func TestHasMore(t *testing.T) {
	if r := pagination.NewPageResult([]int{1}, 45, 2, 20); !r.HasMore {
		t.Error("page 2 of 3 should have more")
	}
	if r := pagination.NewPageResult([]int{1}, 45, 3, 20); r.HasMore {
		t.Error("last page reports more")
	}
}

func TestConfigFinalize(t *testing.T) {
	t.Setenv("TEST_PAGE_SIZE", "30")

	c := pagination.Config{}
	if err := c.Finalize(&pagination.ConfigEnv{DefaultPageSize: "TEST_PAGE_SIZE"}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if c.DefaultPageSize != 30 || c.MaxPageSize != 100 {
		t.Errorf("got %+v", c)
	}

	bad := pagination.Config{DefaultPageSize: 200, MaxPageSize: 100}
	if err := bad.Finalize(nil); err == nil {
		t.Error("expected error when default exceeds max")
	}
}
