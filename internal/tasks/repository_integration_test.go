//go:build integration

package tasks_test

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/JaimeStill/docmark/internal/migrations"
	"github.com/JaimeStill/docmark/internal/tasks"
	"github.com/JaimeStill/docmark/pkg/pagination"
	"github.com/JaimeStill/docmark/pkg/storage"
)

var testDB *sql.DB

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	ctr, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("docmark"),
		postgres.WithUsername("docmark"),
		postgres.WithPassword("docmark"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		return 1
	}
	defer ctr.Terminate(ctx)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "connection string: %v\n", err)
		return 1
	}
	if err := migrations.Up(dsn); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}

	testDB, err = sql.Open("pgx", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		return 1
	}
	defer testDB.Close()

	return m.Run()
}

func newStore(t *testing.T) tasks.System {
	t.Helper()
	return newStoreWith(t, localBlobs(t))
}

func localBlobs(t *testing.T) storage.System {
	t.Helper()
	blobs, err := storage.New(&storage.Config{Provider: storage.ProviderLocal, LocalPath: t.TempDir()}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return blobs
}

func newStoreWith(t *testing.T, blobs storage.System) tasks.System {
	t.Helper()

	_, err := testDB.Exec("TRUNCATE tasks CASCADE")
	require.NoError(t, err)

	return tasks.New(
		testDB,
		blobs,
		slog.New(slog.DiscardHandler),
		pagination.Config{DefaultPageSize: 20, MaxPageSize: 100},
		3,
	)
}

func createTask(t *testing.T, s tasks.System, name string) *tasks.Task {
	t.Helper()
	task, err := s.Create(context.Background(), tasks.CreateCommand{
		Data:        []byte("%PDF-1.4 stub"),
		Filename:    name,
		ContentType: "application/pdf",
		Provider:    "openai",
		Model:       "gpt-4o",
	})
	require.NoError(t, err)
	return task
}

// splitTask claims the oldest pending task and completes its split with n pages.
func splitTask(t *testing.T, s tasks.System, n int) *tasks.Task {
	t.Helper()
	ctx := context.Background()
	worker := uuid.New()

	task, err := s.ClaimTaskForSplit(ctx, worker)
	require.NoError(t, err)
	require.NotNil(t, task)

	pages := make([]tasks.NewPage, n)
	for i := range pages {
		pages[i] = tasks.NewPage{
			Page:       i + 1,
			PageSource: i + 1,
			ImagePath:  fmt.Sprintf("tasks/%s/pages/page-%04d.png", task.ID, i+1),
		}
	}

	task, err = s.CompleteSplit(ctx, task.ID, worker, pages)
	require.NoError(t, err)
	return task
}

func claim(t *testing.T, s tasks.System, pageID uuid.UUID) uuid.UUID {
	t.Helper()
	worker := uuid.New()
	ok, err := s.TryClaimPage(context.Background(), pageID, worker)
	require.NoError(t, err)
	require.True(t, ok)
	return worker
}

func TestStoreCreateAndSplit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	created := createTask(t, s, "Quarterly Report.pdf")
	assert.Equal(t, tasks.TaskPending, created.Status)
	assert.Equal(t, "pdf", created.Type)

	task := splitTask(t, s, 3)
	assert.Equal(t, created.ID, task.ID)
	assert.Equal(t, tasks.TaskProcessing, task.Status)
	assert.Equal(t, 3, task.Pages)
	assert.Nil(t, task.WorkerID)

	pages, err := s.Pages(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	for i, p := range pages {
		assert.Equal(t, i+1, p.Page)
		assert.Equal(t, tasks.PagePending, p.Status)
		assert.Equal(t, "openai", p.Provider)
	}

	next, err := s.ClaimTaskForSplit(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, next)
}

// uploadHook runs before delegating each upload, then fails it when err is set.
type uploadHook struct {
	storage.System
	before func(key string)
	err    error
}

func (h *uploadHook) Upload(ctx context.Context, key string, r io.Reader, contentType string) error {
	h.before(key)
	if h.err != nil {
		return h.err
	}
	return h.System.Upload(ctx, key, r, contentType)
}

func taskStatuses(t *testing.T) []string {
	t.Helper()
	rows, err := testDB.Query("SELECT status FROM tasks")
	require.NoError(t, err)
	defer rows.Close()

	var out []string
	for rows.Next() {
		var status string
		require.NoError(t, rows.Scan(&status))
		out = append(out, status)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestStoreCreateRecordsCreatedDuringUpload(t *testing.T) {
	var during []string
	hook := &uploadHook{System: localBlobs(t)}
	hook.before = func(string) { during = taskStatuses(t) }

	s := newStoreWith(t, hook)
	task := createTask(t, s, "scan.pdf")

	assert.Equal(t, []string{string(tasks.TaskCreated)}, during)
	assert.Equal(t, tasks.TaskPending, task.Status)
}

func TestStoreCreateUploadFailureLeavesNoTask(t *testing.T) {
	hook := &uploadHook{System: localBlobs(t), before: func(string) {}, err: fmt.Errorf("disk full")}
	s := newStoreWith(t, hook)

	_, err := s.Create(context.Background(), tasks.CreateCommand{
		Data:        []byte("%PDF-1.4 stub"),
		Filename:    "scan.pdf",
		ContentType: "application/pdf",
		Provider:    "openai",
		Model:       "gpt-4o",
	})
	require.Error(t, err)
	assert.Empty(t, taskStatuses(t))
}

func TestStoreSplitClaimOrderAndRelease(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first := createTask(t, s, "a.pdf")
	createTask(t, s, "b.pdf")

	worker := uuid.New()
	task, err := s.ClaimTaskForSplit(ctx, worker)
	require.NoError(t, err)
	assert.Equal(t, first.ID, task.ID)
	assert.Equal(t, tasks.TaskSplitting, task.Status)

	require.NoError(t, s.ReleaseTask(ctx, task.ID, worker))

	released, err := s.FindTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.TaskPending, released.Status)
	assert.Nil(t, released.WorkerID)
}

func TestStoreFailTaskRequiresOwner(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createTask(t, s, "a.pdf")
	worker := uuid.New()
	task, err := s.ClaimTaskForSplit(ctx, worker)
	require.NoError(t, err)

	_, err = s.FailTask(ctx, task.ID, uuid.New(), "boom")
	assert.Error(t, err)

	failed, err := s.FailTask(ctx, task.ID, worker, "corrupt document")
	require.NoError(t, err)
	assert.Equal(t, tasks.TaskFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "corrupt document", *failed.Error)
}

func TestStorePendingPagesOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createTask(t, s, "a.pdf")
	task := splitTask(t, s, 3)
	pages, err := s.Pages(ctx, task.ID)
	require.NoError(t, err)

	worker := claim(t, s, pages[0].ID)
	require.NoError(t, s.IncrementRetry(ctx, pages[0].ID, worker))
	require.NoError(t, s.ReleasePage(ctx, pages[0].ID, worker, false))

	pending, err := s.PendingPages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, 2, pending[0].Page)
	assert.Equal(t, 3, pending[1].Page)
	assert.Equal(t, 1, pending[2].Page)
	assert.Equal(t, 1, pending[2].RetryCount, "a release after IncrementRetry does not count twice")

	worker = claim(t, s, pending[2].ID)
	require.NoError(t, s.ReleasePage(ctx, pending[2].ID, worker, true))
	again, err := s.FindPage(ctx, pending[2].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.RetryCount)
}

func TestStorePendingPagesSkipsInactiveTasks(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createTask(t, s, "stale.pdf")
	stale := splitTask(t, s, 5)
	_, err := testDB.Exec("UPDATE tasks SET status = $2 WHERE id = $1", stale.ID, string(tasks.TaskFailed))
	require.NoError(t, err)

	createTask(t, s, "live.pdf")
	live := splitTask(t, s, 1)
	livePages, err := s.Pages(ctx, live.ID)
	require.NoError(t, err)

	worker := claim(t, s, livePages[0].ID)
	require.NoError(t, s.IncrementRetry(ctx, livePages[0].ID, worker))
	require.NoError(t, s.ReleasePage(ctx, livePages[0].ID, worker, false))

	pending, err := s.PendingPages(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, live.ID, pending[0].TaskID)
}

func TestStoreTryClaimPageExclusive(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createTask(t, s, "a.pdf")
	task := splitTask(t, s, 1)
	pages, err := s.Pages(ctx, task.ID)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 16 {
		wg.Go(func() {
			ok, err := s.TryClaimPage(ctx, pages[0].ID, uuid.New())
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())

	page, err := s.FindPage(ctx, pages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.PageProcessing, page.Status)
	assert.NotNil(t, page.WorkerID)
}

func TestStorePageOwnership(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createTask(t, s, "a.pdf")
	task := splitTask(t, s, 2)
	pages, err := s.Pages(ctx, task.ID)
	require.NoError(t, err)

	worker := claim(t, s, pages[0].ID)
	stranger := uuid.New()

	assert.Error(t, s.IncrementRetry(ctx, pages[0].ID, stranger))
	assert.Error(t, s.ReleasePage(ctx, pages[0].ID, stranger, true))

	_, err = s.CompletePageFailed(ctx, pages[0].ID, stranger, "nope")
	assert.ErrorIs(t, err, tasks.ErrNotOwner)

	c, err := s.CompletePageSuccess(ctx, pages[0].ID, stranger, tasks.PageResult{Content: "# x"})
	require.NoError(t, err)
	assert.False(t, c.Applied)

	c, err = s.CompletePageSuccess(ctx, pages[0].ID, worker, tasks.PageResult{
		Content:        "# Page one",
		InputTokens:    900,
		OutputTokens:   120,
		ConversionTime: 1500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, c.Applied)
	assert.False(t, c.StatusChanged)
	assert.Equal(t, tasks.PageCompleted, c.Page.Status)
	assert.Nil(t, c.Page.WorkerID)
	assert.Equal(t, 1, c.Task.CompletedCount)
	assert.Equal(t, 50, c.Task.Progress)

	again, err := s.CompletePageSuccess(ctx, pages[0].ID, worker, tasks.PageResult{Content: "# other"})
	require.NoError(t, err)
	assert.False(t, again.Applied)

	_, err = s.CompletePageFailed(ctx, pages[0].ID, worker, "late")
	assert.ErrorIs(t, err, tasks.ErrPageTerminal)

	stored, err := s.FindPage(ctx, pages[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "# Page one", stored.Content)
	assert.Equal(t, 900, stored.InputTokens)
}

func TestStoreAggregateStatus(t *testing.T) {
	tests := []struct {
		name   string
		failed int
		want   tasks.Status
	}{
		{"all completed", 0, tasks.TaskReadyToMerge},
		{"some failed", 1, tasks.TaskPartialFailed},
		{"all failed", 3, tasks.TaskFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			createTask(t, s, "a.pdf")
			task := splitTask(t, s, 3)
			pages, err := s.Pages(ctx, task.ID)
			require.NoError(t, err)

			var last *tasks.Completion
			for i, p := range pages {
				worker := claim(t, s, p.ID)
				if i < tt.failed {
					last, err = s.CompletePageFailed(ctx, p.ID, worker, "unreadable")
				} else {
					last, err = s.CompletePageSuccess(ctx, p.ID, worker, tasks.PageResult{Content: "text"})
				}
				require.NoError(t, err)
			}

			assert.True(t, last.StatusChanged)
			assert.Equal(t, tt.want, last.Task.Status)
			assert.Equal(t, 100, last.Task.Progress)
			assert.Equal(t, 3-tt.failed, last.Task.CompletedCount)
			assert.Equal(t, tt.failed, last.Task.FailedCount)
		})
	}
}

func TestStoreConcurrentCompletionsSettleOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	const n = 12
	createTask(t, s, "a.pdf")
	task := splitTask(t, s, n)
	pages, err := s.Pages(ctx, task.ID)
	require.NoError(t, err)

	owners := make([]uuid.UUID, n)
	for i, p := range pages {
		owners[i] = claim(t, s, p.ID)
	}

	var (
		wg      sync.WaitGroup
		changed atomic.Int32
	)
	for i, p := range pages {
		wg.Go(func() {
			c, err := s.CompletePageSuccess(ctx, p.ID, owners[i], tasks.PageResult{Content: "ok"})
			if !assert.NoError(t, err) {
				return
			}
			if c.StatusChanged {
				changed.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), changed.Load())

	final, err := s.FindTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.TaskReadyToMerge, final.Status)
	assert.Equal(t, n, final.CompletedCount)
}

func TestStoreCancel(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createTask(t, s, "a.pdf")
	task := splitTask(t, s, 2)
	pages, err := s.Pages(ctx, task.ID)
	require.NoError(t, err)

	worker := claim(t, s, pages[0].ID)

	cancelled, err := s.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.TaskCancelled, cancelled.Status)
	assert.Equal(t, 1, cancelled.FailedCount)

	dropped, err := s.FindPage(ctx, pages[1].ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.PageFailed, dropped.Status)
	require.NotNil(t, dropped.Error)
	assert.Equal(t, tasks.CancelledMessage, *dropped.Error)

	_, err = s.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, tasks.ErrTaskTerminal)

	_, err = s.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, tasks.ErrNotFound)

	pending, err := s.PendingPages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	c, err := s.CompletePageSuccess(ctx, pages[0].ID, worker, tasks.PageResult{Content: "late"})
	require.NoError(t, err)
	assert.False(t, c.StatusChanged)

	final, err := s.FindTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.TaskCancelled, final.Status)
}

func TestStoreMergeLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createTask(t, s, "a.pdf")
	task := splitTask(t, s, 1)
	pages, err := s.Pages(ctx, task.ID)
	require.NoError(t, err)

	none, err := s.ClaimTaskForMerge(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, none)

	worker := claim(t, s, pages[0].ID)
	_, err = s.CompletePageSuccess(ctx, pages[0].ID, worker, tasks.PageResult{Content: "# Done"})
	require.NoError(t, err)

	_, err = s.Result(ctx, task.ID)
	assert.ErrorIs(t, err, tasks.ErrNoResult)

	first := uuid.New()
	claimed, err := s.ClaimTaskForMerge(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, 1, claimed.MergeAttempts)
	require.NoError(t, s.ReleaseTask(ctx, task.ID, first))

	merger := uuid.New()
	claimed, err = s.ClaimTaskForMerge(ctx, merger)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.MergeAttempts)

	// The merged blob itself is written by the merge stage; the store only
	// records its key.
	key := tasks.MergedKey(task.ID)
	done, err := s.CompleteMerge(ctx, task.ID, merger, key)
	require.NoError(t, err)
	assert.Equal(t, tasks.TaskCompleted, done.Status)
	require.NotNil(t, done.MergedPath)
	assert.Equal(t, key, *done.MergedPath)
	assert.Nil(t, done.WorkerID)
}

func TestStoreResultStreamsMergedBlob(t *testing.T) {
	_, err := testDB.Exec("TRUNCATE tasks CASCADE")
	require.NoError(t, err)

	blobs, err := storage.New(&storage.Config{Provider: storage.ProviderLocal, LocalPath: t.TempDir()}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	s := tasks.New(testDB, blobs, slog.New(slog.DiscardHandler), pagination.Config{DefaultPageSize: 20, MaxPageSize: 100}, 3)
	ctx := context.Background()

	createTask(t, s, "a.pdf")
	task := splitTask(t, s, 1)
	pages, err := s.Pages(ctx, task.ID)
	require.NoError(t, err)
	worker := claim(t, s, pages[0].ID)
	_, err = s.CompletePageSuccess(ctx, pages[0].ID, worker, tasks.PageResult{Content: "# Done"})
	require.NoError(t, err)

	merger := uuid.New()
	_, err = s.ClaimTaskForMerge(ctx, merger)
	require.NoError(t, err)

	key := tasks.MergedKey(task.ID)
	require.NoError(t, blobs.Upload(ctx, key, strings.NewReader("# Done\n"), "text/markdown"))
	_, err = s.CompleteMerge(ctx, task.ID, merger, key)
	require.NoError(t, err)

	rc, err := s.Result(ctx, task.ID)
	require.NoError(t, err)
	defer rc.Close()

	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "# Done\n", string(body))
}

func TestStoreList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	createTask(t, s, "alpha.pdf")
	createTask(t, s, "beta.pdf")
	createTask(t, s, "alphabet.png")
	splitTask(t, s, 1)

	all, err := s.List(ctx, pagination.PageRequest{Page: 1, PageSize: 10}, tasks.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)

	search := "alpha"
	found, err := s.List(ctx, pagination.PageRequest{Page: 1, PageSize: 10, Search: &search}, tasks.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 2, found.Total)

	pending := string(tasks.TaskPending)
	filtered, err := s.List(ctx, pagination.PageRequest{Page: 1, PageSize: 10}, tasks.Filters{Status: &pending})
	require.NoError(t, err)
	assert.Equal(t, 2, filtered.Total)

	paged, err := s.List(ctx, pagination.PageRequest{Page: 2, PageSize: 2}, tasks.Filters{})
	require.NoError(t, err)
	assert.Len(t, paged.Data, 1)
	assert.Equal(t, 2, paged.TotalPages)
}
