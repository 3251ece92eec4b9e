package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/docmark/internal/config"
	"github.com/JaimeStill/docmark/internal/events"
	"github.com/JaimeStill/docmark/internal/llm"
	"github.com/JaimeStill/docmark/internal/splitter"
	"github.com/JaimeStill/docmark/internal/tasks"
	"github.com/JaimeStill/docmark/pkg/lifecycle"
	"github.com/JaimeStill/docmark/pkg/pagination"
)

var errUnsupported = errors.New("not supported by memory store")

// memStore is an in-memory tasks.System with the same conditional-update
// semantics as the PostgreSQL store.
type memStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*tasks.Task
	pages map[uuid.UUID]*tasks.Page
	seq   time.Time

	releases   atomic.Int32
	increments atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{
		tasks: make(map[uuid.UUID]*tasks.Task),
		pages: make(map[uuid.UUID]*tasks.Page),
		seq:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) tick() time.Time {
	s.seq = s.seq.Add(time.Millisecond)
	return s.seq
}

// addTask inserts a task in status with n pending pages of its own.
func (s *memStore) addTask(status tasks.Status, n int) (*tasks.Task, []*tasks.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.tick()
	t := &tasks.Task{
		ID:         uuid.New(),
		Filename:   "doc.pdf",
		Type:       "application/pdf",
		StorageKey: "tasks/doc.pdf",
		Pages:      n,
		Provider:   "openai",
		Model:      "gpt-test",
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.tasks[t.ID] = t

	pages := make([]*tasks.Page, 0, n)
	for i := 1; i <= n; i++ {
		pages = append(pages, s.insertPage(t, tasks.NewPage{Page: i, PageSource: i, ImagePath: fmt.Sprintf("img/%d.png", i)}))
	}
	return t, pages
}

func (s *memStore) insertPage(t *tasks.Task, np tasks.NewPage) *tasks.Page {
	now := s.tick()
	p := &tasks.Page{
		ID:         uuid.New(),
		TaskID:     t.ID,
		Page:       np.Page,
		PageSource: np.PageSource,
		ImagePath:  np.ImagePath,
		Status:     tasks.PagePending,
		Provider:   t.Provider,
		Model:      t.Model,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.pages[p.ID] = p
	return p
}

func (s *memStore) task(id uuid.UUID) tasks.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id]
}

func (s *memStore) page(id uuid.UUID) tasks.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.pages[id]
}

func (s *memStore) setStatus(id uuid.UUID, status tasks.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id].Status = status
}

func (s *memStore) Create(context.Context, tasks.CreateCommand) (*tasks.Task, error) {
	return nil, errUnsupported
}

func (s *memStore) Cancel(_ context.Context, id uuid.UUID) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, tasks.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil, tasks.ErrTaskTerminal
	}
	t.Status = tasks.TaskCancelled
	t.WorkerID = nil
	for p := range maps.Values(s.pages) {
		if p.TaskID == id && p.Status == tasks.PagePending {
			msg := tasks.CancelledMessage
			p.Status = tasks.PageFailed
			p.Error = &msg
			t.FailedCount++
		}
	}
	out := *t
	return &out, nil
}

func (s *memStore) List(context.Context, pagination.PageRequest, tasks.Filters) (*pagination.PageResult[tasks.Task], error) {
	return nil, errUnsupported
}

func (s *memStore) Result(context.Context, uuid.UUID) (io.ReadCloser, error) {
	return nil, errUnsupported
}

func (s *memStore) FindTask(_ context.Context, id uuid.UUID) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, tasks.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (s *memStore) FindPage(_ context.Context, id uuid.UUID) (*tasks.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[id]
	if !ok {
		return nil, tasks.ErrPageNotFound
	}
	out := *p
	return &out, nil
}

func (s *memStore) Pages(_ context.Context, taskID uuid.UUID) ([]tasks.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []tasks.Page
	for p := range maps.Values(s.pages) {
		if p.TaskID == taskID {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b tasks.Page) int { return cmp.Compare(a.Page, b.Page) })
	return out, nil
}

func (s *memStore) oldest(match func(*tasks.Task) bool, by func(*tasks.Task) time.Time) *tasks.Task {
	var found *tasks.Task
	for t := range maps.Values(s.tasks) {
		if match(t) && (found == nil || by(t).Before(by(found))) {
			found = t
		}
	}
	return found
}

func (s *memStore) ClaimTaskForSplit(_ context.Context, worker uuid.UUID) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.oldest(
		func(t *tasks.Task) bool { return t.Status == tasks.TaskPending },
		func(t *tasks.Task) time.Time { return t.CreatedAt },
	)
	if t == nil {
		return nil, nil
	}
	t.Status = tasks.TaskSplitting
	t.WorkerID = &worker
	t.UpdatedAt = s.tick()
	out := *t
	return &out, nil
}

func (s *memStore) CompleteSplit(_ context.Context, taskID, worker uuid.UUID, pages []tasks.NewPage) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || !ownedTask(t, worker) || t.Status != tasks.TaskSplitting {
		return nil, tasks.ErrTaskNotClaimable
	}
	t.Pages = len(pages)
	t.Status = tasks.TaskProcessing
	t.WorkerID = nil
	t.UpdatedAt = s.tick()
	for _, np := range pages {
		s.insertPage(t, np)
	}
	out := *t
	return &out, nil
}

func (s *memStore) FailTask(_ context.Context, taskID, worker uuid.UUID, message string) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	allowed := []tasks.Status{tasks.TaskSplitting, tasks.TaskReadyToMerge, tasks.TaskPartialFailed}
	if !ok || !ownedTask(t, worker) || !slices.Contains(allowed, t.Status) {
		return nil, tasks.ErrTaskNotClaimable
	}
	t.Status = tasks.TaskFailed
	t.Error = &message
	t.WorkerID = nil
	out := *t
	return &out, nil
}

func (s *memStore) ReleaseTask(_ context.Context, taskID, worker uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || !ownedTask(t, worker) {
		return tasks.ErrTaskNotClaimable
	}
	if t.Status == tasks.TaskSplitting {
		t.Status = tasks.TaskPending
	}
	t.WorkerID = nil
	s.releases.Add(1)
	return nil
}

func (s *memStore) PendingPages(_ context.Context, limit int) ([]tasks.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []tasks.Page
	for p := range maps.Values(s.pages) {
		if p.Status == tasks.PagePending && s.tasks[p.TaskID].Status == tasks.TaskProcessing {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b tasks.Page) int {
		return cmp.Or(
			cmp.Compare(a.RetryCount, b.RetryCount),
			cmp.Compare(a.Page, b.Page),
			a.CreatedAt.Compare(b.CreatedAt),
		)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) TryClaimPage(_ context.Context, pageID, worker uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[pageID]
	if !ok || p.Status != tasks.PagePending {
		return false, nil
	}
	now := s.tick()
	p.Status = tasks.PageProcessing
	p.WorkerID = &worker
	p.StartedAt = &now
	return true, nil
}

func (s *memStore) IncrementRetry(_ context.Context, pageID, worker uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[pageID]
	if !ok || p.Status != tasks.PageProcessing || !p.OwnedBy(worker) {
		return tasks.ErrNotOwner
	}
	p.RetryCount++
	s.increments.Add(1)
	return nil
}

func (s *memStore) ReleasePage(_ context.Context, pageID, worker uuid.UUID, countRetry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[pageID]
	if !ok || p.Status != tasks.PageProcessing || !p.OwnedBy(worker) {
		return tasks.ErrNotOwner
	}
	p.Status = tasks.PagePending
	p.WorkerID = nil
	p.StartedAt = nil
	if countRetry {
		p.RetryCount++
	}
	s.releases.Add(1)
	return nil
}

func (s *memStore) CompletePageSuccess(_ context.Context, pageID, worker uuid.UUID, result tasks.PageResult) (*tasks.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[pageID]
	if !ok {
		return nil, tasks.ErrPageNotFound
	}
	if p.Status.Terminal() || !p.OwnedBy(worker) {
		out := *p
		return &tasks.Completion{Page: &out}, nil
	}

	p.Status = tasks.PageCompleted
	p.Content = result.Content
	p.Error = nil
	p.InputTokens = result.InputTokens
	p.OutputTokens = result.OutputTokens
	p.ConversionTime = result.ConversionTime.Milliseconds()
	p.WorkerID = nil

	t := s.tasks[p.TaskID]
	t.CompletedCount++
	return s.settle(p, t), nil
}

func (s *memStore) CompletePageFailed(_ context.Context, pageID, worker uuid.UUID, message string) (*tasks.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pages[pageID]
	if !ok {
		return nil, tasks.ErrPageNotFound
	}
	if p.Status.Terminal() {
		return nil, tasks.ErrPageTerminal
	}
	if !p.OwnedBy(worker) {
		return nil, tasks.ErrNotOwner
	}

	p.Status = tasks.PageFailed
	p.Error = &message
	p.WorkerID = nil

	t := s.tasks[p.TaskID]
	t.FailedCount++
	return s.settle(p, t), nil
}

func (s *memStore) settle(p *tasks.Page, t *tasks.Task) *tasks.Completion {
	t.Progress = tasks.Progress(t.CompletedCount, t.FailedCount, t.Pages)
	t.UpdatedAt = s.tick()

	c := &tasks.Completion{Applied: true}
	if status, done := tasks.AggregateStatus(t.CompletedCount, t.FailedCount, t.Pages); done && t.Status == tasks.TaskProcessing {
		t.Status = status
		c.StatusChanged = true
	}

	page, task := *p, *t
	c.Page, c.Task = &page, &task
	return c
}

func (s *memStore) ClaimTaskForMerge(_ context.Context, worker uuid.UUID) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.oldest(
		func(t *tasks.Task) bool {
			return t.WorkerID == nil && (t.Status == tasks.TaskReadyToMerge || t.Status == tasks.TaskPartialFailed)
		},
		func(t *tasks.Task) time.Time { return t.UpdatedAt },
	)
	if t == nil {
		return nil, nil
	}
	t.WorkerID = &worker
	t.MergeAttempts++
	t.UpdatedAt = s.tick()
	out := *t
	return &out, nil
}

func (s *memStore) CompleteMerge(_ context.Context, taskID, worker uuid.UUID, mergedPath string) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || !ownedTask(t, worker) || (t.Status != tasks.TaskReadyToMerge && t.Status != tasks.TaskPartialFailed) {
		return nil, tasks.ErrTaskNotClaimable
	}
	t.Status = tasks.TaskCompleted
	t.MergedPath = &mergedPath
	t.Progress = 100
	t.WorkerID = nil
	out := *t
	return &out, nil
}

func ownedTask(t *tasks.Task, worker uuid.UUID) bool {
	return t.WorkerID != nil && *t.WorkerID == worker
}

// scriptedLLM answers completions from a queue of replies; the last reply
// repeats once the queue is drained.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	hook    func(call int)
}

type reply struct {
	content string
	raw     string
	err     error
}

func (l *scriptedLLM) Completion(_ context.Context, _ llm.Request) (*llm.Response, error) {
	l.mu.Lock()
	l.calls++
	call := l.calls
	r := l.replies[min(call, len(l.replies))-1]
	hook := l.hook
	l.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if r.err != nil {
		return nil, r.err
	}
	raw := r.raw
	if raw == "" {
		raw = `{}`
	}
	return &llm.Response{Content: r.content, Raw: []byte(raw)}, nil
}

func (l *scriptedLLM) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type stubRequests struct{}

func (stubRequests) ImageRequest(_ context.Context, page *tasks.Page) (llm.Request, error) {
	return llm.Request{
		Provider: page.Provider,
		Model:    page.Model,
		Prompt:   "convert",
		Image:    llm.Image{MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
	}, nil
}

// stubSplitters produces n pages per task, or fails with err.
type stubSplitters struct {
	n        int
	err      error
	block    chan struct{}
	cleanups atomic.Int32
}

func (s *stubSplitters) Split(ctx context.Context, task *tasks.Task) (*splitter.Result, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	pages := make([]tasks.NewPage, s.n)
	for i := range pages {
		pages[i] = tasks.NewPage{Page: i + 1, PageSource: i + 1, ImagePath: splitter.PageKey(task.ID, i+1, "png")}
	}
	return &splitter.Result{Pages: pages, TotalPages: s.n}, nil
}

func (s *stubSplitters) Cleanup(context.Context, uuid.UUID) error {
	s.cleanups.Add(1)
	return nil
}

// memBlobs is an in-memory storage.System.
type memBlobs struct {
	mu    sync.Mutex
	blobs map[string]string
	err   error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string]string)}
}

func (b *memBlobs) Start(*lifecycle.Coordinator) error { return nil }

func (b *memBlobs) Upload(_ context.Context, key string, r io.Reader, _ string) error {
	if b.err != nil {
		return b.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = string(data)
	return nil
}

func (b *memBlobs) Download(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %s: not found", key)
	}
	return io.NopCloser(strings.NewReader(v)), nil
}

func (b *memBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	return nil
}

func (b *memBlobs) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[key]
	return ok, nil
}

func (b *memBlobs) DeletePrefix(_ context.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.blobs {
		if strings.HasPrefix(k, prefix) {
			delete(b.blobs, k)
		}
	}
	return nil
}

func (b *memBlobs) get(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.blobs[key]
	return v, ok
}

func testStageConfig() config.StageConfig {
	return config.StageConfig{
		PollInterval:     "10ms",
		MaxRetries:       3,
		MaxContentLength: 500000,
		RetryDelayBase:   "1ms",
		Concurrency:      1,
		ClaimBatch:       10,
	}
}

// recordSink keeps the types of emitted events in arrival order.
type recordSink struct {
	mu    sync.Mutex
	types []events.Type
}

func (r *recordSink) EmitTaskEvent(_ context.Context, typ events.Type, _ events.TaskEvent) error {
	r.add(typ)
	return nil
}

func (r *recordSink) EmitTaskDetailEvent(_ context.Context, typ events.Type, _ events.PageEvent) error {
	r.add(typ)
	return nil
}

func (r *recordSink) add(typ events.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, typ)
}

func (r *recordSink) emitted() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.types)
}
