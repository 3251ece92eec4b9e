// Package queue implements the conversion job queue: polling workers that split
// tasks into pages, convert pages through a vision model, and merge the results.
// All coordination between workers happens through the tasks store, so any number
// of processes may run workers against the same database.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Stage names the role a worker plays in the pipeline.
type Stage string

const (
	StageSplitter  Stage = "splitter"
	StageConverter Stage = "converter"
	StageMerger    Stage = "merger"
)

const (
	releaseTimeout = 10 * time.Second
	notifyTimeout  = 5 * time.Second
)

// ClaimKind identifies what a worker holds.
type ClaimKind string

const (
	ClaimTask ClaimKind = "task"
	ClaimPage ClaimKind = "page"
)

type claim struct {
	kind    ClaimKind
	id      uuid.UUID
	release func(ctx context.Context) error
}

// Status is a point-in-time view of a worker.
type Status struct {
	ID        uuid.UUID  `json:"id"`
	Stage     Stage      `json:"stage"`
	Running   bool       `json:"running"`
	ClaimKind ClaimKind  `json:"claim_kind,omitempty"`
	ClaimID   *uuid.UUID `json:"claim_id,omitempty"`
}

// Worker carries the identity, running state, and current claim shared by
// every stage. A Worker runs until Stop is called or its context ends.
type Worker struct {
	id     uuid.UUID
	stage  Stage
	logger *slog.Logger

	running  atomic.Bool
	stopped  chan struct{}
	stopOnce sync.Once
	wake     chan struct{}

	mu    sync.Mutex
	claim *claim

	bg sync.WaitGroup
}

func newWorker(stage Stage, logger *slog.Logger) *Worker {
	w := &Worker{
		id:      uuid.New(),
		stage:   stage,
		stopped: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	w.logger = logger.With("worker", w.id, "stage", stage)
	w.running.Store(true)
	return w
}

// ID returns the worker's unique identity, recorded as owner on claimed rows.
func (w *Worker) ID() uuid.UUID {
	return w.id
}

// Stage returns the worker's pipeline role.
func (w *Worker) Stage() Stage {
	return w.stage
}

// Running reports whether the worker has not been stopped.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Status reports the worker's identity, running flag, and current claim.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		ID:      w.id,
		Stage:   w.stage,
		Running: w.running.Load(),
	}
	if w.claim != nil {
		id := w.claim.id
		s.ClaimKind = w.claim.kind
		s.ClaimID = &id
	}
	return s
}

// Sleep waits for d. It returns false without waiting out d when the worker
// stops or ctx ends, and true when d elapses or Wake is called.
func (w *Worker) Sleep(ctx context.Context, d time.Duration) bool {
	return w.wait(ctx, d, w.wake)
}

// pause is Sleep without the early wakeup, for retry backoff.
func (w *Worker) pause(ctx context.Context, d time.Duration) bool {
	return w.wait(ctx, d, nil)
}

func (w *Worker) wait(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	if !w.Running() {
		return false
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-wake:
		return true
	case <-w.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

// Wake interrupts an idle Sleep so the worker polls immediately.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop flips the running flag and, if a claim is held, releases it in the
// background. Release failures are logged. Stop is idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.running.Store(false)
		c := w.claim
		w.claim = nil
		w.mu.Unlock()

		close(w.stopped)

		if c != nil {
			w.releaseAsync(c)
		}
		w.logger.Info("worker stopping")
	})
}

// Wait blocks until background releases and event emissions have finished.
func (w *Worker) Wait() {
	w.bg.Wait()
}

// hold records c as the current claim. When the worker was stopped before the
// claim could be recorded, c is released instead and hold returns false.
func (w *Worker) hold(c *claim) bool {
	w.mu.Lock()
	if !w.running.Load() {
		w.mu.Unlock()
		w.releaseAsync(c)
		return false
	}
	w.claim = c
	w.mu.Unlock()
	return true
}

func (w *Worker) clear() {
	w.mu.Lock()
	w.claim = nil
	w.mu.Unlock()
}

// abandon releases the current claim, if any, without stopping the worker.
func (w *Worker) abandon() {
	w.mu.Lock()
	c := w.claim
	w.claim = nil
	w.mu.Unlock()

	if c != nil {
		w.releaseAsync(c)
	}
}

func (w *Worker) releaseAsync(c *claim) {
	w.bg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		if err := c.release(ctx); err != nil {
			w.logger.Warn("claim release failed", "kind", c.kind, "id", c.id, "error", err)
			return
		}
		w.logger.Info("claim released", "kind", c.kind, "id", c.id)
	})
}

// notify runs fn in the background with its own timeout. Failures are logged
// and never reach the caller.
func (w *Worker) notify(fn func(ctx context.Context) error) {
	w.bg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			w.logger.Warn("event emission failed", "error", err)
		}
	})
}

// bind derives a context that ends when the worker stops, and stops the worker
// when parent ends.
func (w *Worker) bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-w.stopped:
		case <-ctx.Done():
			if parent.Err() != nil {
				w.Stop()
			}
		}
		cancel()
	}()
	return ctx, cancel
}

// loop calls step until the worker stops. When step reports no work or fails,
// the worker sleeps for interval before polling again.
func (w *Worker) loop(ctx context.Context, interval time.Duration, step func(context.Context) (bool, error)) {
	w.logger.Info("worker started", "poll_interval", interval)
	defer w.logger.Info("worker stopped")

	for w.Running() && ctx.Err() == nil {
		worked, err := w.safeStep(ctx, step)
		if err != nil && w.Running() && ctx.Err() == nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if worked && err == nil {
			continue
		}
		w.Sleep(ctx, interval)
	}
}

func (w *Worker) safeStep(ctx context.Context, step func(context.Context) (bool, error)) (worked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step(ctx)
}
