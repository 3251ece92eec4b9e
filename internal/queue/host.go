package queue

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/JaimeStill/docmark/internal/config"
)

type runner interface {
	Run(ctx context.Context)
	Stop()
	Wait()
	Wake()
	Status() Status
}

// Host runs the configured number of workers for each stage.
type Host struct {
	workers    []runner
	converters []runner
	logger     *slog.Logger
}

// NewHost creates the workers described by cfg. Stages with zero
// concurrency get no workers.
func NewHost(deps Deps, cfg *config.QueueConfig) *Host {
	deps = deps.withDefaults()
	h := &Host{logger: deps.Logger.With("system", "queue")}

	for range cfg.Splitter.Concurrency {
		h.workers = append(h.workers, NewSplitter(deps, cfg.Splitter))
	}
	for range cfg.Converter.Concurrency {
		c := NewConverter(deps, cfg.Converter)
		h.workers = append(h.workers, c)
		h.converters = append(h.converters, c)
	}
	for range cfg.Merger.Concurrency {
		h.workers = append(h.workers, NewMerger(deps, cfg.Merger))
	}

	return h
}

// Run blocks until every worker has exited. Workers exit when Stop is
// called or ctx ends.
func (h *Host) Run(ctx context.Context) error {
	h.logger.Info("starting workers", "count", len(h.workers))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range h.workers {
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// Stop stops every worker and waits for their claim releases and pending
// event emissions.
func (h *Host) Stop() {
	for _, w := range h.workers {
		w.Stop()
	}
	for _, w := range h.workers {
		w.Wait()
	}
	h.logger.Info("workers stopped")
}

// WakeConverters interrupts idle converters so they poll immediately.
func (h *Host) WakeConverters() {
	for _, c := range h.converters {
		c.Wake()
	}
}

// Status reports every worker.
func (h *Host) Status() []Status {
	out := make([]Status, len(h.workers))
	for i, w := range h.workers {
		out[i] = w.Status()
	}
	return out
}
