package queue

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JaimeStill/docmark/internal/config"
	"github.com/JaimeStill/docmark/internal/events"
	"github.com/JaimeStill/docmark/internal/tasks"
)

// Splitter claims pending tasks and splits them into pages.
type Splitter struct {
	stage
	cfg config.StageConfig
}

// NewSplitter creates a splitter worker.
func NewSplitter(deps Deps, cfg config.StageConfig) *Splitter {
	return &Splitter{stage: newStage(StageSplitter, deps), cfg: cfg}
}

// Run polls for pending tasks until the worker stops or ctx ends.
func (s *Splitter) Run(ctx context.Context) {
	ctx, cancel := s.bind(ctx)
	defer cancel()
	s.loop(ctx, s.cfg.PollIntervalDuration(), s.step)
}

func (s *Splitter) step(ctx context.Context) (bool, error) {
	task, err := s.deps.Tasks.ClaimTaskForSplit(ctx, s.id)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	taskID := task.ID
	held := s.hold(&claim{
		kind: ClaimTask,
		id:   taskID,
		release: func(ctx context.Context) error {
			return s.deps.Tasks.ReleaseTask(ctx, taskID, s.id)
		},
	})
	if !held {
		return true, nil
	}
	defer s.clear()

	s.emitTask(events.TaskStatus, task)
	s.process(ctx, task)
	return true, nil
}

func (s *Splitter) process(ctx context.Context, task *tasks.Task) {
	ins := s.deps.Instruments
	ctx, span := ins.tracer.Start(ctx, "split task", trace.WithAttributes(
		attribute.String("task.id", task.ID.String()),
		attribute.String("task.type", task.Type),
	))
	defer span.End()

	s.logger.InfoContext(ctx, "splitting task", "task_id", task.ID, "filename", task.Filename)

	result, err := s.deps.Splitters.Split(ctx, task)
	if !s.Running() {
		return
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.fail(ctx, task, err)
		return
	}

	updated, err := s.deps.Tasks.CompleteSplit(ctx, task.ID, s.id, result.Pages)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotClaimable) {
			s.logger.InfoContext(ctx, "task left splitting before commit", "task_id", task.ID)
			s.cleanup(ctx, task)
			return
		}
		span.SetStatus(codes.Error, err.Error())
		s.fail(ctx, task, err)
		return
	}

	ins.tasksSplit.Add(ctx, 1)
	span.SetAttributes(attribute.Int("task.pages", updated.Pages))

	s.emitTask(events.TaskUpdated, updated)
	s.emitTask(events.TaskStatus, updated)
}

func (s *Splitter) fail(ctx context.Context, task *tasks.Task, cause error) {
	msg := FormatError(cause)
	s.logger.WarnContext(ctx, "split failed", "task_id", task.ID, "category", AnalyzeError(cause), "error", msg)

	updated, err := s.deps.Tasks.FailTask(ctx, task.ID, s.id, msg)
	switch {
	case errors.Is(err, tasks.ErrTaskNotClaimable):
		s.logger.InfoContext(ctx, "task left splitting before failure was recorded", "task_id", task.ID)
	case err != nil:
		s.logger.ErrorContext(ctx, "record split failure", "task_id", task.ID, "error", err)
	default:
		s.deps.Instruments.tasksFailed.Add(ctx, 1)
		s.emitTask(events.TaskUpdated, updated)
		s.emitTask(events.TaskStatus, updated)
	}

	s.cleanup(ctx, task)
}

func (s *Splitter) cleanup(ctx context.Context, task *tasks.Task) {
	if err := s.deps.Splitters.Cleanup(ctx, task.ID); err != nil {
		s.logger.WarnContext(ctx, "split cleanup failed", "task_id", task.ID, "error", err)
	}
}
