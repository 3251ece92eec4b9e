// Package events publishes task and page lifecycle events to observers.
// Emission is best effort: sinks report errors but callers only log them.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/docmark/internal/tasks"
)

// Type names an event.
type Type string

const (
	TaskUpdated   Type = "task:updated"
	TaskStatus    Type = "task:status"
	TaskProgress  Type = "task:progress"
	PageStarted   Type = "page:started"
	PageCompleted Type = "page:completed"
	PageFailed    Type = "page:failed"
	PageRetrying  Type = "page:retrying"
)

// TaskEvent carries a task snapshot.
type TaskEvent struct {
	TaskID    uuid.UUID   `json:"task_id"`
	Task      *tasks.Task `json:"task,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PageEvent carries a page snapshot within its task.
type PageEvent struct {
	TaskID    uuid.UUID        `json:"task_id"`
	PageID    uuid.UUID        `json:"page_id"`
	Page      *tasks.Page      `json:"page,omitempty"`
	Status    tasks.PageStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewTaskEvent snapshots t.
func NewTaskEvent(t *tasks.Task) TaskEvent {
	return TaskEvent{TaskID: t.ID, Task: t, Timestamp: time.Now().UTC()}
}

// NewPageEvent snapshots p.
func NewPageEvent(p *tasks.Page) PageEvent {
	return PageEvent{
		TaskID:    p.TaskID,
		PageID:    p.ID,
		Page:      p,
		Status:    p.Status,
		Timestamp: time.Now().UTC(),
	}
}

// Sink receives events.
type Sink interface {
	EmitTaskEvent(ctx context.Context, typ Type, e TaskEvent) error
	EmitTaskDetailEvent(ctx context.Context, typ Type, e PageEvent) error
}

// Envelope is the wire form published by the broker-backed sinks.
type Envelope struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// Nop discards every event.
type Nop struct{}

func (Nop) EmitTaskEvent(context.Context, Type, TaskEvent) error       { return nil }
func (Nop) EmitTaskDetailEvent(context.Context, Type, PageEvent) error { return nil }
