package queue

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/JaimeStill/docmark/internal/events"
	"github.com/JaimeStill/docmark/internal/llm"
	"github.com/JaimeStill/docmark/internal/splitter"
	"github.com/JaimeStill/docmark/internal/tasks"
	"github.com/JaimeStill/docmark/pkg/storage"
)

// Splitters splits documents into pages and cleans up after failed splits.
type Splitters interface {
	Split(ctx context.Context, task *tasks.Task) (*splitter.Result, error)
	Cleanup(ctx context.Context, taskID uuid.UUID) error
}

// RequestBuilder turns a claimed page into a model request.
type RequestBuilder interface {
	ImageRequest(ctx context.Context, page *tasks.Page) (llm.Request, error)
}

// Deps are the collaborators shared by every stage.
type Deps struct {
	Tasks       tasks.System
	Splitters   Splitters
	LLM         llm.Client
	Requests    RequestBuilder
	Storage     storage.System
	Events      events.Sink
	Instruments *Instruments
	Logger      *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Instruments == nil {
		d.Instruments = NoopInstruments()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// stage couples a Worker with the collaborators its steps need.
type stage struct {
	*Worker
	deps Deps
}

func newStage(name Stage, deps Deps) stage {
	deps = deps.withDefaults()
	return stage{
		Worker: newWorker(name, deps.Logger.With("system", "queue")),
		deps:   deps,
	}
}

func (s *stage) emitTask(typ events.Type, t *tasks.Task) {
	if t == nil {
		return
	}
	snapshot := *t
	e := events.NewTaskEvent(&snapshot)
	s.notify(func(ctx context.Context) error {
		return s.deps.Events.EmitTaskEvent(ctx, typ, e)
	})
}

func (s *stage) emitPage(typ events.Type, p *tasks.Page) {
	if p == nil {
		return
	}
	snapshot := *p
	e := events.NewPageEvent(&snapshot)
	s.notify(func(ctx context.Context) error {
		return s.deps.Events.EmitTaskDetailEvent(ctx, typ, e)
	})
}
