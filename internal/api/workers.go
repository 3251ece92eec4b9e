package api

import (
	"net/http"

	"github.com/JaimeStill/docmark/internal/queue"
	"github.com/JaimeStill/docmark/pkg/handlers"
	"github.com/JaimeStill/docmark/pkg/routes"
)

// WorkerReporter reports the queue workers running in this process.
type WorkerReporter interface {
	Status() []queue.Status
}

type workerHandler struct {
	workers WorkerReporter
}

func newWorkerHandler(workers WorkerReporter) *workerHandler {
	return &workerHandler{workers: workers}
}

func (h *workerHandler) routes() routes.Group {
	return routes.Group{
		Prefix: "/workers",
		Routes: []routes.Route{
			routes.Get("", h.list),
		},
	}
}

func (h *workerHandler) list(w http.ResponseWriter, r *http.Request) {
	status := []queue.Status{}
	if h.workers != nil {
		status = append(status, h.workers.Status()...)
	}
	handlers.RespondJSON(w, http.StatusOK, status)
}
