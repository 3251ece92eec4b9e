package api

import (
	"net/http"

	"github.com/JaimeStill/docmark/internal/config"
	"github.com/JaimeStill/docmark/internal/tasks"
	"github.com/JaimeStill/docmark/pkg/routes"
)

func registerRoutes(
	mux *http.ServeMux,
	domain *Domain,
	cfg *config.Config,
	runtime *Runtime,
	workers WorkerReporter,
) {
	taskHandler := tasks.NewHandler(
		domain.Tasks,
		runtime.Logger,
		runtime.Pagination,
		cfg.API.MaxUploadSizeBytes(),
	)

	groups := []routes.Group{
		taskHandler.Routes(),
		newWorkerHandler(workers).routes(),
	}
	routes.Register(mux, groups...)

	for _, pattern := range routes.Patterns(groups...) {
		runtime.Logger.Debug("route registered", "pattern", pattern, "base", cfg.API.BasePath)
	}
}
