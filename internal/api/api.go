// Package api assembles the HTTP API module: task submission and inspection
// plus worker status.
package api

import (
	"net/http"

	"github.com/JaimeStill/docmark/internal/config"
	"github.com/JaimeStill/docmark/internal/infrastructure"
	"github.com/JaimeStill/docmark/pkg/middleware"
	"github.com/JaimeStill/docmark/pkg/module"
)

// NewModule creates the API module with all domain handlers and middleware.
// workers may be nil when the process runs no queue workers.
func NewModule(cfg *config.Config, infra *infrastructure.Infrastructure, workers WorkerReporter) *module.Module {
	runtime := NewRuntime(cfg, infra)
	domain := NewDomain(runtime, cfg)

	mux := http.NewServeMux()
	registerRoutes(mux, domain, cfg, runtime, workers)

	m := module.New(cfg.API.BasePath, mux)
	m.Use(
		middleware.Logger(runtime.Logger),
		middleware.Recover(runtime.Logger),
		middleware.CORS(&cfg.API.CORS),
	)

	return m
}
