package main

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/JaimeStill/docmark/internal/api"
	"github.com/JaimeStill/docmark/internal/config"
	"github.com/JaimeStill/docmark/internal/infrastructure"
	"github.com/JaimeStill/docmark/internal/llm"
	"github.com/JaimeStill/docmark/internal/queue"
	"github.com/JaimeStill/docmark/internal/splitter"
	"github.com/JaimeStill/docmark/internal/tasks"
)

// Server runs the queue workers, the LISTEN wakeup, and the HTTP API in
// one process. Either half may be disabled.
type Server struct {
	infra    *infrastructure.Infrastructure
	host     *queue.Host
	listener *queue.Listener
	http     *httpServer

	hostDone chan struct{}
}

func NewServer(cfg *config.Config, withWorkers, withHTTP bool) (*Server, error) {
	infra, err := infrastructure.New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{infra: infra}

	if withWorkers {
		if err := s.buildWorkers(cfg); err != nil {
			return nil, err
		}
	}

	if withHTTP {
		var workers api.WorkerReporter
		if s.host != nil {
			workers = s.host
		}

		router := buildRouter(infra.Lifecycle)
		router.Mount(api.NewModule(cfg, infra, workers))
		s.http = newHTTPServer(&cfg.Server, router, infra.Logger)
	}

	infra.Logger.Info(
		"server initialized",
		"addr", cfg.Server.Addr(),
		"version", cfg.Version,
		"workers", withWorkers,
		"http", withHTTP,
	)

	return s, nil
}

func (s *Server) buildWorkers(cfg *config.Config) error {
	instruments, err := queue.NewInstruments(otel.GetMeterProvider(), otel.GetTracerProvider())
	if err != nil {
		return err
	}

	logger := s.infra.Logger
	store := tasks.New(
		s.infra.Database.Connection(),
		s.infra.Storage,
		logger,
		cfg.API.Pagination,
		cfg.Queue.TxRetries,
	)

	s.host = queue.NewHost(queue.Deps{
		Tasks: store,
		Splitters: splitter.New(s.infra.Storage, splitter.Options{
			WorkDir:         cfg.Queue.WorkDir,
			MaxDocumentSize: cfg.Queue.MaxDocumentSizeBytes(),
		}, logger),
		LLM:         llm.New(&cfg.LLM, logger),
		Requests:    llm.NewMessages(&cfg.LLM, s.infra.Storage),
		Storage:     s.infra.Storage,
		Events:      s.infra.Events,
		Instruments: instruments,
		Logger:      logger,
	}, &cfg.Queue)

	s.listener = queue.NewListener(cfg.Database.URL(), tasks.WorkChannel, s.host.WakeConverters, logger)
	return nil
}

func (s *Server) Start() error {
	s.infra.Logger.Info("starting service")

	if err := s.infra.Start(); err != nil {
		return err
	}

	if s.http != nil {
		if err := s.http.Start(s.infra.Lifecycle); err != nil {
			return err
		}
	}

	s.infra.Lifecycle.WaitForStartup()
	s.infra.Logger.Info("all subsystems ready")

	if s.host != nil {
		s.infra.Lifecycle.Go(s.listener.Run)

		s.hostDone = make(chan struct{})
		go func() {
			defer close(s.hostDone)
			if err := s.host.Run(context.Background()); err != nil {
				s.infra.Logger.Error("worker host failed", "error", err)
			}
		}()
	}

	return nil
}

// Shutdown stops the workers first so their claims are released while the
// database is still open, then shuts down the remaining subsystems.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.infra.Logger.Info("initiating shutdown")

	if s.host != nil {
		s.host.Stop()
		if s.hostDone != nil {
			<-s.hostDone
		}
	}

	return s.infra.Lifecycle.Shutdown(timeout)
}
