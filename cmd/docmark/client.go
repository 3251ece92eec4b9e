package main

import (
	"fmt"

	"github.com/JaimeStill/docmark/internal/config"
	"github.com/JaimeStill/docmark/internal/infrastructure"
	"github.com/JaimeStill/docmark/internal/tasks"
)

// session is a short-lived connection to the task store for one CLI command.
type session struct {
	cfg   *config.Config
	infra *infrastructure.Infrastructure
	tasks tasks.System
}

func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	infra, err := infrastructure.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := infra.Start(); err != nil {
		return nil, err
	}
	infra.Lifecycle.WaitForStartup()
	if !infra.Lifecycle.Ready() {
		_ = infra.Lifecycle.Shutdown(cfg.ShutdownTimeoutDuration())
		return nil, fmt.Errorf("database unavailable")
	}

	return &session{
		cfg:   cfg,
		infra: infra,
		tasks: tasks.New(
			infra.Database.Connection(),
			infra.Storage,
			infra.Logger,
			cfg.API.Pagination,
			cfg.Queue.TxRetries,
		),
	}, nil
}

func (s *session) Close() error {
	return s.infra.Lifecycle.Shutdown(s.cfg.ShutdownTimeoutDuration())
}
