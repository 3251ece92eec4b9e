package api

import (
	"github.com/JaimeStill/docmark/internal/config"
	"github.com/JaimeStill/docmark/internal/tasks"
)

// Domain holds the domain systems that comprise the API.
type Domain struct {
	Tasks tasks.System
}

// NewDomain creates all domain systems from the API runtime.
func NewDomain(runtime *Runtime, cfg *config.Config) *Domain {
	return &Domain{
		Tasks: tasks.New(
			runtime.Database.Connection(),
			runtime.Storage,
			runtime.Logger,
			runtime.Pagination,
			cfg.Queue.TxRetries,
		),
	}
}
