package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var noWorkers, noHTTP bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run queue workers and the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if noWorkers && noHTTP {
				return fmt.Errorf("nothing to run: both --no-workers and --no-http set")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			srv, err := NewServer(cfg, !noWorkers, !noHTTP)
			if err != nil {
				return fmt.Errorf("service init failed: %w", err)
			}

			if err := srv.Start(); err != nil {
				return fmt.Errorf("service start failed: %w", err)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			return srv.Shutdown(cfg.ShutdownTimeoutDuration())
		},
	}

	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the HTTP API without queue workers")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "run queue workers without the HTTP API")
	return cmd
}
