package main

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/JaimeStill/docmark/internal/migrations"
)

func newMigrateCmd() *cobra.Command {
	var (
		dsn     string
		down    bool
		steps   int
		version bool
		force   int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect database migrations",
		Long:  "Applies pending migrations by default. --down, --steps, --version and --force select other operations.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dsn = cfg.Database.URL()
			}

			m, err := migrations.New(dsn)
			if err != nil {
				return err
			}
			defer m.Close()

			out := cmd.OutOrStdout()

			switch {
			case version:
				v, dirty, err := m.Version()
				if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
					return fmt.Errorf("read version: %w", err)
				}
				fmt.Fprintf(out, "version: %d, dirty: %v\n", v, dirty)
			case cmd.Flags().Changed("force"):
				if err := m.Force(force); err != nil {
					return fmt.Errorf("force version: %w", err)
				}
				fmt.Fprintf(out, "forced to version %d\n", force)
			case down:
				if err := ignoreNoChange(m.Down()); err != nil {
					return fmt.Errorf("revert migrations: %w", err)
				}
				fmt.Fprintln(out, "migrations reverted")
			case steps != 0:
				if err := ignoreNoChange(m.Steps(steps)); err != nil {
					return fmt.Errorf("step migrations: %w", err)
				}
				fmt.Fprintf(out, "applied %d migration steps\n", steps)
			default:
				if err := ignoreNoChange(m.Up()); err != nil {
					return fmt.Errorf("apply migrations: %w", err)
				}
				fmt.Fprintln(out, "migrations applied")
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&dsn, "dsn", "", "database URL (defaults to the configured database)")
	f.BoolVar(&down, "down", false, "revert all migrations")
	f.IntVar(&steps, "steps", 0, "migrate N steps (negative reverts)")
	f.BoolVar(&version, "version", false, "print the current migration version")
	f.IntVar(&force, "force", -1, "force the recorded version without migrating")
	cmd.MarkFlagsMutuallyExclusive("down", "steps", "version", "force")

	return cmd
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
