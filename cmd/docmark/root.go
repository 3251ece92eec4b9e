package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JaimeStill/docmark/internal/config"
)

var envFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "docmark",
		Short:        "Convert documents to Markdown through vision models",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")

	root.AddCommand(
		newRunCmd(),
		newMigrateCmd(),
		newSubmitCmd(),
		newCancelCmd(),
		newStatusCmd(),
	)
	return root
}

// loadConfig reads the dotenv file, if present, then the TOML configuration.
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load(envFile)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	return cfg, nil
}
