package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/JaimeStill/docmark/internal/tasks"
)

func newSubmitCmd() *cobra.Command {
	var provider, model, pageRange string

	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Queue a document for conversion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if _, ok := s.cfg.LLM.Providers[provider]; !ok {
				return fmt.Errorf("provider %q not configured", provider)
			}

			c := tasks.CreateCommand{
				Data:        data,
				Filename:    filepath.Base(args[0]),
				ContentType: mimetype.Detect(data).String(),
				Provider:    provider,
				Model:       model,
			}
			if pageRange != "" {
				c.PageRange = &pageRange
			}

			t, err := s.tasks.Create(cmd.Context(), c)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), t.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "openai", "configured model provider")
	cmd.Flags().StringVar(&model, "model", "", "model name passed to the provider")
	cmd.Flags().StringVar(&pageRange, "pages", "", `page range such as "1-3,5,8-"`)
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
