package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JaimeStill/docmark/internal/tasks"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show a task and its pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id: %w", err)
			}

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			t, err := s.tasks.FindTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			pages, err := s.tasks.Pages(cmd.Context(), id)
			if err != nil {
				return err
			}

			return printStatus(cmd.OutOrStdout(), t, pages)
		},
	}
}

func printStatus(out io.Writer, t *tasks.Task, pages []tasks.Page) error {
	fmt.Fprintf(out, "task      %s\n", t.ID)
	fmt.Fprintf(out, "file      %s\n", t.Filename)
	fmt.Fprintf(out, "status    %s (%d%%)\n", t.Status, t.Progress)
	fmt.Fprintf(out, "pages     %d completed, %d failed, %d total\n", t.CompletedCount, t.FailedCount, t.Pages)
	if t.MergedPath != nil {
		fmt.Fprintf(out, "result    %s\n", *t.MergedPath)
	}
	if t.Error != nil {
		fmt.Fprintf(out, "error     %s\n", *t.Error)
	}
	if len(pages) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PAGE\tSOURCE\tSTATUS\tRETRIES\tTOKENS\tERROR")
	for _, p := range pages {
		msg := ""
		if p.Error != nil {
			msg = *p.Error
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d/%d\t%s\n",
			p.Page, p.PageSource, p.Status, p.RetryCount, p.InputTokens, p.OutputTokens, msg)
	}
	return tw.Flush()
}
