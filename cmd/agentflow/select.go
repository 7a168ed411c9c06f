package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/agentflow/internal/orchestrator"
)

func newSelectCmd() *cobra.Command {
	var (
		dryRun bool
		skipAI bool
	)

	cmd := &cobra.Command{
		Use:   "select",
		Short: "Pick the next task and start it",
		Long: `Select the next leaf task from the project board, mark it In Progress and
dispatch the development workflow. --dry-run only shows the pick.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			task, err := a.orchestrator(skipAI, dryRun).Run(context.Background())
			if errors.Is(err, orchestrator.ErrNoCandidates) {
				fmt.Fprintln(w, dimStyle.Render("No selectable tasks."))
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(w)
			fmt.Fprintln(w, title("🎯 Next Task"))
			fmt.Fprintln(w, field("Issue", fmt.Sprintf("#%d %s", task.Item.Number, task.Item.Title)))
			if task.Parent != nil {
				fmt.Fprintln(w, field("Parent", fmt.Sprintf("#%d %s", task.Parent.Number, task.Parent.Title)))
			}
			if task.Item.Priority != "" {
				fmt.Fprintln(w, field("Priority", task.Item.Priority))
			}
			fmt.Fprintln(w, field("Strategy", task.Strategy))
			if task.Reason != "" {
				fmt.Fprintln(w, field("Reason", task.Reason))
			}
			switch {
			case dryRun:
				fmt.Fprintln(w, "\n"+warnStyle.Render("  Dry run: board not updated"))
			case task.Dispatched:
				fmt.Fprintln(w, "\n"+successStyle.Render("  ✓ In Progress, workflow dispatched"))
			default:
				fmt.Fprintln(w, "\n"+successStyle.Render("  ✓ In Progress, local execution"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show the selection without changing the board")
	cmd.Flags().BoolVar(&skipAI, "skip-ai", false, "Select deterministically without the model")
	return cmd
}
