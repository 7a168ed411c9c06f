package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/agentflow/internal/triage"
)

func newTriageCmd() *cobra.Command {
	var issue int

	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Triage untriaged Todo issues",
		Long: `Ask the model for priority, labels and model class of every Todo issue
without the ai-triaged label. --issue forces a single issue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.triageAgent().Run(context.Background(), triage.Options{Issue: issue})
			if report != nil {
				printTriageReport(cmd, report)
			}
			return err
		},
	}

	cmd.Flags().IntVar(&issue, "issue", 0, "Triage only this issue, even if already triaged")
	return cmd
}

func printTriageReport(cmd *cobra.Command, r *triage.Report) {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w)
	fmt.Fprintln(w, title("🏷️  Triage"))
	fmt.Fprintln(w, field("Candidates", r.Candidates))
	fmt.Fprintln(w, field("Batches", r.Batches))
	fmt.Fprintln(w, field("Tokens", fmt.Sprintf("%d in / %d out", r.InputTokens, r.OutputTokens)))

	numbers := append([]int(nil), r.Triaged...)
	sort.Ints(numbers)
	if len(numbers) > 0 {
		fmt.Fprintln(w)
	}
	for _, n := range numbers {
		d := r.Decisions[n]
		fmt.Fprintf(w, "  %s #%-5d %-4s %-12s %s\n", successStyle.Render("✓"), n, d.Priority, d.Model, dimStyle.Render(d.Reason))
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s batch %d %v: %s\n", failStyle.Render("✗"), f.Batch, f.Issues, f.Err)
	}
}
