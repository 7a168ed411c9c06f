package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/agentflow/internal/usage"
)

func newTrackCmd() *cobra.Command {
	var (
		issue     int
		model     string
		input     int64
		output    int64
		operation string
		id        string
	)

	cmd := &cobra.Command{
		Use:   "track",
		Short: "Record LLM usage against an issue",
		Long:  `Append one operation to the issue's usage comment and mirror the total cost to the project board.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if issue <= 0 {
				return fmt.Errorf("--issue is required")
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.tracker.Track(context.Background(), usage.Request{
				Issue:        issue,
				Operation:    operation,
				Model:        model,
				InputTokens:  input,
				OutputTokens: output,
				ID:           id,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s #%d total $%.4f across %d operations\n",
				successStyle.Render("✓"), issue, m.TotalCost, len(m.Operations))
			return nil
		},
	}

	cmd.Flags().IntVar(&issue, "issue", 0, "Issue number")
	cmd.Flags().StringVar(&model, "model", "", "Model that served the call")
	cmd.Flags().Int64Var(&input, "input", 0, "Input tokens")
	cmd.Flags().Int64Var(&output, "output", 0, "Output tokens")
	cmd.Flags().StringVar(&operation, "operation", "manual", "Operation name")
	cmd.Flags().StringVar(&id, "id", "", "Idempotency ID; a repeated ID is not counted twice")
	return cmd
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Mirror usage comment totals into the project Cost field",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			items, err := a.board.Items(ctx)
			if err != nil {
				return fmt.Errorf("fetch project items: %w", err)
			}
			report, err := a.tracker.SyncCosts(ctx, items)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d updated, %d skipped, %d failed\n",
				successStyle.Render("✓"), report.Updated, report.Skipped, report.Failed)
			return nil
		},
	}
}

func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect the local usage ledger",
	}
	cmd.AddCommand(newUsageSummaryCmd())
	return cmd
}

func newUsageSummaryCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show spend per model and operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Ledger.Enabled {
				return fmt.Errorf("usage ledger is disabled (ledger.enabled: false)")
			}
			ledger, err := usage.OpenLedger(cfg.Ledger.Path)
			if err != nil {
				return err
			}
			defer func() { _ = ledger.Close() }()

			since := time.Now().AddDate(0, 0, -days)
			rows, err := ledger.Summary(context.Background(), since)
			if err != nil {
				return err
			}
			renderUsageSummary(cmd.OutOrStdout(), days, rows)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Look back this many days")
	return cmd
}

var usageColumns = []int{24, 14, 8, 12, 12, 10}

func renderUsageSummary(w io.Writer, days int, rows []usage.SummaryRow) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, title(fmt.Sprintf("💰 Usage (last %d days)", days)))
	if len(rows) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  No tracked operations."))
		return
	}

	fmt.Fprintln(w, labelStyle.Render(tableRow(usageColumns, "MODEL", "OPERATION", "CALLS", "INPUT", "OUTPUT", "COST")))
	var total float64
	var calls int64
	for _, r := range rows {
		fmt.Fprintln(w, tableRow(usageColumns,
			r.Model,
			r.Operation,
			fmt.Sprint(r.Count),
			fmt.Sprint(r.InputTokens),
			fmt.Sprint(r.OutputTokens),
			fmt.Sprintf("$%.4f", r.Cost),
		))
		total += r.Cost
		calls += r.Count
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, field("Total", fmt.Sprintf("$%.4f over %d calls", total, calls)))
}
