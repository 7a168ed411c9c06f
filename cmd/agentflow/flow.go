package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/agentflow/internal/config"
	"github.com/alekspetrov/agentflow/internal/flow"
	"github.com/alekspetrov/agentflow/internal/quality"
)

func newFlowCmd() *cobra.Command {
	var (
		issue             int
		skipAI            bool
		skipTriage        bool
		skipOrchestration bool
		skipPlanning      bool
		skipDevelop       bool
		skipVerification  bool
		skipSync          bool
	)

	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Run the full agent flow",
		Long: `Run triage, task selection, planning, development, verification and cost
sync in order. --issue (or ISSUE_NUMBER) pins the task and skips selection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ic, err := config.IssueContextFromEnv()
			if err != nil {
				return err
			}
			if issue == 0 {
				issue = ic.Number
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			summary, err := a.pipeline(skipAI, gateProgress(out)).Run(ctx, flow.Options{
				Issue:             issue,
				SkipTriage:        skipTriage,
				SkipOrchestration: skipOrchestration,
				SkipPlanning:      skipPlanning,
				SkipDevelop:       skipDevelop,
				SkipVerification:  skipVerification,
				SkipSync:          skipSync,
				Methodology:       ic.Methodology,
				Files:             ic.Files,
			})
			if summary != nil {
				printSummary(out, summary)
			}
			return err
		},
	}

	cmd.Flags().IntVar(&issue, "issue", 0, "Work on this issue number instead of selecting one")
	cmd.Flags().BoolVar(&skipAI, "skip-ai", false, "Select the next task deterministically")
	cmd.Flags().BoolVar(&skipTriage, "skip-triage", false, "Skip the triage stage")
	cmd.Flags().BoolVar(&skipOrchestration, "skip-orchestration", false, "Skip task selection (requires --issue)")
	cmd.Flags().BoolVar(&skipPlanning, "skip-planning", false, "Skip planning; use METHODOLOGY and FILES")
	cmd.Flags().BoolVar(&skipDevelop, "skip-develop", false, "Skip development")
	cmd.Flags().BoolVar(&skipVerification, "skip-verification", false, "Skip verification gates")
	cmd.Flags().BoolVar(&skipSync, "skip-sync", false, "Skip the project cost sync")

	return cmd
}

func gateProgress(w io.Writer) quality.ProgressCallback {
	return func(gate string, status quality.GateStatus, message string) {
		switch status {
		case quality.StatusPassed:
			fmt.Fprintf(w, "   %s %s\n", successStyle.Render("✓"), gate)
		case quality.StatusFailed:
			fmt.Fprintf(w, "   %s %s %s\n", failStyle.Render("✗"), gate, dimStyle.Render(message))
		case quality.StatusRunning:
			fmt.Fprintf(w, "   %s %s\n", dimStyle.Render("…"), gate)
		}
	}
}

func printSummary(w io.Writer, s *flow.Summary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, title("🤖 Agent Flow"))
	fmt.Fprintln(w, field("Run", s.RunID))
	if s.Issue > 0 {
		fmt.Fprintln(w, field("Issue", fmt.Sprintf("#%d", s.Issue)))
	}
	fmt.Fprintln(w)
	for _, st := range s.Stages {
		icon := successStyle.Render("✓")
		switch st.Outcome {
		case flow.OutcomeSkipped:
			icon = dimStyle.Render("-")
		case flow.OutcomeFailed:
			icon = failStyle.Render("✗")
		}
		detail := st.Detail
		if st.Err != nil {
			detail = st.Err.Error()
		}
		fmt.Fprintf(w, "  %s %-14s %s\n", icon, st.Name, dimStyle.Render(detail))
	}
	switch {
	case s.Dispatched:
		fmt.Fprintln(w, "\n"+field("Status", "dispatched to remote workflow"))
	case s.FinalStatus != "":
		fmt.Fprintln(w, "\n"+field("Status", s.FinalStatus))
	}
}
