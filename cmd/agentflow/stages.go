package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/agentflow/internal/agents"
	"github.com/alekspetrov/agentflow/internal/config"
	"github.com/alekspetrov/agentflow/internal/quality"
)

// resolveIssue builds the stage input from the environment, the board and,
// when title or body are missing, the issue itself.
func resolveIssue(ctx context.Context, a *app, number int) (agents.Issue, *config.IssueContext, error) {
	ic, err := config.IssueContextFromEnv()
	if err != nil {
		return agents.Issue{}, nil, err
	}
	if number == 0 {
		number = ic.Number
	}
	if number <= 0 {
		return agents.Issue{}, nil, fmt.Errorf("issue number is required (--issue or ISSUE_NUMBER)")
	}

	issue := agents.Issue{Number: number, Title: ic.Title, Body: ic.Body}
	items, err := a.board.Items(ctx)
	if err != nil {
		return issue, ic, fmt.Errorf("fetch project items: %w", err)
	}
	for _, item := range items {
		if item.Number == number {
			issue.ItemID, issue.Model = item.ID, item.Model
			if issue.Title == "" {
				issue.Title, issue.Body = item.Title, item.Body
			}
			break
		}
	}
	if issue.Title == "" {
		gh, err := a.client.GetIssue(ctx, a.cfg.GitHub.Owner, a.cfg.GitHub.Repo, number)
		if err != nil {
			return issue, ic, fmt.Errorf("get issue #%d: %w", number, err)
		}
		issue.Title, issue.Body = gh.Title, gh.Body
	}
	return issue, ic, nil
}

func newPlanCmd() *cobra.Command {
	var issue int

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan an issue and write the plan to GITHUB_OUTPUT",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			target, _, err := resolveIssue(ctx, a, issue)
			if err != nil {
				return err
			}
			plan, err := a.planner().Plan(ctx, target)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w)
			fmt.Fprintln(w, title(fmt.Sprintf("📝 Plan for #%d", target.Number)))
			fmt.Fprintln(w, field("Files", len(plan.Files)))
			if plan.Decomposed() {
				fmt.Fprintln(w, field("Sub-issues", fmt.Sprint(plan.CreatedSubIssues)))
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, plan.Methodology)
			return nil
		},
	}

	cmd.Flags().IntVar(&issue, "issue", 0, "Issue number (default $ISSUE_NUMBER)")
	return cmd
}

func newDevelopCmd() *cobra.Command {
	var issue int

	cmd := &cobra.Command{
		Use:   "develop",
		Short: "Implement an issue from METHODOLOGY and FILES",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			target, ic, err := resolveIssue(ctx, a, issue)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			dev := a.developer(func(line string) { fmt.Fprintln(w, dimStyle.Render(line)) })
			res, err := dev.Develop(ctx, target, ic.Methodology, ic.Files, "")
			if err != nil {
				return err
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, successStyle.Render(fmt.Sprintf("✓ #%d developed with %s", target.Number, res.Result.ModelUsed)))
			if res.Summary != "" {
				fmt.Fprintln(w, res.Summary)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&issue, "issue", 0, "Issue number (default $ISSUE_NUMBER)")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var issue int

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run the verification gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Quality.Validate(); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			runner := quality.NewRunner(cfg.Quality, cfg.Quality.WorkDir)
			runner.OnProgress(gateProgress(w))

			results, err := runner.RunAll(context.Background(), issue)
			if err != nil {
				return err
			}
			if !results.AllPassed {
				fmt.Fprintln(w)
				fmt.Fprintln(w, quality.FormatErrorFeedback(results))
				return quality.ErrGateFailed
			}
			fmt.Fprintln(w, successStyle.Render("✓ All gates passed"))
			return nil
		},
	}

	cmd.Flags().IntVar(&issue, "issue", 0, "Issue number, for logging")
	return cmd
}
