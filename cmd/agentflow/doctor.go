package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/agentflow/internal/config"
	"github.com/alekspetrov/agentflow/internal/health"
)

func newDoctorCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check dependencies and configuration",
		Long: `Run health checks on the Gemini CLI, git, credentials, the project board
settings and optional features.

Examples:
  agentflow doctor           # Run all checks
  agentflow doctor --verbose # Show how to fix problems`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				cfg = config.DefaultConfig()
			}

			report := health.RunChecks(cfg)
			renderReport(cmd.OutOrStdout(), report, verbose)

			if errs, _ := report.Summary(); errs > 0 {
				return fmt.Errorf("%d checks failed", errs)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show fixes for failed checks")
	return cmd
}

func statusSymbol(s health.Status) string {
	switch s {
	case health.StatusOK:
		return successStyle.Render(s.Symbol())
	case health.StatusWarning:
		return warnStyle.Render(s.Symbol())
	case health.StatusError:
		return failStyle.Render(s.Symbol())
	default:
		return dimStyle.Render(s.Symbol())
	}
}

func renderReport(w io.Writer, report *health.Report, verbose bool) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, title("🩺 agentflow doctor"))

	sections := []struct {
		name   string
		checks []health.Check
	}{
		{"Dependencies", report.Dependencies},
		{"Configuration", report.Config},
	}
	for _, s := range sections {
		fmt.Fprintln(w)
		fmt.Fprintln(w, labelStyle.Render(s.name+":"))
		for _, c := range s.checks {
			fmt.Fprintf(w, "  %s %-16s %s\n", statusSymbol(c.Status), c.Name, c.Message)
			if verbose && c.Fix != "" && c.Status != health.StatusOK {
				fmt.Fprintf(w, "    %s\n", dimStyle.Render("→ "+c.Fix))
			}
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, labelStyle.Render("Features:"))
	for _, f := range report.Features {
		note := ""
		if f.Note != "" {
			note = dimStyle.Render(" (" + f.Note + ")")
		}
		fmt.Fprintf(w, "  %s %s%s\n", statusSymbol(f.Status), f.Name, note)
	}

	errs, warnings := report.Summary()
	fmt.Fprintln(w)
	switch {
	case errs > 0:
		fmt.Fprintln(w, failStyle.Render(fmt.Sprintf("  %d errors, %d warnings", errs, warnings)))
	case warnings > 0:
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("  Ready with %d warnings", warnings)))
	default:
		fmt.Fprintln(w, successStyle.Render("  All checks passed"))
	}
}
