package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgFile string
)

// exitFunc ends the process. Under NODE_ENV=test the exit is suppressed so
// callers can assert on the returned error instead.
func exitFunc() func(code int) {
	if os.Getenv("NODE_ENV") == "test" {
		return func(int) {}
	}
	return os.Exit
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentflow",
		Short: "AI agents that triage, plan and build your GitHub issues",
		Long: `agentflow drives an issue through AI triage, task selection, planning,
development and verification, using the Gemini CLI and a GitHub Projects board.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./agentflow.yaml or $AGENTFLOW_CONFIG)")

	rootCmd.AddCommand(
		newFlowCmd(),
		newTriageCmd(),
		newSelectCmd(),
		newPlanCmd(),
		newDevelopCmd(),
		newVerifyCmd(),
		newTrackCmd(),
		newSyncCmd(),
		newUsageCmd(),
		newScheduleCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		exitFunc()(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show agentflow version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentflow v%s\n", version)
		},
	}
}
