package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/agentflow/internal/flow"
	"github.com/alekspetrov/agentflow/internal/scheduler"
)

func newScheduleCmd() *cobra.Command {
	var (
		skipAI bool
		now    bool
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the agent flow on the configured cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			sc := a.cfg.Schedule
			w := cmd.OutOrStdout()
			pipeline := a.pipeline(skipAI, gateProgress(w))
			s := scheduler.New(scheduler.Config{
				Enabled:  true,
				Cron:     sc.Cron,
				Timezone: sc.Timezone,
			}, func(ctx context.Context) error {
				summary, err := pipeline.Run(ctx, flow.Options{})
				if summary != nil {
					printSummary(w, summary)
				}
				return err
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if now {
				_ = s.RunNow(ctx)
			}
			if err := s.Start(ctx); err != nil {
				return fmt.Errorf("invalid schedule %q: %w", sc.Cron, err)
			}
			status := s.Status()
			fmt.Fprintln(w, title("⏰ Scheduler"))
			fmt.Fprintln(w, field("Schedule", status.Schedule))
			fmt.Fprintln(w, field("Timezone", status.Timezone))
			fmt.Fprintln(w, field("Next run", status.NextRun.Format("2006-01-02 15:04 MST")))

			<-ctx.Done()
			s.Stop()
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipAI, "skip-ai", false, "Select tasks deterministically")
	cmd.Flags().BoolVar(&now, "now", false, "Run once immediately before waiting for the schedule")
	return cmd
}
