package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"rampdeploy/internal/app"
	"rampdeploy/internal/config"
	"rampdeploy/internal/scheduler"
	"rampdeploy/internal/workflows"
)

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the configured converge jobs on their cron schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if len(cfg.Scheduler.Jobs) == 0 {
				return usagef("no scheduler.jobs configured")
			}
			s := scheduler.New(converger(cfg, a.Orchestrator), scheduler.FromConfig(cfg.Scheduler.Jobs)...)
			s.PollInterval = poll
			err = s.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&poll, "poll", 30*time.Second, "how often schedules are checked")
	return cmd
}

func converger(cfg config.Config, o *workflows.Orchestrator) scheduler.Runner {
	return scheduler.RunnerFunc(func(ctx context.Context, job scheduler.Job) error {
		desired, err := app.DesiredFor(cfg, job.Environment, "")
		if err != nil {
			return err
		}
		_, err = o.RunTagged(ctx, desired, job.Image, job.Tag)
		return err
	})
}
