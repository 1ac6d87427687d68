package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"rampdeploy/internal/app"
	"rampdeploy/internal/config"
	"rampdeploy/internal/deploy"
	"rampdeploy/internal/workflows"
)

var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	return client.Dial(client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace, Logger: tlog.NewStructuredLogger(slog.Default())})
}

func newDeployCmd(opts *rootOptions) *cobra.Command {
	var (
		env, image, tag string
		timeout         time.Duration
		viaTemporal     bool
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Converge an environment and roll it to an image",
		Long:  `Applies the environment's infrastructure, issues its certificate when a domain is set, pushes the image to ECR and rolls the ECS service, rolling back when the new tasks do not settle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(env); err != nil {
				return err
			}
			if image == "" {
				return usagef("--image required")
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if viaTemporal {
				return deployTemporal(ctx, opts, env, image, tag)
			}
			cfg, a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			desired, err := app.DesiredFor(cfg, env, opts.desiredPath)
			if err != nil {
				return err
			}
			d, err := a.Orchestrator.RunTagged(ctx, desired, image, tag)
			if d.ID != "" {
				if perr := opts.printJSON(d); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment name")
	cmd.Flags().StringVar(&image, "image", "", "local image reference to deploy")
	cmd.Flags().StringVar(&tag, "tag", "", "immutable tag for the pushed image (default derived from the image id)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline for the run")
	cmd.Flags().BoolVar(&viaTemporal, "temporal", false, "run the deployment as a workflow on the orchestrator worker")
	return cmd
}

// deployTemporal starts a DeployWorkflow and waits for its result.
func deployTemporal(ctx context.Context, opts *rootOptions, env, image, tag string) error {
	cfg, err := opts.config()
	if err != nil {
		return err
	}
	if cfg.Orchestrator.TemporalAddr == "" {
		return usagef("--temporal needs orchestrator.temporal_addr")
	}
	desired, err := app.DesiredFor(cfg, env, opts.desiredPath)
	if err != nil {
		return err
	}
	c, err := newTemporalClient(cfg.Orchestrator)
	if err != nil {
		return err
	}
	defer c.Close()
	starter := &workflows.TemporalStarter{Client: c, TaskQueue: cfg.Orchestrator.TaskQueue}
	id, err := starter.StartDeployment(ctx, desired, image, tag)
	if err != nil {
		return err
	}
	slog.Info("deployment workflow started", "env", env, "deployment_id", id, "workflow_id", workflows.WorkflowID(env))
	d, err := starter.Wait(ctx, env)
	if d.ID != "" {
		_ = opts.printJSON(d)
	}
	return err
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Finish or close out a deployment whose process died",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(env); err != nil {
				return err
			}
			_, a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			d, err := a.Orchestrator.Resume(cmd.Context(), env)
			if d.ID != "" {
				_ = opts.printJSON(d)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment name")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		env    string
		events int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted state of an environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(env); err != nil {
				return err
			}
			_, a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			rec, err := a.Orchestrator.Status(cmd.Context(), env)
			if err != nil {
				return err
			}
			if err := opts.printJSON(rec); err != nil {
				return err
			}
			if events <= 0 {
				return nil
			}
			data, err := a.Events(cmd.Context(), env, events)
			if err != nil {
				return err
			}
			_, err = opts.out.Write(append(data, '\n'))
			return err
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment name")
	cmd.Flags().IntVar(&events, "events", 0, "also print the last N deployment events (postgres backend)")
	return cmd
}

func newDestroyCmd(opts *rootOptions) *cobra.Command {
	var (
		env string
		yes bool
	)
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every resource of an environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(env); err != nil {
				return err
			}
			if !yes {
				return usagef("destroy deletes the %s environment; pass --yes to confirm", env)
			}
			cfg, a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			desired, err := destroyTarget(cmd.Context(), cfg, a, env, opts.desiredPath)
			if err != nil {
				return err
			}
			if err := a.Orchestrator.Destroy(cmd.Context(), desired); err != nil {
				return err
			}
			slog.Info("environment destroyed", "env", env)
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment name")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm destruction")
	return cmd
}

// destroyTarget prefers the desired config persisted by the last run so an
// environment can be destroyed after its document was removed.
func destroyTarget(ctx context.Context, cfg config.Config, a *app.App, env, path string) (deploy.DesiredConfig, error) {
	if path == "" {
		if rec, err := a.Orchestrator.Status(ctx, env); err == nil && rec.Desired != nil {
			return *rec.Desired, nil
		}
	}
	return app.DesiredFor(cfg, env, path)
}
