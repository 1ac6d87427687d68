package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"rampdeploy/internal/app"
	"rampdeploy/internal/config"
)

var (
	loadConfig = config.LoadConfig
	buildApp   = app.Build
)

type rootOptions struct {
	configPath  string
	desiredPath string
	out         io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{out: out}
	cmd := &cobra.Command{
		Use:           "rampdeploy",
		Short:         "Deploy a container image to an ECS Fargate environment",
		Long:          `rampdeploy converges an environment's network, load balancer, certificate, registry and ECS service towards a desired-state document, then rolls the service to a new image.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default is ./rampdeploy.yaml)")
	cmd.PersistentFlags().StringVar(&opts.desiredPath, "desired", "", "desired-state document (default from environments.<env>.desired_file)")

	cmd.AddCommand(
		newDeployCmd(opts),
		newStatusCmd(opts),
		newPlanCmd(opts),
		newDestroyCmd(opts),
		newResumeCmd(opts),
		newCertCmd(opts),
		newScheduleCmd(opts),
		newVersionCmd(opts),
	)
	return cmd
}

func (o *rootOptions) config() (config.Config, error) {
	return loadConfig(o.configPath)
}

// open loads the config and wires the components. Callers close the app.
func (o *rootOptions) open(ctx context.Context) (config.Config, *app.App, error) {
	cfg, err := o.config()
	if err != nil {
		return config.Config{}, nil, err
	}
	a, err := buildApp(ctx, cfg, slog.Default())
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, a, nil
}

func (o *rootOptions) printJSON(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireEnv(env string) error {
	if strings.TrimSpace(env) == "" {
		return usagef("--env required")
	}
	return nil
}
