package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rampdeploy/internal/app"
	"rampdeploy/internal/deploy"
)

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var (
		env    string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show which resources a deploy would create",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(env); err != nil {
				return err
			}
			cfg, a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Provisioner == nil {
				return errors.New("provisioner required")
			}
			desired, err := app.DesiredFor(cfg, env, opts.desiredPath)
			if err != nil {
				return err
			}
			certARN := ""
			if rec, err := a.Orchestrator.Status(cmd.Context(), env); err == nil && desired.HasDomain() {
				certARN = rec.Outputs.CertificateARN
			}
			changes, err := a.Provisioner.Plan(cmd.Context(), desired, certARN)
			if err != nil {
				return err
			}
			if asJSON {
				return opts.printJSON(changes)
			}
			tw := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tRESOURCE\tACTION\tID")
			for _, c := range changes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Step, c.Resource, c.Action, c.ID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment name")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the plan as JSON")
	return cmd
}

func newCertCmd(opts *rootOptions) *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Request the environment's certificate and print its DNS validation records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEnv(env); err != nil {
				return err
			}
			cfg, a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Certs == nil {
				return errors.New("certificate manager required")
			}
			desired, err := app.DesiredFor(cfg, env, opts.desiredPath)
			if err != nil {
				return err
			}
			if !desired.HasDomain() {
				return &deploy.ValidationError{Problems: []string{"environment " + env + " has no domain_name"}}
			}
			domains := desired.CertificateDomains()
			cert, err := a.Certs.EnsureCertificate(cmd.Context(), domains[0], domains[1:]...)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "certificate\t%s\t%s\n", cert.ARN, cert.Status)
			for _, v := range cert.Validation {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Domain, v.Type, v.Name, v.Value)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment name")
	return cmd
}
