// Package infra converges the per-environment AWS resource graph: network,
// load balancer, registry, logs, ECS and autoscaling.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rampdeploy/internal/awsx"
	"rampdeploy/internal/deploy"
	"rampdeploy/internal/logging"
	"rampdeploy/internal/metrics"
)

const (
	vpcCIDR           = "10.0.0.0/16"
	ecrKeepImages     = 10
	scaleInCooldown   = 300
	scaleOutCooldown  = 60
	deregistrationKey = "deregistration_delay.timeout_seconds"
	deregistration    = "30"
	sslPolicy         = "ELBSecurityPolicy-TLS13-1-2-2021-06"
	executionPolicy   = "arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"
)

type Provisioner struct {
	aws *awsx.Clients
	log *slog.Logger

	// DependencyRetries bounds retries of deletes that AWS rejects while
	// dependents drain (DependencyViolation, ResourceInUse).
	DependencyRetries int
	DependencyWait    time.Duration
}

func New(clients *awsx.Clients, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		aws:               clients,
		log:               logging.Or(logger),
		DependencyRetries: 12,
		DependencyWait:    10 * time.Second,
	}
}

// Change is one line of a Plan.
type Change struct {
	Step     string `json:"step"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	ID       string `json:"id,omitempty"`
}

const (
	ActionCreate = "create"
	ActionKeep   = "keep"
)

// run carries ids discovered or created by earlier steps.
type run struct {
	d       deploy.DesiredConfig
	certARN string
	out     deploy.StackOutputs

	igwID        string
	routeTableID string
	roleARN      string
	taskDefARN   string
}

type step struct {
	name     string
	resource func(r *run) string
	find     func(ctx context.Context, r *run) (string, error)
	create   func(ctx context.Context, r *run) (string, error)
	// reconcile converges an existing resource and may return a new id.
	reconcile func(ctx context.Context, r *run, id string) (string, error)
	remove    func(ctx context.Context, r *run, id string) error
	record    func(r *run, id string)
	// applyIf gates the step during Apply only; Destroy always visits it.
	applyIf func(r *run) bool
}

func (p *Provisioner) steps() []step {
	return []step{
		p.vpcStep(),
		p.subnetsStep(),
		p.internetGatewayStep(),
		p.routeTableStep(),
		p.albSecurityGroupStep(),
		p.appSecurityGroupStep(),
		p.repositoryStep(),
		p.loadBalancerStep(),
		p.targetGroupStep(),
		p.httpsListenerStep(),
		p.httpListenerStep(),
		p.logGroupStep(),
		p.clusterStep(),
		p.executionRoleStep(),
		p.taskDefinitionStep(),
		p.serviceStep(),
		p.scalableTargetStep(),
		p.scalingPoliciesStep(),
		p.cdnStep(),
	}
}

func newRun(d deploy.DesiredConfig, certARN string) *run {
	r := &run{d: d, certARN: certARN}
	r.out.ClusterName = d.ResourceName("cluster")
	r.out.ServiceName = d.ResourceName("service")
	r.out.TaskFamily = d.ResourceName("task")
	r.out.LogGroupName = "/ecs/" + d.NamePrefix()
	return r
}

// Apply creates whatever is missing, in dependency order. Existing resources
// are found by name and reused. On failure the resources created so far stay
// in place and the error is a *deploy.ProviderApplyError naming the step.
func (p *Provisioner) Apply(ctx context.Context, d deploy.DesiredConfig, certificateARN string) (deploy.StackOutputs, error) {
	if err := d.Validate(); err != nil {
		return deploy.StackOutputs{}, err
	}
	r := newRun(d, certificateARN)
	for _, s := range p.steps() {
		if s.applyIf != nil && !s.applyIf(r) {
			continue
		}
		if err := p.execute(ctx, r, s); err != nil {
			return r.out, err
		}
	}
	r.out.CertificateARN = certificateARN
	return r.out, nil
}

func (p *Provisioner) execute(ctx context.Context, r *run, s step) error {
	if err := ctx.Err(); err != nil {
		return &deploy.ProviderApplyError{Step: s.name, Resource: s.resource(r), Err: err}
	}
	id, err := s.find(ctx, r)
	if err == nil && id == "" {
		p.log.Info("creating resource", "env", r.d.Environment, "step", s.name, "resource", s.resource(r))
		id, err = s.create(ctx, r)
	}
	if err == nil && s.reconcile != nil {
		id, err = s.reconcile(ctx, r, id)
	}
	if err != nil {
		return &deploy.ProviderApplyError{Step: s.name, Resource: s.resource(r), Err: err}
	}
	s.record(r, id)
	return nil
}

// AttachCertificate adds the HTTPS listener to an applied stack and turns the
// HTTP listener into a redirect.
func (p *Provisioner) AttachCertificate(ctx context.Context, d deploy.DesiredConfig, out deploy.StackOutputs, certificateARN string) (deploy.StackOutputs, error) {
	if out.ALBArn == "" || out.TargetGroupArn == "" {
		return out, errors.New("attach certificate: stack has no load balancer")
	}
	if certificateARN == "" {
		return out, errors.New("attach certificate: certificate arn required")
	}
	r := newRun(d, certificateARN)
	r.out = out
	for _, s := range []step{p.httpsListenerStep(), p.httpListenerStep()} {
		if err := p.execute(ctx, r, s); err != nil {
			return r.out, err
		}
	}
	r.out.CertificateARN = certificateARN
	return r.out, nil
}

// Plan reports, without mutating anything, which resources Apply would
// create.
func (p *Provisioner) Plan(ctx context.Context, d deploy.DesiredConfig, certificateARN string) ([]Change, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	r := newRun(d, certificateARN)
	var changes []Change
	for _, s := range p.steps() {
		if s.applyIf != nil && !s.applyIf(r) {
			continue
		}
		id, err := s.find(ctx, r)
		if err != nil {
			return changes, fmt.Errorf("plan %s: %w", s.name, err)
		}
		c := Change{Step: s.name, Resource: s.resource(r), Action: ActionKeep, ID: id}
		if id == "" {
			c.Action = ActionCreate
		} else {
			s.record(r, id)
		}
		changes = append(changes, c)
	}
	return changes, nil
}

// Destroy deletes every resource of the environment in reverse creation
// order, skipping those that do not exist.
func (p *Provisioner) Destroy(ctx context.Context, d deploy.DesiredConfig) error {
	r := newRun(d, "")
	type found struct {
		s  step
		id string
	}
	var all []found
	for _, s := range p.steps() {
		id, err := s.find(ctx, r)
		if err != nil {
			return &deploy.ProviderApplyError{Step: "destroy " + s.name, Resource: s.resource(r), Err: err}
		}
		if id != "" {
			s.record(r, id)
		}
		all = append(all, found{s: s, id: id})
	}
	for i := len(all) - 1; i >= 0; i-- {
		f := all[i]
		if f.id == "" {
			continue
		}
		p.log.Info("deleting resource", "env", d.Environment, "step", f.s.name, "id", f.id)
		if err := f.s.remove(ctx, r, f.id); err != nil {
			return &deploy.ProviderApplyError{Step: "destroy " + f.s.name, Resource: f.id, Err: err}
		}
	}
	return nil
}

// mutate issues fn on a context detached from ctx's cancellation.
func (p *Provisioner) mutate(ctx context.Context, service, op string, fn func(ctx context.Context) error) error {
	mctx, cancel := awsx.Detach(ctx, awsx.MutationTimeout)
	defer cancel()
	if err := fn(mctx); err != nil {
		return fmt.Errorf("%s %s: %w", service, op, err)
	}
	metrics.MutationsTotal.WithLabelValues(service, op).Inc()
	return nil
}

// mutateRetry retries deletes rejected because dependents are still draining.
func (p *Provisioner) mutateRetry(ctx context.Context, service, op string, fn func(ctx context.Context) error, codes ...string) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = p.mutate(ctx, service, op, fn)
		if err == nil || !awsx.IsCode(err, codes...) || attempt >= p.DependencyRetries {
			return err
		}
		p.log.Debug("dependency not yet released", "op", op, "attempt", attempt+1, "error", err)
		timer := time.NewTimer(p.DependencyWait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		}
	}
}

func named(name string) func(*run) string {
	return func(*run) string { return name }
}

// ignoreCode drops AWS errors that mean the resource is already gone.
func ignoreCode(err error, codes ...string) error {
	if awsx.IsCode(err, codes...) {
		return nil
	}
	return err
}
