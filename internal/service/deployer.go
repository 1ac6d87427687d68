// Package service rolls an ECS service to a new image, waits for it to
// settle and rolls it back when it does not.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"

	"rampdeploy/internal/awsx"
	"rampdeploy/internal/deploy"
	"rampdeploy/internal/logging"
	"rampdeploy/internal/metrics"
)

const (
	DefaultPollInterval     = 15 * time.Second
	DefaultTimeout          = 10 * time.Minute
	DefaultFailureThreshold = 2
)

type Deployer struct {
	ecs ecsiface.ECSAPI
	log *slog.Logger

	PollInterval time.Duration
	// FailureThreshold is how many consecutive polls may report failed
	// tasks before the rollout is declared FAILED.
	FailureThreshold int
	RollbackTimeout  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(client ecsiface.ECSAPI, logger *slog.Logger) *Deployer {
	return &Deployer{
		ecs:              client,
		log:              logging.Or(logger),
		PollInterval:     DefaultPollInterval,
		FailureThreshold: DefaultFailureThreshold,
		RollbackTimeout:  DefaultTimeout,
		now:              time.Now,
		sleep:            sleepCtx,
	}
}

// Rollout describes one issued service update.
type Rollout struct {
	Previous string `json:"previous"`
	Next     string `json:"next"`
}

func (d *Deployer) describe(ctx context.Context, ref deploy.ServiceRef) (*ecs.Service, error) {
	out, err := d.ecs.DescribeServicesWithContext(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(ref.Cluster),
		Services: aws.StringSlice([]string{ref.Service}),
	})
	if err != nil {
		return nil, err
	}
	for _, s := range out.Services {
		if aws.StringValue(s.Status) == "ACTIVE" {
			return s, nil
		}
	}
	return nil, fmt.Errorf("service %s: %w", ref, deploy.ErrNotFound)
}

// Current returns the task definition the service runs right now.
func (d *Deployer) Current(ctx context.Context, ref deploy.ServiceRef) (string, error) {
	s, err := d.describe(ctx, ref)
	if err != nil {
		return "", err
	}
	return aws.StringValue(s.TaskDefinition), nil
}

// Deploy registers a revision of the running task definition pinned to
// image and points the service at it. The previous task definition is read
// before anything is mutated and is returned even when the update fails.
func (d *Deployer) Deploy(ctx context.Context, ref deploy.ServiceRef, image string) (Rollout, error) {
	var ro Rollout
	fail := func(reason string, err error) (Rollout, error) {
		return ro, &deploy.ServiceDeployError{Service: ref.String(), Reason: reason, Err: err}
	}
	if image == "" {
		return fail("image required", nil)
	}
	previous, err := d.Current(ctx, ref)
	if err != nil {
		return fail("read current task definition", err)
	}
	ro.Previous = previous

	td, err := d.ecs.DescribeTaskDefinitionWithContext(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(previous),
		Include:        aws.StringSlice([]string{ecs.TaskDefinitionFieldTags}),
	})
	if err != nil {
		return fail("describe task definition", err)
	}
	in, err := revision(td.TaskDefinition, td.Tags, image)
	if err != nil {
		return fail("build task definition", err)
	}

	mctx, cancel := awsx.Detach(ctx, awsx.MutationTimeout)
	defer cancel()
	reg, err := d.ecs.RegisterTaskDefinitionWithContext(mctx, in)
	if err != nil {
		return fail("register task definition", err)
	}
	metrics.MutationsTotal.WithLabelValues("ecs", "RegisterTaskDefinition").Inc()
	ro.Next = aws.StringValue(reg.TaskDefinition.TaskDefinitionArn)

	if err := d.update(mctx, ref, ro.Next); err != nil {
		return fail("update service", err)
	}
	d.log.Info("service update issued", "service", ref.String(), "previous", ro.Previous, "next", ro.Next, "image", image)
	return ro, nil
}

func (d *Deployer) update(ctx context.Context, ref deploy.ServiceRef, taskDefinition string) error {
	_, err := d.ecs.UpdateServiceWithContext(ctx, &ecs.UpdateServiceInput{
		Cluster:            aws.String(ref.Cluster),
		Service:            aws.String(ref.Service),
		TaskDefinition:     aws.String(taskDefinition),
		ForceNewDeployment: aws.Bool(true),
	})
	if err == nil {
		metrics.MutationsTotal.WithLabelValues("ecs", "UpdateService").Inc()
	}
	return err
}

// revision copies td with the web container's image replaced.
func revision(td *ecs.TaskDefinition, tags []*ecs.Tag, image string) (*ecs.RegisterTaskDefinitionInput, error) {
	if td == nil {
		return nil, errors.New("empty task definition")
	}
	containers := make([]*ecs.ContainerDefinition, 0, len(td.ContainerDefinitions))
	replaced := false
	for _, c := range td.ContainerDefinitions {
		cp := *c
		if aws.StringValue(c.Name) == deploy.ContainerName || len(td.ContainerDefinitions) == 1 {
			cp.Image = aws.String(image)
			replaced = true
		}
		containers = append(containers, &cp)
	}
	if !replaced {
		return nil, fmt.Errorf("no container named %q in %s", deploy.ContainerName, aws.StringValue(td.TaskDefinitionArn))
	}
	in := &ecs.RegisterTaskDefinitionInput{
		Family:                  td.Family,
		Cpu:                     td.Cpu,
		Memory:                  td.Memory,
		NetworkMode:             td.NetworkMode,
		RequiresCompatibilities: td.RequiresCompatibilities,
		ExecutionRoleArn:        td.ExecutionRoleArn,
		TaskRoleArn:             td.TaskRoleArn,
		Volumes:                 td.Volumes,
		RuntimePlatform:         td.RuntimePlatform,
		ContainerDefinitions:    containers,
	}
	if len(tags) > 0 {
		in.Tags = tags
	}
	return in, nil
}

// Status reads the service counters once. Failed tasks are those of the
// PRIMARY deployment, i.e. since the current rollout started.
func (d *Deployer) Status(ctx context.Context, ref deploy.ServiceRef) (deploy.ServiceStatus, error) {
	s, err := d.describe(ctx, ref)
	if err != nil {
		return deploy.ServiceStatus{}, err
	}
	st := deploy.ServiceStatus{
		DesiredCount:   aws.Int64Value(s.DesiredCount),
		RunningCount:   aws.Int64Value(s.RunningCount),
		PendingCount:   aws.Int64Value(s.PendingCount),
		TaskDefinition: aws.StringValue(s.TaskDefinition),
		Deployments:    len(s.Deployments),
	}
	for _, dep := range s.Deployments {
		if aws.StringValue(dep.Status) == "PRIMARY" {
			st.FailedTasksSinceStart = aws.Int64Value(dep.FailedTasks)
			st.RolloutState = aws.StringValue(dep.RolloutState)
		}
	}
	return st, nil
}

// WaitStable polls until the service is stable, failing after
// FailureThreshold consecutive polls with failed tasks, on an ECS rollout
// state of FAILED, or once timeout elapses.
func (d *Deployer) WaitStable(ctx context.Context, ref deploy.ServiceRef, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	poll := d.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	threshold := d.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	deadline := d.now().Add(timeout)
	var last deploy.ServiceStatus
	failing := 0
	for {
		st, err := d.Status(ctx, ref)
		switch {
		case err == nil:
			last = st
			metrics.PollsTotal.WithLabelValues("service", pollLabel(st)).Inc()
			d.log.Debug("service poll", "service", ref.String(), "status", st.String())
			if st.Stable() {
				return nil
			}
			if st.RolloutState == "FAILED" {
				return &deploy.ServiceDeployError{Service: ref.String(), Reason: "rollout failed", Status: st}
			}
			if st.FailedTasksSinceStart > 0 {
				failing++
			} else {
				failing = 0
			}
			if failing >= threshold {
				return &deploy.ServiceDeployError{
					Service: ref.String(),
					Reason:  fmt.Sprintf("%d failed tasks over %d polls", st.FailedTasksSinceStart, failing),
					Status:  st,
				}
			}
		case ctx.Err() != nil:
			return interrupted(ref, last, ctx.Err())
		default:
			metrics.PollsTotal.WithLabelValues("service", "error").Inc()
			d.log.Warn("describe service failed", "service", ref.String(), "error", err)
		}

		remaining := deadline.Sub(d.now())
		if remaining <= 0 {
			return &deploy.ServiceDeployError{
				Service: ref.String(),
				Reason:  fmt.Sprintf("not stable after %s (%s)", timeout, last),
				Status:  last,
			}
		}
		wait := poll
		if remaining < wait {
			wait = remaining
		}
		if err := d.sleep(ctx, wait); err != nil {
			return interrupted(ref, last, err)
		}
	}
}

// interrupted classifies a wait cut short by ctx. A deadline means the
// service did not settle in time and is a failed rollout; an explicit
// cancellation leaves the rollout undecided.
func interrupted(ref deploy.ServiceRef, last deploy.ServiceStatus, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &deploy.ServiceDeployError{
			Service: ref.String(),
			Reason:  fmt.Sprintf("deadline exceeded before stable (%s)", last),
			Status:  last,
			Err:     err,
		}
	}
	return fmt.Errorf("wait for %s: %w", ref, err)
}

func pollLabel(st deploy.ServiceStatus) string {
	switch {
	case st.Stable():
		return "stable"
	case st.FailedTasksSinceStart > 0:
		return "failing"
	default:
		return "rolling"
	}
}

// Rollback points the service back at taskDefinition and waits for it to
// settle. Every failure is a *deploy.RollbackFailedError.
func (d *Deployer) Rollback(ctx context.Context, ref deploy.ServiceRef, taskDefinition string) error {
	fail := func(err error) error {
		metrics.RollbacksTotal.WithLabelValues("failed").Inc()
		return &deploy.RollbackFailedError{Service: ref.String(), TaskDefinition: taskDefinition, Err: err}
	}
	if taskDefinition == "" {
		return fail(errors.New("no previous task definition"))
	}
	d.log.Warn("rolling back service", "service", ref.String(), "task_definition", taskDefinition)
	mctx, cancel := awsx.Detach(ctx, awsx.MutationTimeout)
	err := d.update(mctx, ref, taskDefinition)
	cancel()
	if err != nil {
		return fail(err)
	}
	if err := d.WaitStable(ctx, ref, d.RollbackTimeout); err != nil {
		return fail(err)
	}
	metrics.RollbacksTotal.WithLabelValues("rolled_back").Inc()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}
