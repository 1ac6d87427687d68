package workflows

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"rampdeploy/internal/audit"
	"rampdeploy/internal/deploy"
)

// Activities exposes the orchestrator steps to a Temporal worker. Each
// activity loads the persisted record, performs one step and saves it, so
// retries continue from the last persisted transition.
type Activities struct {
	Orchestrator *Orchestrator
}

func (a *Activities) orchestrator() (*Orchestrator, error) {
	if a == nil || a.Orchestrator == nil {
		return nil, errors.New("orchestrator required")
	}
	if err := a.Orchestrator.validate(); err != nil {
		return nil, err
	}
	return a.Orchestrator, nil
}

// locked runs fn under the environment lock, the same lock an in-process
// Run takes, so workflow steps never interleave with another run.
func (a *Activities) locked(ctx context.Context, env string, fn func(ctx context.Context, o *Orchestrator) (deploy.Deployment, error)) (deploy.Deployment, error) {
	o, err := a.orchestrator()
	if err != nil {
		return deploy.Deployment{}, err
	}
	ctx, release, err := o.hold(ctx, env)
	if err != nil {
		return deploy.Deployment{}, err
	}
	defer release()
	d, err := fn(ctx, o)
	return d, lockLost(ctx, err)
}

func (a *Activities) StartDeployment(ctx context.Context, input DeployInput) (deploy.Deployment, error) {
	if _, err := a.orchestrator(); err != nil {
		return deploy.Deployment{}, err
	}
	desired := input.Desired.WithDefaults()
	if err := checkRequest(desired, input.ImageRef); err != nil {
		return deploy.Deployment{}, err
	}
	return a.locked(ctx, desired.Environment, func(ctx context.Context, o *Orchestrator) (deploy.Deployment, error) {
		return a.start(ctx, o, desired, input)
	})
}

func (a *Activities) start(ctx context.Context, o *Orchestrator, desired deploy.DesiredConfig, input DeployInput) (deploy.Deployment, error) {
	rec, err := o.load(ctx, desired.Environment)
	if err != nil {
		return deploy.Deployment{}, err
	}
	if prev := rec.Deployment; prev != nil {
		if prev.ID == input.DeploymentID {
			return *prev, nil
		}
		if !prev.State.Terminal() {
			return deploy.Deployment{}, &deploy.AlreadyInProgressError{Environment: desired.Environment, Holder: prev.ID}
		}
	}
	r := o.start(rec, desired, input.ImageRef, input.Tag, input.DeploymentID)
	if err := r.save(ctx); err != nil {
		return *r.d, err
	}
	r.audit(ctx, "deploy.start", audit.DecisionOK, map[string]any{"image": input.ImageRef, "tag": input.Tag, "workflow": true})
	return *r.d, nil
}

func (a *Activities) load(ctx context.Context, o *Orchestrator, input StepInput) (*run, error) {
	rec, err := o.load(ctx, input.Environment)
	if err != nil {
		return nil, err
	}
	if rec.Deployment == nil || rec.Deployment.ID != input.DeploymentID {
		msg := fmt.Sprintf("environment %s is not running deployment %s", input.Environment, input.DeploymentID)
		return nil, temporal.NewNonRetryableApplicationError(msg, errTypeMismatch, nil)
	}
	return o.resume(rec), nil
}

func (a *Activities) step(ctx context.Context, input StepInput, fn func(r *run, ctx context.Context) error) (deploy.Deployment, error) {
	return a.locked(ctx, input.Environment, func(ctx context.Context, o *Orchestrator) (deploy.Deployment, error) {
		r, err := a.load(ctx, o, input)
		if err != nil {
			return deploy.Deployment{}, err
		}
		if err := fn(r, ctx); err != nil {
			return *r.d, err
		}
		return *r.d, nil
	})
}

func (a *Activities) ApplyInfra(ctx context.Context, input StepInput) (deploy.Deployment, error) {
	return a.step(ctx, input, (*run).applyInfra)
}

func (a *Activities) IssueCertificate(ctx context.Context, input StepInput) (deploy.Deployment, error) {
	return a.step(ctx, input, (*run).certificate)
}

func (a *Activities) PushImage(ctx context.Context, input StepInput) (deploy.Deployment, error) {
	return a.step(ctx, input, (*run).pushImage)
}

func (a *Activities) RollService(ctx context.Context, input StepInput) (deploy.Deployment, error) {
	return a.step(ctx, input, func(r *run, ctx context.Context) error {
		if err := r.rollService(ctx); err != nil {
			var svc *deploy.ServiceDeployError
			if errors.As(err, &svc) {
				return svc
			}
			return err
		}
		if err := r.finish(ctx); err != nil {
			return err
		}
		r.finished(ctx, nil)
		return nil
	})
}

// RollbackService returns the service to the task definition captured before
// the failed rollout.
func (a *Activities) RollbackService(ctx context.Context, input FailInput) (deploy.Deployment, error) {
	return a.locked(ctx, input.Environment, func(ctx context.Context, o *Orchestrator) (deploy.Deployment, error) {
		return a.rollback(ctx, o, input)
	})
}

func (a *Activities) rollback(ctx context.Context, o *Orchestrator, input FailInput) (deploy.Deployment, error) {
	r, err := a.load(ctx, o, input.StepInput)
	if err != nil {
		return deploy.Deployment{}, err
	}
	if r.d.State == deploy.StateRolledBack {
		return *r.d, nil
	}
	cause := &deploy.ServiceDeployError{Service: r.rec.Outputs.ServiceRef().String(), Reason: input.Error}
	if r.d.PreviousTaskDefinition == "" {
		err = r.fail(ctx, stepRollService, cause)
		r.finished(ctx, err)
		return *r.d, nil
	}
	err = r.recover(ctx, cause)
	r.finished(ctx, err)
	if r.d.State == deploy.StateRolledBack {
		return *r.d, nil
	}
	var rb *deploy.RollbackFailedError
	if errors.As(err, &rb) {
		return *r.d, rb
	}
	return *r.d, err
}

// FailDeployment marks the deployment FAILED after a step gave up.
func (a *Activities) FailDeployment(ctx context.Context, input FailInput) (deploy.Deployment, error) {
	return a.locked(ctx, input.Environment, func(ctx context.Context, o *Orchestrator) (deploy.Deployment, error) {
		r, err := a.load(ctx, o, input.StepInput)
		if err != nil {
			return deploy.Deployment{}, err
		}
		if r.d.State.Terminal() {
			return *r.d, nil
		}
		err = r.fail(ctx, input.Step, errors.New(input.Error))
		r.finished(ctx, err)
		return *r.d, nil
	})
}
