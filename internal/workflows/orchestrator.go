// Package workflows sequences one deployment run: infrastructure, certificate,
// image push and service rollout, with every state change persisted.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"rampdeploy/internal/audit"
	"rampdeploy/internal/awsx"
	"rampdeploy/internal/certs"
	"rampdeploy/internal/deploy"
	"rampdeploy/internal/lock"
	"rampdeploy/internal/logging"
	"rampdeploy/internal/metrics"
	"rampdeploy/internal/registry"
	"rampdeploy/internal/service"
	"rampdeploy/internal/state"
)

const (
	stepApplyInfra  = "apply-infra"
	stepCertificate = "certificate"
	stepPushImage   = "push-image"
	stepRollService = "roll-service"
	stepRollback    = "rollback"
	stepFinish      = "finish"

	persistTimeout = 30 * time.Second
)

var errLockLost = errors.New("environment lock lost")

type Infra interface {
	Apply(ctx context.Context, d deploy.DesiredConfig, certificateARN string) (deploy.StackOutputs, error)
	AttachCertificate(ctx context.Context, d deploy.DesiredConfig, out deploy.StackOutputs, certificateARN string) (deploy.StackOutputs, error)
	Destroy(ctx context.Context, d deploy.DesiredConfig) error
}

type Certificates interface {
	EnsureCertificate(ctx context.Context, domain string, sans ...string) (deploy.Certificate, error)
	WaitForIssuance(ctx context.Context, arn string, timeout, pollInterval time.Duration) (deploy.Certificate, error)
	Describe(ctx context.Context, arn string) (deploy.Certificate, error)
}

type Registry interface {
	Push(ctx context.Context, imageRef, tag, repositoryURL string) (registry.PushResult, error)
}

type Service interface {
	Current(ctx context.Context, ref deploy.ServiceRef) (string, error)
	Deploy(ctx context.Context, ref deploy.ServiceRef, image string) (service.Rollout, error)
	WaitStable(ctx context.Context, ref deploy.ServiceRef, timeout time.Duration) error
	Rollback(ctx context.Context, ref deploy.ServiceRef, taskDefinition string) error
}

// Orchestrator drives one environment at a time towards its desired state.
type Orchestrator struct {
	Store    state.Store
	Locker   lock.Locker
	Infra    Infra
	Certs    Certificates
	Registry Registry
	Service  Service
	Audit    *audit.Store
	Log      *slog.Logger

	// Holder names this process in lock diagnostics.
	Holder string

	CertificateTimeout      time.Duration
	CertificatePollInterval time.Duration
	StableTimeout           time.Duration

	Now func() time.Time
}

func (o *Orchestrator) validate() error {
	if o == nil {
		return errors.New("orchestrator required")
	}
	if o.Store == nil {
		return errors.New("store required")
	}
	if o.Locker == nil {
		return errors.New("locker required")
	}
	if o.Infra == nil {
		return errors.New("infra required")
	}
	if o.Registry == nil {
		return errors.New("registry required")
	}
	if o.Service == nil {
		return errors.New("service required")
	}
	return nil
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) holder() string {
	if o.Holder != "" {
		return o.Holder
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func (o *Orchestrator) certTimeout() time.Duration {
	if o.CertificateTimeout > 0 {
		return o.CertificateTimeout
	}
	return certs.DefaultTimeout
}

func (o *Orchestrator) stableTimeout() time.Duration {
	if o.StableTimeout > 0 {
		return o.StableTimeout
	}
	return service.DefaultTimeout
}

// Run deploys imageRef to desired.Environment and returns the final
// deployment. The image tag is derived from the image content.
func (o *Orchestrator) Run(ctx context.Context, desired deploy.DesiredConfig, imageRef string) (deploy.Deployment, error) {
	return o.RunTagged(ctx, desired, imageRef, "")
}

// RunTagged is Run with an explicit immutable tag for the pushed image.
func (o *Orchestrator) RunTagged(ctx context.Context, desired deploy.DesiredConfig, imageRef, tag string) (deploy.Deployment, error) {
	if err := o.validate(); err != nil {
		return deploy.Deployment{}, err
	}
	desired = desired.WithDefaults()
	if err := checkRequest(desired, imageRef); err != nil {
		metrics.DeploymentsTotal.WithLabelValues("rejected").Inc()
		return deploy.Deployment{}, err
	}
	env := desired.Environment
	ctx, release, err := o.hold(ctx, env)
	if err != nil {
		return deploy.Deployment{}, err
	}
	defer release()

	rec, err := o.load(ctx, env)
	if err != nil {
		return deploy.Deployment{}, err
	}
	if prev := rec.Deployment; prev != nil && !prev.State.Terminal() {
		metrics.DeploymentsTotal.WithLabelValues("rejected").Inc()
		return deploy.Deployment{}, &deploy.AlreadyInProgressError{Environment: env, Holder: prev.ID + " (" + string(prev.State) + ", run resume)"}
	}

	r := o.start(rec, desired, imageRef, tag, "")
	if err := r.save(ctx); err != nil {
		return *r.d, err
	}
	r.audit(ctx, "deploy.start", audit.DecisionOK, map[string]any{"image": imageRef, "tag": tag})
	err = lockLost(ctx, r.execute(ctx))
	r.finished(ctx, err)
	return *r.d, err
}

// Resume picks up a deployment whose process died. A run interrupted while
// rolling the service is waited on and rolled back if it does not settle;
// any other interrupted run is marked FAILED so a fresh Run can start.
func (o *Orchestrator) Resume(ctx context.Context, env string) (deploy.Deployment, error) {
	if err := o.validate(); err != nil {
		return deploy.Deployment{}, err
	}
	ctx, release, err := o.hold(ctx, env)
	if err != nil {
		return deploy.Deployment{}, err
	}
	defer release()

	rec, err := o.load(ctx, env)
	if err != nil {
		return deploy.Deployment{}, err
	}
	if rec.Deployment == nil {
		return deploy.Deployment{}, fmt.Errorf("environment %s has no deployment: %w", env, deploy.ErrNotFound)
	}
	r := o.resume(rec)
	if r.d.State.Terminal() {
		r.log.Info("nothing to resume", "state", r.d.State)
		return *r.d, nil
	}
	r.audit(ctx, "deploy.resume", audit.DecisionOK, map[string]any{"state": string(r.d.State), "step": r.d.Step})
	if r.d.State == deploy.StateRollingService && r.d.PreviousTaskDefinition != "" {
		if r.d.Step == stepRollback {
			// The process died while rolling back; finish the rollback.
			err = r.recover(ctx, r.pendingCause())
		} else {
			err = r.settle(ctx)
		}
		err = lockLost(ctx, err)
		r.finished(ctx, err)
		return *r.d, err
	}
	err = r.fail(ctx, "resume", fmt.Errorf("interrupted in %s; run deploy again", r.d.State))
	r.finished(ctx, err)
	return *r.d, err
}

// Status returns the persisted record for env.
func (o *Orchestrator) Status(ctx context.Context, env string) (deploy.Record, error) {
	if o == nil || o.Store == nil {
		return deploy.Record{}, errors.New("store required")
	}
	return o.Store.Load(ctx, env)
}

// Destroy removes every resource of the environment and forgets its record.
func (o *Orchestrator) Destroy(ctx context.Context, desired deploy.DesiredConfig) error {
	if err := o.validate(); err != nil {
		return err
	}
	desired = desired.WithDefaults()
	if err := desired.Validate(); err != nil {
		return err
	}
	env := desired.Environment
	ctx, release, err := o.hold(ctx, env)
	if err != nil {
		return err
	}
	defer release()

	log := logging.ForDeployment(o.Log, env, "")
	log.Warn("destroying environment")
	start := time.Now()
	err = o.Infra.Destroy(ctx, desired)
	metrics.ObserveStep("destroy", start, err)
	ev := audit.Event{Environment: env, Action: "destroy", Decision: audit.DecisionOK}
	if err != nil {
		ev.Decision = audit.DecisionFailed
		ev.Details = map[string]any{"error": err.Error()}
	}
	o.appendEvent(ctx, log, ev)
	if err != nil {
		return err
	}
	if err := o.Store.Delete(ctx, env); err != nil && !errors.Is(err, deploy.ErrNotFound) {
		return fmt.Errorf("delete state for %s: %w", env, err)
	}
	return nil
}

func checkRequest(desired deploy.DesiredConfig, imageRef string) error {
	err := desired.Validate()
	if strings.TrimSpace(imageRef) != "" {
		return err
	}
	var verr *deploy.ValidationError
	if errors.As(err, &verr) {
		verr.Problems = append(verr.Problems, "image reference required")
		return verr
	}
	return &deploy.ValidationError{Problems: []string{"image reference required"}}
}

func (o *Orchestrator) acquire(ctx context.Context, env string) (lock.Lease, error) {
	lease, err := o.Locker.Acquire(ctx, env, o.holder())
	if err != nil {
		var busy *deploy.AlreadyInProgressError
		if errors.As(err, &busy) {
			metrics.DeploymentsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}
	return lease, nil
}

// hold takes the environment lock for the duration of a run. The returned
// context is cancelled with errLockLost if the lease is lost before release
// is called.
func (o *Orchestrator) hold(ctx context.Context, env string) (context.Context, func(), error) {
	lease, err := o.acquire(ctx, env)
	if err != nil {
		return nil, nil, err
	}
	held, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	go func() {
		select {
		case <-lease.Done():
			logging.Or(o.Log).Error("environment lock lost, stopping run", "env", env)
			cancel(errLockLost)
		case <-stop:
		}
	}()
	return held, func() {
		close(stop)
		cancel(nil)
		o.release(held, env, lease)
	}, nil
}

// lockLost marks err when the run stopped because its lease was lost.
func lockLost(ctx context.Context, err error) error {
	if err != nil && errors.Is(context.Cause(ctx), errLockLost) {
		return fmt.Errorf("%w: %w", errLockLost, err)
	}
	return err
}

func (o *Orchestrator) release(ctx context.Context, env string, lease lock.Lease) {
	rctx, cancel := awsx.Detach(ctx, persistTimeout)
	defer cancel()
	if err := lease.Release(rctx); err != nil {
		logging.Or(o.Log).Warn("release lock failed", "env", env, "error", err)
	}
}

func (o *Orchestrator) load(ctx context.Context, env string) (deploy.Record, error) {
	rec, err := o.Store.Load(ctx, env)
	if errors.Is(err, deploy.ErrNotFound) {
		return deploy.Record{Environment: env}, nil
	}
	if err != nil {
		return deploy.Record{}, fmt.Errorf("load state for %s: %w", env, err)
	}
	return rec, nil
}

func (o *Orchestrator) appendEvent(ctx context.Context, log *slog.Logger, ev audit.Event) {
	if o.Audit == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = o.now()
	}
	actx, cancel := awsx.Detach(ctx, persistTimeout)
	defer cancel()
	if err := o.Audit.AppendEvent(actx, ev); err != nil {
		log.Warn("audit event failed", "action", ev.Action, "error", err)
	}
}
