package workflows

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"rampdeploy/internal/audit"
	"rampdeploy/internal/awsx"
	"rampdeploy/internal/deploy"
	"rampdeploy/internal/logging"
	"rampdeploy/internal/metrics"
)

// run is the state of one deployment between persisted transitions. The
// steps are safe to repeat: each skips work already recorded in rec.
type run struct {
	o       *Orchestrator
	rec     deploy.Record
	d       *deploy.Deployment
	log     *slog.Logger
	started time.Time
}

// start opens a new deployment on rec. An empty id is generated.
func (o *Orchestrator) start(rec deploy.Record, desired deploy.DesiredConfig, imageRef, tag, id string) *run {
	d := deploy.NewDeployment(desired.Environment, imageRef, tag, o.now())
	if id != "" {
		d.ID = id
	}
	rec.Environment = desired.Environment
	rec.Desired = &desired
	rec.Deployment = d
	return &run{o: o, rec: rec, d: d, log: logging.ForDeployment(o.Log, rec.Environment, d.ID), started: o.now()}
}

func (o *Orchestrator) resume(rec deploy.Record) *run {
	return &run{o: o, rec: rec, d: rec.Deployment, log: logging.ForDeployment(o.Log, rec.Environment, rec.Deployment.ID), started: o.now()}
}

func (r *run) desired() deploy.DesiredConfig {
	if r.rec.Desired == nil {
		return deploy.DesiredConfig{Environment: r.rec.Environment}
	}
	return *r.rec.Desired
}

type stage struct {
	name string
	fn   func(ctx context.Context) error
}

func (r *run) stages() []stage {
	return []stage{
		{stepApplyInfra, r.applyInfra},
		{stepCertificate, r.certificate},
		{stepPushImage, r.pushImage},
		{stepRollService, r.rollService},
	}
}

func (r *run) execute(ctx context.Context) error {
	for _, s := range r.stages() {
		begin := time.Now()
		err := s.fn(ctx)
		metrics.ObserveStep(s.name, begin, err)
		if err == nil {
			continue
		}
		if s.name == stepRollService && isServiceFailure(err) && r.d.PreviousTaskDefinition != "" {
			return r.recover(ctx, err)
		}
		if s.name == stepRollService && errors.Is(ctx.Err(), context.Canceled) {
			// The update may already be in flight; leave the run for Resume.
			r.log.Warn("interrupted while rolling service, run resume to finish", "error", err)
			return &deploy.StepError{Step: s.name, DeploymentID: r.d.ID, Err: err}
		}
		return r.fail(ctx, s.name, err)
	}
	return r.finish(ctx)
}

// settle waits on a rollout that was already issued.
func (r *run) settle(ctx context.Context) error {
	begin := time.Now()
	err := r.rollService(ctx)
	metrics.ObserveStep(stepRollService, begin, err)
	if err == nil {
		return r.finish(ctx)
	}
	if isServiceFailure(err) {
		return r.recover(ctx, err)
	}
	return r.fail(ctx, stepRollService, err)
}

// pendingCause rebuilds the rollout failure recorded before a rollback that
// did not finish.
func (r *run) pendingCause() error {
	cause := &deploy.ServiceDeployError{Service: r.rec.Outputs.ServiceRef().String(), Reason: "rollback interrupted"}
	if r.d.Error != "" {
		cause.Err = errors.New(r.d.Error)
	}
	return cause
}

func isServiceFailure(err error) bool {
	var svc *deploy.ServiceDeployError
	return errors.As(err, &svc)
}

func (r *run) save(ctx context.Context) error {
	r.rec.UpdatedAt = r.o.now().UTC()
	sctx, cancel := awsx.Detach(ctx, persistTimeout)
	defer cancel()
	if err := r.o.Store.Save(sctx, r.rec); err != nil {
		return &deploy.StepError{Step: "persist", DeploymentID: r.d.ID, Err: err}
	}
	return nil
}

// advance persists the transition before the step makes any external call.
func (r *run) advance(ctx context.Context, to deploy.State, step string) error {
	if err := r.d.Transition(to, r.o.now()); err != nil {
		return err
	}
	r.d.Step = step
	r.log.Info("deployment step", "state", r.d.State, "step", step)
	return r.save(ctx)
}

func (r *run) fail(ctx context.Context, step string, err error) error {
	var stepErr *deploy.StepError
	if !errors.As(err, &stepErr) {
		stepErr = &deploy.StepError{Step: step, DeploymentID: r.d.ID, Err: err}
	}
	r.d.Fail(err, r.o.now())
	r.d.Step = step
	r.log.Error("deployment failed", "step", step, "error", err)
	if serr := r.save(ctx); serr != nil {
		r.log.Error("persist failed deployment", "error", serr)
	}
	r.audit(ctx, "deploy."+step, audit.DecisionFailed, map[string]any{"error": err.Error()})
	return stepErr
}

func (r *run) finish(ctx context.Context) error {
	if err := r.d.Transition(deploy.StateStable, r.o.now()); err != nil {
		return r.fail(ctx, stepFinish, err)
	}
	r.d.Step = ""
	r.d.Error = ""
	if err := r.save(ctx); err != nil {
		return err
	}
	r.log.Info("deployment stable", "task_definition", r.d.NewTaskDefinition, "image", r.d.PushedImage)
	r.audit(ctx, "deploy.stable", audit.DecisionOK, map[string]any{"task_definition": r.d.NewTaskDefinition})
	return nil
}

func (r *run) finished(ctx context.Context, err error) {
	outcome := string(r.d.State)
	metrics.DeploymentsTotal.WithLabelValues(outcome).Inc()
	metrics.DeploymentDuration.WithLabelValues(outcome).Observe(r.o.now().Sub(r.started).Seconds())
	if err != nil {
		r.log.Warn("deployment ended", "state", r.d.State, "exit_code", deploy.ExitCode(err))
	}
}

func (r *run) audit(ctx context.Context, action, decision string, details map[string]any) {
	r.o.appendEvent(ctx, r.log, audit.Event{
		Environment:  r.rec.Environment,
		DeploymentID: r.d.ID,
		Action:       action,
		Decision:     decision,
		Details:      details,
	})
}

func (r *run) applyInfra(ctx context.Context) error {
	if err := r.advance(ctx, deploy.StateApplyingInfra, stepApplyInfra); err != nil {
		return err
	}
	desired := r.desired()
	certARN := ""
	if desired.HasDomain() {
		certARN = r.rec.Outputs.CertificateARN
	}
	out, err := r.o.Infra.Apply(ctx, desired, certARN)
	if err != nil {
		return err
	}
	r.rec.Outputs = out
	r.rec.InfraAppliedAt = r.o.now().UTC()
	if err := r.save(ctx); err != nil {
		return err
	}
	if out.ECRRepositoryURL == "" || out.ClusterName == "" || out.ServiceName == "" {
		return &deploy.ProviderApplyError{Step: "outputs", Err: errors.New("stack outputs incomplete")}
	}
	r.log.Info("infrastructure applied", "alb", out.ALBDNSName, "cdn", out.CDNDomainName, "repository", out.ECRRepositoryURL)
	return nil
}

// issued reports whether the stack already serves HTTPS with an ISSUED
// certificate for the desired domain.
func (r *run) issued(ctx context.Context, domain string) (bool, error) {
	out := r.rec.Outputs
	if out.CertificateARN == "" || out.HTTPSListenerArn == "" {
		return false, nil
	}
	cert, err := r.o.Certs.Describe(ctx, out.CertificateARN)
	if errors.Is(err, deploy.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cert.Status == deploy.CertificateIssued && cert.Domain == domain, nil
}

func (r *run) certificate(ctx context.Context) error {
	desired := r.desired()
	if !desired.HasDomain() {
		r.log.Info("no domain configured, serving plain http")
		return nil
	}
	if r.o.Certs == nil {
		return errors.New("certificate manager required for domain " + desired.DomainName)
	}
	ok, err := r.issued(ctx, desired.DomainName)
	if err != nil {
		return err
	}
	if ok {
		r.log.Info("certificate already attached", "arn", r.rec.Outputs.CertificateARN)
		return nil
	}
	if err := r.advance(ctx, deploy.StateWaitingCertificate, stepCertificate); err != nil {
		return err
	}
	domains := desired.CertificateDomains()
	cert, err := r.o.Certs.EnsureCertificate(ctx, domains[0], domains[1:]...)
	if err != nil {
		return err
	}
	if cert.Status != deploy.CertificateIssued {
		for _, v := range cert.Validation {
			r.log.Warn("dns validation pending", "domain", v.Domain, "type", v.Type, "name", v.Name, "value", v.Value)
		}
		cert, err = r.o.Certs.WaitForIssuance(ctx, cert.ARN, r.o.certTimeout(), r.o.CertificatePollInterval)
		if err != nil {
			return err
		}
	}
	out, err := r.o.Infra.AttachCertificate(ctx, desired, r.rec.Outputs, cert.ARN)
	if err != nil {
		return err
	}
	r.rec.Outputs = out
	return r.save(ctx)
}

func (r *run) pushImage(ctx context.Context) error {
	if err := r.advance(ctx, deploy.StatePushingImage, stepPushImage); err != nil {
		return err
	}
	if r.d.PushedImage != "" {
		return nil
	}
	res, err := r.o.Registry.Push(ctx, r.d.ImageRef, r.d.ImageTag, r.rec.Outputs.ECRRepositoryURL)
	if err != nil {
		return err
	}
	r.d.PushedImage = res.ImmutableRef
	return r.save(ctx)
}

// rollService points the service at the pushed image and waits for it to
// settle. The previous task definition is persisted before the update.
func (r *run) rollService(ctx context.Context) error {
	if err := r.advance(ctx, deploy.StateRollingService, stepRollService); err != nil {
		return err
	}
	if r.d.PushedImage == "" {
		return errors.New("no pushed image to deploy")
	}
	ref := r.rec.Outputs.ServiceRef()
	if r.d.PreviousTaskDefinition == "" {
		prev, err := r.o.Service.Current(ctx, ref)
		if err != nil {
			return err
		}
		r.d.PreviousTaskDefinition = prev
		if err := r.save(ctx); err != nil {
			return err
		}
	}
	if r.d.NewTaskDefinition == "" {
		rollout, err := r.o.Service.Deploy(ctx, ref, r.d.PushedImage)
		if rollout.Next != "" {
			r.d.NewTaskDefinition = rollout.Next
			if serr := r.save(ctx); serr != nil && err == nil {
				err = serr
			}
		}
		if err != nil {
			return err
		}
		r.log.Info("service updated", "previous", r.d.PreviousTaskDefinition, "next", r.d.NewTaskDefinition)
	}
	return r.o.Service.WaitStable(ctx, ref, r.o.stableTimeout())
}

// recover rolls the service back to the task definition captured before the
// failed rollout. The run ends ROLLED_BACK, or FAILED when the rollback
// itself fails. Until then it stays ROLLING_SERVICE with step rollback so a
// crashed process can finish the rollback through Resume.
func (r *run) recover(ctx context.Context, cause error) error {
	r.d.Step = stepRollback
	r.d.Error = cause.Error()
	r.d.UpdatedAt = r.o.now().UTC()
	if err := r.save(ctx); err != nil {
		r.log.Error("persist rollback start", "error", err)
	}
	r.audit(ctx, "deploy.rollback", audit.DecisionOK, map[string]any{"cause": cause.Error(), "task_definition": r.d.PreviousTaskDefinition})

	ref := r.rec.Outputs.ServiceRef()
	begin := time.Now()
	// The rollback outlives caller cancellation; it is bounded by the
	// deployer's own rollback timeout.
	err := r.o.Service.Rollback(context.WithoutCancel(ctx), ref, r.d.PreviousTaskDefinition)
	metrics.ObserveStep(stepRollback, begin, err)
	if err != nil {
		var rb *deploy.RollbackFailedError
		if !errors.As(err, &rb) {
			rb = &deploy.RollbackFailedError{Service: ref.String(), TaskDefinition: r.d.PreviousTaskDefinition, Err: err}
		}
		rb.Cause = cause
		return r.fail(ctx, stepRollback, rb)
	}
	if err := r.d.Transition(deploy.StateRolledBack, r.o.now()); err != nil {
		return r.fail(ctx, stepRollback, err)
	}
	r.log.Warn("rolled back", "task_definition", r.d.PreviousTaskDefinition, "cause", cause)
	if err := r.save(ctx); err != nil {
		r.log.Error("persist rolled back deployment", "error", err)
	}
	r.audit(ctx, "deploy.rolled_back", audit.DecisionOK, map[string]any{"task_definition": r.d.PreviousTaskDefinition})
	return &deploy.StepError{Step: stepRollService, DeploymentID: r.d.ID, Err: cause}
}
