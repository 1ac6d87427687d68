package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"rampdeploy/internal/deploy"
)

// DeployInput starts one DeployWorkflow.
type DeployInput struct {
	DeploymentID string
	Desired      deploy.DesiredConfig
	ImageRef     string
	Tag          string
}

type StepInput struct {
	Environment  string
	DeploymentID string
}

type FailInput struct {
	StepInput
	Step  string
	Error string
}

const (
	errTypeServiceDeploy = "ServiceDeployError"
	errTypeMismatch      = "DeploymentMismatch"
)

// Errors of these types are final. Provider calls retry inside their own
// bounded loops, so a push or apply error is reported, never retried here.
var finalErrorTypes = []string{
	"ValidationError",
	"CertificateTimeoutError",
	"CertificateFatalError",
	"RegistryPushError",
	"ProviderApplyError",
	errTypeServiceDeploy,
	"RollbackFailedError",
	"AlreadyInProgressError",
	errTypeMismatch,
}

func activityOptions(timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: finalErrorTypes,
		},
	}
}

// DeployWorkflow runs the deployment steps as activities. A failed service
// rollout is rolled back; any other failure marks the deployment FAILED.
func DeployWorkflow(ctx workflow.Context, input DeployInput) (deploy.Deployment, error) {
	if input.DeploymentID == "" {
		return deploy.Deployment{}, errors.New("deployment_id required")
	}
	short := workflow.WithActivityOptions(ctx, activityOptions(10*time.Minute))
	// Certificate issuance and service stabilisation poll for up to 30m.
	long := workflow.WithActivityOptions(ctx, activityOptions(45*time.Minute))

	var d deploy.Deployment
	if err := workflow.ExecuteActivity(short, "StartDeployment", input).Get(ctx, &d); err != nil {
		return d, err
	}
	step := StepInput{Environment: d.Environment, DeploymentID: d.ID}
	for _, name := range []string{"ApplyInfra", "IssueCertificate", "PushImage", "RollService"} {
		err := workflow.ExecuteActivity(long, name, step).Get(ctx, &d)
		if err == nil {
			continue
		}
		fail := FailInput{StepInput: step, Step: name, Error: err.Error()}
		if name == "RollService" && errorType(err) == errTypeServiceDeploy {
			var rolled deploy.Deployment
			if rbErr := workflow.ExecuteActivity(long, "RollbackService", fail).Get(ctx, &rolled); rbErr != nil {
				return d, rbErr
			}
			return rolled, err
		}
		if ferr := workflow.ExecuteActivity(short, "FailDeployment", fail).Get(ctx, &d); ferr != nil {
			workflow.GetLogger(ctx).Error("mark deployment failed", "deployment_id", step.DeploymentID, "error", ferr)
		}
		return d, err
	}
	return d, nil
}

func errorType(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type()
	}
	return ""
}
