package workflows

import (
	"context"
	"errors"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"rampdeploy/internal/deploy"
)

const DefaultTaskQueue = "rampdeploy"

// WorkflowID is the id of the DeployWorkflow for env. Temporal refuses a
// second open workflow with the same id, which serialises environments
// across workers.
func WorkflowID(env string) string {
	return "deploy-" + env
}

type TemporalStarter struct {
	Client    client.Client
	TaskQueue string
}

// StartDeployment validates the request and starts a DeployWorkflow,
// returning the deployment id.
func (s *TemporalStarter) StartDeployment(ctx context.Context, desired deploy.DesiredConfig, imageRef, tag string) (string, error) {
	if s == nil || s.Client == nil {
		return "", errors.New("temporal client required")
	}
	desired = desired.WithDefaults()
	if err := checkRequest(desired, imageRef); err != nil {
		return "", err
	}
	queue := s.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}
	input := DeployInput{
		DeploymentID: uuid.NewString(),
		Desired:      desired,
		ImageRef:     imageRef,
		Tag:          tag,
	}
	opts := client.StartWorkflowOptions{
		ID:                                       WorkflowID(desired.Environment),
		TaskQueue:                                queue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
	_, err := s.Client.ExecuteWorkflow(ctx, opts, DeployWorkflow, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return "", &deploy.AlreadyInProgressError{Environment: desired.Environment, Holder: "workflow " + WorkflowID(desired.Environment)}
		}
		return "", err
	}
	return input.DeploymentID, nil
}

// Wait blocks until the open DeployWorkflow of env finishes.
func (s *TemporalStarter) Wait(ctx context.Context, env string) (deploy.Deployment, error) {
	if s == nil || s.Client == nil {
		return deploy.Deployment{}, errors.New("temporal client required")
	}
	var d deploy.Deployment
	err := s.Client.GetWorkflow(ctx, WorkflowID(env), "").Get(ctx, &d)
	return d, err
}
