package workflows

import (
	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

func RegisterTemporalWorkflows(replayer worker.WorkflowReplayer) {
	if replayer == nil {
		return
	}
	replayer.RegisterWorkflow(DeployWorkflow)
}

// ReplayHistoryFromJSONFile checks that a recorded DeployWorkflow history
// still replays against the current code.
func ReplayHistoryFromJSONFile(path string) error {
	replayer := worker.NewWorkflowReplayer()
	RegisterTemporalWorkflows(replayer)
	var logger log.Logger = noopLogger{}
	return replayer.ReplayWorkflowHistoryFromJSONFile(logger, path)
}

// Registrar is the part of worker.Worker used to register the deployment
// workflow and its activities.
type Registrar interface {
	RegisterWorkflow(w interface{})
	RegisterActivity(a interface{})
}

func RegisterWorker(w Registrar, acts *Activities) {
	w.RegisterWorkflow(DeployWorkflow)
	w.RegisterActivity(acts)
}
