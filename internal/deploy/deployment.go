package deploy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StatePending            State = "PENDING"
	StateApplyingInfra      State = "APPLYING_INFRA"
	StateWaitingCertificate State = "WAITING_CERTIFICATE"
	StatePushingImage       State = "PUSHING_IMAGE"
	StateRollingService     State = "ROLLING_SERVICE"
	StateStable             State = "STABLE"
	StateFailed             State = "FAILED"
	StateRolledBack         State = "ROLLED_BACK"
)

func (s State) Terminal() bool {
	return s == StateStable || s == StateFailed || s == StateRolledBack
}

var transitions = map[State][]State{
	StatePending:            {StateApplyingInfra, StateFailed},
	StateApplyingInfra:      {StateWaitingCertificate, StatePushingImage, StateFailed},
	StateWaitingCertificate: {StatePushingImage, StateFailed},
	StatePushingImage:       {StateRollingService, StateFailed},
	StateRollingService:     {StateStable, StateFailed, StateRolledBack},
	// A failed rollout becomes ROLLED_BACK once the previous task
	// definition is stable again.
	StateFailed: {StateRolledBack},
}

// Deployment is owned by exactly one orchestrator run.
type Deployment struct {
	ID                     string    `json:"id"`
	Environment            string    `json:"environment"`
	ImageRef               string    `json:"image_ref"`
	ImageTag               string    `json:"image_tag,omitempty"`
	PushedImage            string    `json:"pushed_image,omitempty"`
	State                  State     `json:"state"`
	Step                   string    `json:"step,omitempty"`
	PreviousTaskDefinition string    `json:"previous_task_definition,omitempty"`
	NewTaskDefinition      string    `json:"new_task_definition,omitempty"`
	Error                  string    `json:"error,omitempty"`
	StartedAt              time.Time `json:"started_at"`
	UpdatedAt              time.Time `json:"updated_at"`
	FinishedAt             time.Time `json:"finished_at,omitempty"`
}

var newID = func() string { return uuid.NewString() }

func NewDeployment(env, imageRef, tag string, now time.Time) *Deployment {
	return &Deployment{
		ID:          newID(),
		Environment: env,
		ImageRef:    imageRef,
		ImageTag:    tag,
		State:       StatePending,
		StartedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves d to state, rejecting edges outside the state machine.
func (d *Deployment) Transition(to State, now time.Time) error {
	if d.State == to {
		return nil
	}
	if !CanTransition(d.State, to) {
		return fmt.Errorf("deployment %s: invalid transition %s -> %s", d.ID, d.State, to)
	}
	if to == StateRolledBack && d.PreviousTaskDefinition == "" {
		return fmt.Errorf("deployment %s: cannot roll back without a previous task definition", d.ID)
	}
	d.State = to
	d.UpdatedAt = now.UTC()
	if to.Terminal() {
		d.FinishedAt = now.UTC()
	}
	return nil
}

// Fail records err and moves d to FAILED.
func (d *Deployment) Fail(err error, now time.Time) {
	if err != nil {
		d.Error = err.Error()
	}
	if d.State == StateFailed {
		d.UpdatedAt = now.UTC()
		return
	}
	d.State = StateFailed
	d.UpdatedAt = now.UTC()
	d.FinishedAt = now.UTC()
}
