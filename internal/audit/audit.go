// Package audit records what the orchestrator did to each environment.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	DecisionOK       = "ok"
	DecisionRejected = "rejected"
	DecisionFailed   = "failed"
)

type Event struct {
	Environment  string         `json:"environment"`
	DeploymentID string         `json:"deployment_id,omitempty"`
	Actor        string         `json:"actor,omitempty"`
	Action       string         `json:"action"`
	Decision     string         `json:"decision,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	OccurredAt   time.Time      `json:"-"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	out := struct {
		alias
		OccurredAt string `json:"occurred_at,omitempty"`
	}{alias: alias(e)}
	if !e.OccurredAt.IsZero() {
		out.OccurredAt = e.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// Writer is implemented by db.DB.
type Writer interface {
	InsertDeploymentEvent(ctx context.Context, payload []byte) (string, error)
}

type Store struct {
	DB    Writer
	Actor string
}

func New() *Store {
	return &Store{}
}

func NewWithDB(db Writer) *Store {
	return &Store{DB: db}
}

// AppendEvent is a no-op without a database.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	if s == nil || s.DB == nil {
		return nil
	}
	if ev.Environment == "" {
		return errors.New("environment required")
	}
	if ev.Actor == "" {
		ev.Actor = s.Actor
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.DB.InsertDeploymentEvent(ctx, payload)
	return err
}
