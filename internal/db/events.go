package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type eventPayload struct {
	OccurredAt   string          `json:"occurred_at"`
	Environment  string          `json:"environment"`
	DeploymentID string          `json:"deployment_id"`
	Actor        string          `json:"actor"`
	Action       string          `json:"action"`
	Decision     string          `json:"decision"`
	Details      json.RawMessage `json:"details"`
}

// InsertDeploymentEvent stores one audit event. The payload is the JSON form
// of audit.Event.
func (d *DB) InsertDeploymentEvent(ctx context.Context, payload []byte) (string, error) {
	var data eventPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		return "", err
	}
	if data.Environment == "" {
		return "", errors.New("environment required")
	}
	occurredAt := time.Now().UTC()
	if data.OccurredAt != "" {
		parsed, err := time.Parse(time.RFC3339Nano, data.OccurredAt)
		if err != nil {
			return "", err
		}
		occurredAt = parsed
	}
	if data.Actor == "" {
		data.Actor = "rampdeploy"
	}
	if data.Action == "" {
		data.Action = "unknown"
	}
	if data.Decision == "" {
		data.Decision = "ok"
	}
	details := []byte("{}")
	if len(data.Details) > 0 {
		details = data.Details
	}
	id := newID("evt")
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO deployment_events(event_id, occurred_at, environment, deployment_id, actor, action, decision, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, occurredAt, data.Environment, nullString(data.DeploymentID), data.Actor, data.Action, data.Decision, details)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (d *DB) ListDeploymentEvents(ctx context.Context, env string, limit int) ([]byte, error) {
	if env == "" {
		return nil, errors.New("environment required")
	}
	limit, _ = clampPagination(limit, 0)
	query := `SELECT COALESCE(jsonb_agg(
		jsonb_build_object(
			'event_id', event_id,
			'occurred_at', occurred_at,
			'environment', environment,
			'deployment_id', deployment_id,
			'actor', actor,
			'action', action,
			'decision', decision,
			'details', details
		) ORDER BY occurred_at DESC
	), '[]'::jsonb)
	FROM (
		SELECT * FROM deployment_events
		WHERE environment=$1
		ORDER BY occurred_at DESC
		LIMIT $2
	) AS recent`
	row := d.conn.QueryRowContext(ctx, query, env, limit)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	return out, nil
}
