package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rampdeploy/internal/deploy"
)

func (d *DB) Load(ctx context.Context, env string) (deploy.Record, error) {
	if strings.TrimSpace(env) == "" {
		return deploy.Record{}, errors.New("environment required")
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT environment, COALESCE(desired, 'null'::jsonb), outputs, COALESCE(deployment, 'null'::jsonb), updated_at, infra_applied_at
		FROM environment_state WHERE environment=$1
	`, env)
	var (
		rec                          deploy.Record
		desired, outputs, deployment []byte
		applied                      sql.NullTime
	)
	if err := row.Scan(&rec.Environment, &desired, &outputs, &deployment, &rec.UpdatedAt, &applied); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return deploy.Record{}, deploy.ErrNotFound
		}
		return deploy.Record{}, err
	}
	if applied.Valid {
		rec.InfraAppliedAt = applied.Time
	}
	if err := decodeJSON(desired, &rec.Desired); err != nil {
		return deploy.Record{}, fmt.Errorf("decode desired: %w", err)
	}
	if err := decodeJSON(outputs, &rec.Outputs); err != nil {
		return deploy.Record{}, fmt.Errorf("decode outputs: %w", err)
	}
	if err := decodeJSON(deployment, &rec.Deployment); err != nil {
		return deploy.Record{}, fmt.Errorf("decode deployment: %w", err)
	}
	return rec, nil
}

// Save upserts the environment row and the deployment history row in one
// transaction.
func (d *DB) Save(ctx context.Context, rec deploy.Record) error {
	if strings.TrimSpace(rec.Environment) == "" {
		return errors.New("environment required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	desired, err := json.Marshal(rec.Desired)
	if err != nil {
		return err
	}
	outputs, err := json.Marshal(rec.Outputs)
	if err != nil {
		return err
	}
	var deployment []byte
	if rec.Deployment != nil {
		if deployment, err = json.Marshal(rec.Deployment); err != nil {
			return err
		}
	}
	return d.withTx(ctx, func(conn dbConn) error {
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO environment_state(environment, desired, outputs, deployment, updated_at, infra_applied_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (environment) DO UPDATE
			SET desired=EXCLUDED.desired, outputs=EXCLUDED.outputs, deployment=EXCLUDED.deployment,
				updated_at=EXCLUDED.updated_at, infra_applied_at=EXCLUDED.infra_applied_at
		`, rec.Environment, desired, outputs, nullBytes(deployment), rec.UpdatedAt, nullTime(rec.InfraAppliedAt)); err != nil {
			return fmt.Errorf("upsert environment_state: %w", err)
		}
		if rec.Deployment == nil {
			return nil
		}
		dep := rec.Deployment
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO deployments(deployment_id, environment, state, image_ref, pushed_image, body, started_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (deployment_id) DO UPDATE
			SET state=EXCLUDED.state, pushed_image=EXCLUDED.pushed_image, body=EXCLUDED.body, updated_at=EXCLUDED.updated_at
		`, dep.ID, rec.Environment, string(dep.State), dep.ImageRef, nullString(dep.PushedImage), deployment, dep.StartedAt, dep.UpdatedAt); err != nil {
			return fmt.Errorf("upsert deployments: %w", err)
		}
		return nil
	})
}

func (d *DB) List(ctx context.Context) ([]string, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT COALESCE(jsonb_agg(environment ORDER BY environment), '[]'::jsonb) FROM environment_state`)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	var envs []string
	if err := decodeJSON(out, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (d *DB) Delete(ctx context.Context, env string) error {
	if strings.TrimSpace(env) == "" {
		return errors.New("environment required")
	}
	_, err := d.conn.ExecContext(ctx, `DELETE FROM environment_state WHERE environment=$1`, env)
	return err
}

// ListDeployments returns the newest deployments of env first.
func (d *DB) ListDeployments(ctx context.Context, env string, limit, offset int) ([]deploy.Deployment, error) {
	if strings.TrimSpace(env) == "" {
		return nil, errors.New("environment required")
	}
	limit, offset = clampPagination(limit, offset)
	row := d.conn.QueryRowContext(ctx, `SELECT COALESCE(jsonb_agg(body ORDER BY started_at DESC), '[]'::jsonb)
	FROM (
		SELECT body, started_at
		FROM deployments
		WHERE environment=$1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	) AS recent`, env, limit, offset)
	var out []byte
	if err := row.Scan(&out); err != nil {
		return nil, err
	}
	var deps []deploy.Deployment
	if err := decodeJSON(out, &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}

func nullBytes(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return value
}
