package state

import (
	"context"
	"encoding/json"

	"rampdeploy/internal/deploy"
)

// Store persists one Record per environment. Load returns deploy.ErrNotFound
// for environments that were never saved.
type Store interface {
	Load(ctx context.Context, env string) (deploy.Record, error)
	Save(ctx context.Context, rec deploy.Record) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, env string) error
}

// clone deep-copies rec so callers never share pointers with the store.
func clone(rec deploy.Record) (deploy.Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return deploy.Record{}, err
	}
	var out deploy.Record
	if err := json.Unmarshal(data, &out); err != nil {
		return deploy.Record{}, err
	}
	return out, nil
}
