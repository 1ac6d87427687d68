package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"rampdeploy/internal/deploy"
)

// FileStore keeps each environment in <dir>/<env>.json.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(env string) (string, error) {
	if env == "" || strings.ContainsAny(env, `/\`) || strings.HasPrefix(env, ".") {
		return "", fmt.Errorf("invalid environment name %q", env)
	}
	return filepath.Join(s.dir, env+".json"), nil
}

func (s *FileStore) Load(ctx context.Context, env string) (deploy.Record, error) {
	p, err := s.path(env)
	if err != nil {
		return deploy.Record{}, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return deploy.Record{}, deploy.ErrNotFound
	}
	if err != nil {
		return deploy.Record{}, err
	}
	var rec deploy.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return deploy.Record{}, fmt.Errorf("decode %s: %w", p, err)
	}
	return rec, nil
}

// Save writes to a temp file and renames it over the old record, so a crash
// leaves either the old or the new record on disk.
func (s *FileStore) Save(ctx context.Context, rec deploy.Record) error {
	p, err := s.path(rec.Environment)
	if err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.dir, "."+rec.Environment+"-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var envs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		envs = append(envs, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(envs)
	return envs, nil
}

func (s *FileStore) Delete(ctx context.Context, env string) error {
	p, err := s.path(env)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
