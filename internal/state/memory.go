package state

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"rampdeploy/internal/deploy"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]deploy.Record
	saves   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]deploy.Record{}}
}

func (s *MemoryStore) Load(ctx context.Context, env string) (deploy.Record, error) {
	s.mu.Lock()
	rec, ok := s.records[env]
	s.mu.Unlock()
	if !ok {
		return deploy.Record{}, deploy.ErrNotFound
	}
	return clone(rec)
}

func (s *MemoryStore) Save(ctx context.Context, rec deploy.Record) error {
	if rec.Environment == "" {
		return errors.New("environment required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	c, err := clone(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[rec.Environment] = c
	s.saves++
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	envs := make([]string, 0, len(s.records))
	for env := range s.records {
		envs = append(envs, env)
	}
	sort.Strings(envs)
	return envs, nil
}

func (s *MemoryStore) Delete(ctx context.Context, env string) error {
	s.mu.Lock()
	delete(s.records, env)
	s.mu.Unlock()
	return nil
}

// Saves reports how many times Save succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
