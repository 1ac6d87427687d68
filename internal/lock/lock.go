// Package lock serialises orchestrator runs per environment.
package lock

import (
	"context"
	"sync"

	"rampdeploy/internal/deploy"
)

// Locker hands out at most one Lease per environment at a time. A second
// Acquire for a held environment fails with *deploy.AlreadyInProgressError.
type Locker interface {
	Acquire(ctx context.Context, env, holder string) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
	// Done is closed when the lease is lost before Release. It is nil for
	// leases that cannot be lost.
	Done() <-chan struct{}
}

// Local locks environments within one process.
type Local struct {
	mu   sync.Mutex
	held map[string]string
}

func NewLocal() *Local {
	return &Local{held: map[string]string{}}
}

func (l *Local) Acquire(ctx context.Context, env, holder string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[env]; ok {
		return nil, &deploy.AlreadyInProgressError{Environment: env, Holder: h}
	}
	l.held[env] = holder
	return &localLease{l: l, env: env}, nil
}

type localLease struct {
	l    *Local
	env  string
	once sync.Once
}

func (ll *localLease) Done() <-chan struct{} { return nil }

func (ll *localLease) Release(ctx context.Context) error {
	ll.once.Do(func() {
		ll.l.mu.Lock()
		delete(ll.l.held, ll.env)
		ll.l.mu.Unlock()
	})
	return nil
}
