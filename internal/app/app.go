// Package app assembles an Orchestrator and its backends from Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"

	"rampdeploy/internal/audit"
	"rampdeploy/internal/awsx"
	"rampdeploy/internal/certs"
	"rampdeploy/internal/config"
	"rampdeploy/internal/db"
	"rampdeploy/internal/deploy"
	"rampdeploy/internal/infra"
	"rampdeploy/internal/lock"
	"rampdeploy/internal/logging"
	"rampdeploy/internal/registry"
	"rampdeploy/internal/service"
	"rampdeploy/internal/state"
	"rampdeploy/internal/workflows"
)

var (
	newSession = awsx.NewSession
	newDB      = db.Open
	newEngine  = func(host string) (registry.Engine, error) { return registry.NewEngine(host) }
	newRedis   = lock.NewRedis
)

// App holds the wired components. Close releases every connection it opened.
type App struct {
	Config       config.Config
	Orchestrator *workflows.Orchestrator
	Provisioner  *infra.Provisioner
	Certs        *certs.Manager
	// DB is set for the postgres state backend.
	DB *db.DB

	closers []io.Closer
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Events returns the recorded deployment events for env, newest first.
func (a *App) Events(ctx context.Context, env string, limit int) ([]byte, error) {
	if a.DB == nil {
		return nil, errors.New("deployment events need the postgres state backend")
	}
	return a.DB.ListDeploymentEvents(ctx, env, limit)
}

// OpenStore returns the configured state backend. The *db.DB is non-nil for
// postgres and must be closed by the caller.
func OpenStore(cfg config.StateConfig) (state.Store, *db.DB, error) {
	switch cfg.Backend {
	case "memory":
		return state.NewMemoryStore(), nil, nil
	case "file":
		s, err := state.NewFileStore(cfg.Dir)
		return s, nil, err
	case "postgres":
		database, err := newDB(cfg.PostgresDSN, db.Pool{
			MaxOpen:     cfg.MaxOpenConns,
			MaxIdle:     cfg.MaxIdleConns,
			MaxLifetime: time.Duration(cfg.ConnMaxLifetimeSecs) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return database, database, nil
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// OpenLocker returns the configured environment lock. The closer may be nil.
func OpenLocker(ctx context.Context, cfg config.LockConfig, logger *slog.Logger) (lock.Locker, io.Closer, error) {
	switch cfg.Backend {
	case "local", "":
		return lock.NewLocal(), nil, nil
	case "redis":
		r, err := newRedis(ctx, lock.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      time.Duration(cfg.TTLSecs) * time.Second,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis lock: %w", err)
		}
		return r, r, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// Build wires the AWS clients, registry, backends and orchestrator.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	logger = logging.Or(logger)
	a := &App{Config: cfg}
	sess, err := newSession(awsx.Options{
		Region:   cfg.AWS.Region,
		Profile:  cfg.AWS.Profile,
		Endpoint: cfg.AWS.Endpoint,
		RoleARN:  cfg.AWS.RoleARN,
	})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	if err := a.wire(ctx, sess, logger); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, sess *session.Session, logger *slog.Logger) error {
	cfg := a.Config
	clients := awsx.NewClients(sess)

	store, database, err := OpenStore(cfg.State)
	if err != nil {
		return err
	}
	if database != nil {
		a.DB = database
		a.closers = append(a.closers, database)
	}
	locker, closer, err := OpenLocker(ctx, cfg.Lock, logger)
	if err != nil {
		return err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	engine, err := newEngine(cfg.Docker.Host)
	if err != nil {
		return err
	}
	if c, ok := engine.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	a.Certs = certs.New(clients.ACM, nil, logger)
	a.Provisioner = infra.New(clients, logger)
	deployer := service.New(clients.ECS, logger)
	if d := cfg.Timeouts.ServicePoll(); d > 0 {
		deployer.PollInterval = d
	}
	if cfg.Timeouts.FailureThreshold > 0 {
		deployer.FailureThreshold = cfg.Timeouts.FailureThreshold
	}
	var trail *audit.Store
	if cfg.Audit.Enabled && a.DB != nil {
		trail = &audit.Store{DB: a.DB, Actor: cfg.Audit.Actor}
	}
	a.Orchestrator = &workflows.Orchestrator{
		Store:                   store,
		Locker:                  locker,
		Infra:                   a.Provisioner,
		Certs:                   a.Certs,
		Registry:                registry.New(clients.ECR, engine, logger),
		Service:                 deployer,
		Audit:                   trail,
		Log:                     logger,
		CertificateTimeout:      cfg.Timeouts.Certificate(),
		CertificatePollInterval: cfg.Timeouts.CertificatePoll(),
		StableTimeout:           cfg.Timeouts.Stable(),
	}
	return nil
}

// DesiredFor loads the desired-state document for env: path when given,
// otherwise the file configured under environments.<env>. The document must
// describe env in the configured region.
func DesiredFor(cfg config.Config, env, path string) (deploy.DesiredConfig, error) {
	if path == "" {
		path = cfg.DesiredFile(env)
	}
	if path == "" {
		return deploy.DesiredConfig{}, &deploy.ValidationError{Problems: []string{fmt.Sprintf("no desired file for environment %s; pass --desired or set environments.%s.desired_file", env, env)}}
	}
	d, err := config.LoadDesired(path)
	if err != nil {
		return deploy.DesiredConfig{}, err
	}
	if d.Environment != env {
		return deploy.DesiredConfig{}, &deploy.ValidationError{Problems: []string{fmt.Sprintf("%s describes environment %q, not %q", path, d.Environment, env)}}
	}
	if cfg.AWS.Region != "" && d.Region != cfg.AWS.Region {
		return deploy.DesiredConfig{}, &deploy.ValidationError{Problems: []string{fmt.Sprintf("%s targets region %s but aws.region is %s", path, d.Region, cfg.AWS.Region)}}
	}
	return d, nil
}
