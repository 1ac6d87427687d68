// Package scheduler re-runs deployments on cron schedules so that drift in
// an environment is converged back to its desired state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rampdeploy/internal/config"
	"rampdeploy/internal/deploy"
	"rampdeploy/internal/logging"
	"rampdeploy/internal/metrics"
)

type Job struct {
	Environment string
	Cron        string
	Image       string
	Tag         string
}

// Runner converges one environment. It is called with the lock not held.
type Runner interface {
	Converge(ctx context.Context, job Job) error
}

type RunnerFunc func(ctx context.Context, job Job) error

func (f RunnerFunc) Converge(ctx context.Context, job Job) error { return f(ctx, job) }

type Scheduler struct {
	Jobs         []Job
	Runner       Runner
	PollInterval time.Duration
	Now          func() time.Time
	Parser       *cron.Parser
	Log          *slog.Logger

	mu      sync.Mutex
	started time.Time
	lastRun map[string]time.Time
}

func New(runner Runner, jobs ...Job) *Scheduler {
	return &Scheduler{Runner: runner, Jobs: jobs}
}

func (s *Scheduler) init() error {
	if s.Runner == nil {
		return errors.New("runner required")
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Parser == nil {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		s.Parser = &parser
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 30 * time.Second
	}
	s.mu.Lock()
	if s.lastRun == nil {
		s.lastRun = map[string]time.Time{}
	}
	if s.started.IsZero() {
		s.started = s.Now().UTC()
	}
	s.mu.Unlock()
	return nil
}

// Validate parses every job's schedule.
func (s *Scheduler) Validate() error {
	if err := s.init(); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, job := range s.Jobs {
		if job.Environment == "" || job.Image == "" {
			return fmt.Errorf("job %q: environment and image required", job.Cron)
		}
		if seen[job.Environment] {
			return fmt.Errorf("environment %s scheduled twice", job.Environment)
		}
		seen[job.Environment] = true
		if _, err := s.Parser.Parse(strings.TrimSpace(job.Cron)); err != nil {
			return fmt.Errorf("job %s: %w", job.Environment, err)
		}
	}
	return nil
}

func (s *Scheduler) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if _, err := s.RunOnce(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// RunOnce converges every job whose next fire time has passed since its last
// run, or since the scheduler started for jobs that never ran. A failed
// converge is logged and counted; it does not stop the other jobs.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if err := s.init(); err != nil {
		return 0, err
	}
	log := logging.Or(s.Log)
	now := s.Now().UTC()
	count := 0
	for _, job := range s.Jobs {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		spec, err := s.Parser.Parse(strings.TrimSpace(job.Cron))
		if err != nil {
			return count, fmt.Errorf("job %s: %w", job.Environment, err)
		}
		s.mu.Lock()
		last, ok := s.lastRun[job.Environment]
		if !ok {
			last = s.started
		}
		s.mu.Unlock()
		if spec.Next(last).After(now) {
			continue
		}
		s.mu.Lock()
		s.lastRun[job.Environment] = now
		s.mu.Unlock()
		count++

		log.Info("scheduled converge", "env", job.Environment, "image", job.Image)
		err = s.Runner.Converge(ctx, job)
		outcome := "ok"
		var busy *deploy.AlreadyInProgressError
		switch {
		case err == nil:
		case errors.As(err, &busy):
			outcome = "skipped"
			log.Info("scheduled converge skipped, deployment in progress", "env", job.Environment)
		default:
			outcome = "failed"
			log.Error("scheduled converge failed", "env", job.Environment, "exit_code", deploy.ExitCode(err), "error", err)
		}
		metrics.ScheduledRunsTotal.WithLabelValues(job.Environment, outcome).Inc()
	}
	return count, nil
}

// LastRun reports when env was last converged by this scheduler.
func (s *Scheduler) LastRun(env string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastRun[env]
	return at, ok
}

// FromConfig converts configured jobs.
func FromConfig(jobs []config.ScheduleJob) []Job {
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, Job{Environment: j.Environment, Cron: j.Cron, Image: j.Image, Tag: j.Tag})
	}
	return out
}
