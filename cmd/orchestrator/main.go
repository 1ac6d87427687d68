package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"rampdeploy/internal/app"
	"rampdeploy/internal/config"
	"rampdeploy/internal/logging"
	"rampdeploy/internal/metrics"
	"rampdeploy/internal/scheduler"
	"rampdeploy/internal/workflows"
)

func main() {
	logging.Init("orchestrator", nil)
	if err := run(os.Args[1:]); err != nil {
		fatalf("orchestrator: %v", err)
	}
}

var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var loadConfig = config.LoadConfig
var buildApp = app.Build
var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	opts := client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace, Logger: tlog.NewStructuredLogger(slog.Default())}
	return client.Dial(opts)
}

var temporalHealthClient client.Client
var setTemporalHealthClient = func(c client.Client) { temporalHealthClient = c }

type closeFunc func() error

func (c closeFunc) Close() error {
	return c()
}

var newWorker = func(cfg config.OrchestratorConfig) (worker.Worker, client.Client, io.Closer, error) {
	c, err := newTemporalClient(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	setTemporalHealthClient(c)
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	return w, c, closeFunc(func() error { c.Close(); return nil }), nil
}
var runWorker = func(w worker.Worker) error { return w.Run(worker.InterruptCh()) }
var startWorker = func(ctx context.Context, a *app.App, cfg config.Config) error {
	if cfg.Orchestrator.TemporalAddr == "" {
		return errors.New("orchestrator.temporal_addr required")
	}
	w, c, closer, err := newWorker(cfg.Orchestrator)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	workflows.RegisterWorker(w, &workflows.Activities{Orchestrator: a.Orchestrator})
	if cfg.Scheduler.Enabled && len(cfg.Scheduler.Jobs) > 0 {
		starter := &workflows.TemporalStarter{Client: c, TaskQueue: cfg.Orchestrator.TaskQueue}
		if err := startScheduler(ctx, cfg, starter); err != nil {
			return err
		}
	}
	slog.Info("orchestrator ready", "temporal_addr", cfg.Orchestrator.TemporalAddr, "task_queue", cfg.Orchestrator.TaskQueue)
	return runWorker(w)
}

// startScheduler converges the configured jobs by starting DeployWorkflows.
func startScheduler(ctx context.Context, cfg config.Config, starter *workflows.TemporalStarter) error {
	s := scheduler.New(scheduler.RunnerFunc(func(ctx context.Context, job scheduler.Job) error {
		d, err := app.DesiredFor(cfg, job.Environment, "")
		if err != nil {
			return err
		}
		id, err := starter.StartDeployment(ctx, d, job.Image, job.Tag)
		if err != nil {
			return err
		}
		slog.Info("scheduled deployment started", "env", job.Environment, "deployment_id", id, "workflow_id", workflows.WorkflowID(job.Environment))
		return nil
	}), scheduler.FromConfig(cfg.Scheduler.Jobs)...)
	s.Log = slog.Default()
	if err := s.Validate(); err != nil {
		return err
	}
	go func() {
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("scheduler stopped", "error", err)
		}
	}()
	return nil
}

func run(args []string) error {
	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (json or yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("config required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		<-ctx.Done()
		time.AfterFunc(30*time.Second, func() { os.Exit(1) })
	}()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Orchestrator.HealthAddr != "" {
		healthSrv := &http.Server{Addr: cfg.Orchestrator.HealthAddr, Handler: metrics.Middleware(healthMux(a, cfg))}
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = healthSrv.Shutdown(sctx)
		}()
	}
	return startWorker(ctx, a, cfg)
}

func healthMux(a *app.App, cfg config.Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		ok := true

		if a.DB != nil {
			pctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := a.DB.Ping(pctx); err != nil {
				ok = false
			}
		}

		if temporalHealthClient != nil {
			tctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if _, err := temporalHealthClient.CheckHealth(tctx, nil); err != nil {
				ok = false
			}
		} else if cfg.Orchestrator.TemporalAddr != "" {
			ok = false
		}

		if ok {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
	})
	return mux
}
