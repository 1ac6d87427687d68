package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rampdeploy"

var (
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deployments_total",
		Help:      "Deployment runs by final state (STABLE, FAILED, ROLLED_BACK, rejected).",
	}, []string{"outcome"})

	DeploymentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "deployment_duration_seconds",
		Help:      "Wall time of a deployment run by final state.",
		Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
	}, []string{"outcome"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Orchestrator step latency in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"step"})

	StepFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_failures_total",
		Help:      "Orchestrator step failures by step.",
	}, []string{"step"})

	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Status polls against AWS by target (certificate, service) and observed status.",
	}, []string{"target", "status"})

	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollbacks_total",
		Help:      "Automatic service rollbacks by outcome.",
	}, []string{"outcome"})

	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aws_mutations_total",
		Help:      "Mutating AWS calls issued by service and operation.",
	}, []string{"service", "operation"})

	ImagePushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "image_pushes_total",
		Help:      "Registry pushes by outcome.",
	}, []string{"outcome"})

	ScheduledRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduled_runs_total",
		Help:      "Cron-triggered converge runs by environment and outcome.",
	}, []string{"environment", "outcome"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Health server requests by method, path, and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Health server request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// ObserveStep records how long step took and whether it failed.
func ObserveStep(step string, start time.Time, err error) {
	StepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
	if err != nil {
		StepFailuresTotal.WithLabelValues(step).Inc()
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware wraps an http.Handler to record request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := normalizePath(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath folds everything except the health endpoints into "other".
func normalizePath(p string) string {
	switch p {
	case "/healthz", "/readyz", "/metrics":
		return p
	case "", "/":
		return "/"
	default:
		return "other"
	}
}
