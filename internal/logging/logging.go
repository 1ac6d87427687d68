package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide slog logger for service.
// LOG_FORMAT=text switches from JSON to logfmt; LOG_LEVEL picks the level.
func Init(service string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)

	log.SetFlags(0)
	log.SetOutput(&slogWriter{logger: logger})
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Or returns l, or the default logger when l is nil.
func Or(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// ForDeployment scopes l to one environment run.
func ForDeployment(l *slog.Logger, env, deploymentID string) *slog.Logger {
	l = Or(l).With(slog.String("env", env))
	if deploymentID != "" {
		l = l.With(slog.String("deployment_id", deploymentID))
	}
	return l
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), slog.String("source", "stdlib"))
	return len(p), nil
}
