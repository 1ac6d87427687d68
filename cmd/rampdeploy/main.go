// Command rampdeploy drives one environment's Fargate deployment towards its
// desired state.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"rampdeploy/internal/deploy"
	"rampdeploy/internal/logging"
)

var version = "dev"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

var loadDotenv = func() error {
	err := godotenv.Load(".env")
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	logging.Init("rampdeploy", stderr)
	if err := loadDotenv(); err != nil {
		slog.Warn("load .env failed", "error", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	root := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return deploy.ExitOK
	}
	fmt.Fprintf(stderr, "rampdeploy: %v\n", err)
	var usage *usageError
	if errors.As(err, &usage) {
		return deploy.ExitValidation
	}
	return deploy.ExitCode(err)
}

// usageError marks bad invocations.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}
