package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"rampdeploy/internal/config"
	"rampdeploy/internal/logging"
	"rampdeploy/migrations"
)

func main() {
	logging.Init("migrate", nil)
	if err := run(context.Background(), os.Args[1:]); err != nil {
		slog.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

var (
	openDB     = func(dsn string) (*sql.DB, error) { return sql.Open("postgres", dsn) }
	loadConfig = config.LoadConfig
)

type action func(ctx context.Context, db *sql.DB, dir string) error

var actions = map[string]action{
	"up":   func(ctx context.Context, db *sql.DB, dir string) error { return goose.UpContext(ctx, db, dir) },
	"down": func(ctx context.Context, db *sql.DB, dir string) error { return goose.DownContext(ctx, db, dir) },
	"redo": func(ctx context.Context, db *sql.DB, dir string) error { return goose.RedoContext(ctx, db, dir) },
	"status": func(ctx context.Context, db *sql.DB, dir string) error {
		return goose.StatusContext(ctx, db, dir)
	},
	"version": func(ctx context.Context, db *sql.DB, dir string) error {
		v, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return err
		}
		slog.Info("schema version", "version", v)
		return nil
	},
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "postgres DSN (defaults to state.postgres_dsn from --config)")
	configPath := fs.String("config", "", "rampdeploy config file")
	dir := fs.String("dir", "./migrations", "migrations dir")
	name := fs.String("action", "", "up/down/status/version/redo")
	useEmbed := fs.Bool("embed", false, "use embedded migrations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return errors.New("action required")
	}
	act, ok := actions[*name]
	if !ok {
		return fmt.Errorf("unknown action %q", *name)
	}
	if strings.TrimSpace(*dsn) == "" && *configPath != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		*dsn = cfg.State.PostgresDSN
	}
	if strings.TrimSpace(*dsn) == "" {
		return errors.New("dsn required")
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if *useEmbed {
		goose.SetBaseFS(migrations.EmbeddedFS)
		*dir = "."
	}

	db, err := openDB(*dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("running migrations", "action", *name, "dir", *dir, "embedded", *useEmbed)
	return act(ctx, db, *dir)
}
