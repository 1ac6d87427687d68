package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlConn struct {
	q querier
}

func (c sqlConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, query, args...)
}

func (c sqlConn) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return c.q.QueryRowContext(ctx, query, args...)
}

// DB persists environment records and deployment history in Postgres.
type DB struct {
	conn dbConn
	raw  *sql.DB
}

// Pool sizes the connection pool. Zero fields take the defaults; a run
// holds at most one connection at a time, so the pool stays small.
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

func (p Pool) withDefaults() Pool {
	if p.MaxOpen <= 0 {
		p.MaxOpen = 10
	}
	if p.MaxIdle <= 0 {
		p.MaxIdle = 2
	}
	if p.MaxIdle > p.MaxOpen {
		p.MaxIdle = p.MaxOpen
	}
	if p.MaxLifetime <= 0 {
		p.MaxLifetime = 5 * time.Minute
	}
	return p
}

var openDB = sql.Open

// NewDB opens dsn with the default pool.
func NewDB(dsn string) (*DB, error) {
	return Open(dsn, Pool{})
}

// Open connects lazily; the first query or Ping dials the server.
func Open(dsn string, pool Pool) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}
	conn, err := openDB("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pool = pool.withDefaults()
	conn.SetMaxOpenConns(pool.MaxOpen)
	conn.SetMaxIdleConns(pool.MaxIdle)
	conn.SetConnMaxLifetime(pool.MaxLifetime)
	return &DB{conn: sqlConn{q: conn}, raw: conn}, nil
}

// Ping verifies the connection; used by readiness checks.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.raw == nil {
		return errors.New("db not configured")
	}
	return d.raw.PingContext(ctx)
}

func (d *DB) Close() error {
	if d == nil || d.raw == nil {
		return nil
	}
	return d.raw.Close()
}

func (d *DB) Conn() *sql.DB {
	if d == nil {
		return nil
	}
	return d.raw
}

// withTx runs fn inside a transaction, rolling back when fn fails. Test
// stubs without a raw *sql.DB run fn directly on the current conn.
func (d *DB) withTx(ctx context.Context, fn func(conn dbConn) error) error {
	if d.raw == nil {
		return fn(d.conn)
	}
	tx, err := d.raw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(sqlConn{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// clampPagination normalises limit/offset for history queries.
func clampPagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
