// Package postgres registers the pgx-backed database driver.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helyar/helyar/internal/shared/infrastructure/database"
)

func init() {
	database.Register(database.DriverPostgres, Open)
}

// Connection wraps a pgx pool.
type Connection struct {
	pool *pgxpool.Pool
}

// Open creates a pool from cfg.URL and verifies it with a ping.
func Open(ctx context.Context, cfg database.Config) (database.Connection, error) {
	if cfg.URL == "" {
		return nil, errors.New("postgres: database URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Connection{pool: pool}, nil
}

// Pool exposes the pool for health checks.
func (c *Connection) Pool() *pgxpool.Pool { return c.pool }

func (c *Connection) Driver() database.Driver       { return database.DriverPostgres }
func (c *Connection) Ping(ctx context.Context) error { return c.pool.Ping(ctx) }

func (c *Connection) Close() error {
	c.pool.Close()
	return nil
}

func (c *Connection) BeginTx(ctx context.Context) (database.Transaction, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Transaction{tx: tx}, nil
}

func (c *Connection) Exec(ctx context.Context, sql string, args ...any) (database.Result, error) {
	return exec(ctx, c.pool, sql, args...)
}

func (c *Connection) QueryRow(ctx context.Context, sql string, args ...any) database.Row {
	return c.pool.QueryRow(ctx, sql, args...)
}

func (c *Connection) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	return query(ctx, c.pool, sql, args...)
}

// Transaction wraps pgx.Tx.
type Transaction struct {
	tx pgx.Tx
}

func (t *Transaction) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *Transaction) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (t *Transaction) Exec(ctx context.Context, sql string, args ...any) (database.Result, error) {
	return exec(ctx, t.tx, sql, args...)
}

func (t *Transaction) QueryRow(ctx context.Context, sql string, args ...any) database.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t *Transaction) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	return query(ctx, t.tx, sql, args...)
}

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func exec(ctx context.Context, q querier, sql string, args ...any) (database.Result, error) {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return commandTag{tag}, nil
}

func query(ctx context.Context, q querier, sql string, args ...any) (database.Rows, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

type commandTag struct{ tag pgconn.CommandTag }

func (c commandTag) RowsAffected() (int64, error) { return c.tag.RowsAffected(), nil }

type pgxRows struct{ pgx.Rows }

func (r pgxRows) Close() error {
	r.Rows.Close()
	return nil
}
