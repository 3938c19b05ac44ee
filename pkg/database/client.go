// Package database is the persistence layer: a PostgreSQL client with
// embedded migrations and one repository file per entity. All state
// transitions of the execution core flow through it.
package database

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	"github.com/jmoiron/sqlx"
)

// Sentinel errors shared by all repositories.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrDuplicate is returned on unique constraint violations.
	ErrDuplicate = errors.New("duplicate row")

	// ErrLeaseMismatch is returned when a state-changing queue call does not
	// prove current ownership with a matching lease token.
	ErrLeaseMismatch = errors.New("lease token mismatch")

	// ErrInvalidTransition is returned when a status update violates the
	// execution state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// pgUniqueViolation is the PostgreSQL error code for unique_violation.
const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Client wraps the sqlx handle and provides typed repository methods for
// executions, steps, events, queue items, dead letters, locks, timeout
// policies and approvals.
type Client struct {
	db       *sqlx.DB
	policies *policyCache
}

// DB returns the underlying database connection for health checks, the event
// publisher, and direct queries.
func (c *Client) DB() *stdsql.DB {
	return c.db.DB
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClientFromDB wraps an existing connection (useful for testing). The
// caller is responsible for having applied migrations.
func NewClientFromDB(ctx context.Context, db *stdsql.DB) (*Client, error) {
	c := &Client{db: sqlx.NewDb(db, "pgx"), policies: newPolicyCache()}
	if err := c.policies.load(ctx, c.db); err != nil {
		return nil, fmt.Errorf("failed to load timeout policies: %w", err)
	}
	return c, nil
}

// NewClient opens a pooled connection, applies pending migrations, and loads
// the read-only timeout policy table into memory.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	client, err := NewClientFromDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return client, nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (c *Client) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
