// Package database provides the SQLite client and migration utilities.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Client wraps the SQLite connection and exposes slow-query instrumentation
// to the store layers built on top of it.
type Client struct {
	db            *sql.DB
	slowThreshold time.Duration
}

// DB returns the underlying connection pool for direct queries.
func (c *Client) DB() *sql.DB { return c.db }

// Close closes the database connection.
func (c *Client) Close() error { return c.db.Close() }

// NewClient opens the SQLite database, applies pragmas, and optionally runs
// migrations. All goroutines serialize through a single connection, which
// eliminates SQLITE_BUSY from concurrent writers.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := sql.Open("sqlite", buildDSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := RunMigrations(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		slog.Info("Database migrations applied", "path", cfg.Path)
	}

	return &Client{db: db, slowThreshold: cfg.SlowQueryThreshold}, nil
}

// buildDSN assembles the modernc DSN with WAL and foreign-key pragmas.
// The in-memory database skips WAL (meaningless without a file).
func buildDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(ON)"
	}
	return "file:" + url.PathEscape(path) +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)"
}

// ObserveQuery logs a warning when an operation exceeds the configured
// slow-query threshold. Store layers call it via defer.
func (c *Client) ObserveQuery(op string, start time.Time) {
	if c.slowThreshold <= 0 {
		return
	}
	if elapsed := time.Since(start); elapsed > c.slowThreshold {
		slog.Warn("Slow query", "op", op, "elapsed_ms", elapsed.Milliseconds())
	}
}
