// Package storage persists the event stream to PostgreSQL: session upserts,
// append-only test/step/http executions, and optional raw event retention.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/testlens-io/sidecar/internal/config"
)

const pingTimeout = 5 * time.Second

// ErrDatabaseURLEmpty is returned when no database URL is configured.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Connection wraps the shared *sql.DB pool.
type Connection struct {
	DB *sql.DB
}

// NewConnection opens a PostgreSQL connection pool with the configured
// limits and verifies it with a ping.
func NewConnection(cfg config.DatabaseConfig) (*Connection, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrDatabaseURLEmpty
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Connection{DB: db}, nil
}

// Close releases the pool.
func (c *Connection) Close() error {
	return c.DB.Close()
}
