package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	postgresDriver = "postgres"
	ctxTimeout     = 5 * time.Second
)

// Connection represents a pooled PostgreSQL connection shared by every
// Postgres-backed store.
type Connection struct {
	*sql.DB
}

// NewConnection opens a pooled connection and performs an immediate health
// check so misconfiguration is caught at startup rather than on first query.
func NewConnection(config *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, config.databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck pings the database with a bounded timeout.
func (c *Connection) HealthCheck(ctx context.Context) error { //nolint: contextcheck
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), ctxTimeout)

		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the connection pool gracefully. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats returns connection pool statistics for monitoring.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}
