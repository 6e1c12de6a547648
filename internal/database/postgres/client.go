// Package postgres stores the pool audit trail: found blocks with their
// contributions, and reward distributions with the payouts they produced.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	hash         TEXT PRIMARY KEY,
	contributors INTEGER NOT NULL,
	total_work   NUMERIC NOT NULL,
	found_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS contributions (
	block_hash TEXT NOT NULL REFERENCES blocks (hash) ON DELETE CASCADE,
	address    TEXT NOT NULL,
	work       NUMERIC NOT NULL
);
CREATE INDEX IF NOT EXISTS contributions_address_idx ON contributions (address);

CREATE TABLE IF NOT EXISTS distributions (
	id           BIGSERIAL PRIMARY KEY,
	amount       BIGINT NOT NULL,
	contributors INTEGER NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS payouts (
	id              BIGSERIAL PRIMARY KEY,
	distribution_id BIGINT NOT NULL REFERENCES distributions (id),
	address         TEXT NOT NULL,
	amount          BIGINT NOT NULL,
	tx_id           TEXT,
	status          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payouts_address_idx ON payouts (address);
`

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient creates a new PostgreSQL client
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Migrate creates the tables when they do not exist
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}
