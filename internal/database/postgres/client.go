// Package postgres provides the PostgreSQL client for powreward.
// It stores computed reward results and each participant's running balance.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DSN returns the lib/pq connection string for cfg
func (cfg *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)
}

// NewClient opens and pings a PostgreSQL connection pool
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
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

const schema = `
CREATE TABLE IF NOT EXISTS reward_results (
	id               BIGSERIAL PRIMARY KEY,
	participant_id   TEXT             NOT NULL,
	period_end       TIMESTAMPTZ      NOT NULL,
	reward_amount    DOUBLE PRECISION NOT NULL,
	slashed          BOOLEAN          NOT NULL,
	phase            BIGINT           NOT NULL,
	window_count     INTEGER          NOT NULL,
	total_hash_rate  DOUBLE PRECISION NOT NULL,
	prior_balance    DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ      NOT NULL DEFAULT now(),
	UNIQUE (participant_id, period_end)
);

CREATE TABLE IF NOT EXISTS reward_balances (
	participant_id TEXT PRIMARY KEY,
	balance        DOUBLE PRECISION NOT NULL,
	updated_at     TIMESTAMPTZ      NOT NULL
);

CREATE INDEX IF NOT EXISTS reward_results_participant_idx
	ON reward_results (participant_id, period_end DESC);
`

// Migrate creates the reward tables if they do not exist
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
