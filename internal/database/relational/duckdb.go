// Package relational provides the DuckDB-backed relational store used by the
// closurizer pipeline.
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb" // Register DuckDB driver

	"closurizer/internal/kgx"
)

// DefaultOpenTimeout bounds opening and configuring a store.
const DefaultOpenTimeout = 30 * time.Second

// DatabaseConfig holds the engine settings of a client.
type DatabaseConfig struct {
	Threads       int           // Number of threads for DuckDB (0 = default)
	MemoryLimitGB int           // Memory limit in GB (0 = default)
	TempDirectory string        // Spill directory for larger-than-memory operators ("" = default)
	Timeout       time.Duration // Open timeout (0 = no timeout)
}

// statements renders the settings that differ from the engine defaults.
func (cfg DatabaseConfig) statements() []string {
	var out []string
	if cfg.Threads > 0 {
		out = append(out, fmt.Sprintf("SET threads=%d", cfg.Threads))
	}
	if cfg.MemoryLimitGB > 0 {
		out = append(out, fmt.Sprintf("SET memory_limit='%dGB'", cfg.MemoryLimitGB))
	}
	if cfg.TempDirectory != "" {
		out = append(out, "SET temp_directory="+kgx.QuoteLiteral(cfg.TempDirectory))
	}
	return out
}

// DuckDBClient owns the single connection a run works through.
type DuckDBClient struct {
	db     *sql.DB
	dsn    string
	config DatabaseConfig
}

// DuckDBOption configures the DuckDB client.
type DuckDBOption func(*DuckDBClient)

// WithThreads sets the number of DuckDB threads.
func WithThreads(n int) DuckDBOption {
	return func(c *DuckDBClient) {
		c.config.Threads = n
	}
}

// WithMemoryLimit sets the DuckDB memory limit in GB.
func WithMemoryLimit(gb int) DuckDBOption {
	return func(c *DuckDBClient) {
		c.config.MemoryLimitGB = gb
	}
}

// WithTempDirectory sets the directory DuckDB spills intermediate relations to.
func WithTempDirectory(dir string) DuckDBOption {
	return func(c *DuckDBClient) {
		c.config.TempDirectory = dir
	}
}

// WithTimeout bounds opening and configuring the store.
func WithTimeout(d time.Duration) DuckDBOption {
	return func(c *DuckDBClient) {
		c.config.Timeout = d
	}
}

// WithResources applies a host resource plan, leaving explicit settings alone.
func WithResources(p ResourcePlan) DuckDBOption {
	return func(c *DuckDBClient) {
		if c.config.Threads == 0 {
			c.config.Threads = p.Threads
		}
		if c.config.MemoryLimitGB == 0 {
			c.config.MemoryLimitGB = p.MemoryLimitGB
		}
	}
}

// NewDuckDBClient opens dsn, which is a file path (optionally with a
// "?access_mode=read_only" suffix) or "" / ":memory:" for an in-memory store.
func NewDuckDBClient(dsn string, opts ...DuckDBOption) (*DuckDBClient, error) {
	client := &DuckDBClient{}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if dsn == "" {
		dsn = ":memory:"
	}
	client.dsn = dsn

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// ATTACH and SET are connection-scoped.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	client.db = db

	ctx := context.Background()
	if client.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, client.config.Timeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	if err := client.apply(ctx, client.config); err != nil {
		_ = db.Close()
		return nil, err
	}
	return client, nil
}

// NewInMemoryDB creates a new in-memory DuckDB database.
func NewInMemoryDB(opts ...DuckDBOption) (*DuckDBClient, error) {
	return NewDuckDBClient(":memory:", opts...)
}

// NewFileDB opens or creates the store file at path.
func NewFileDB(path string, opts ...DuckDBOption) (*DuckDBClient, error) {
	if path == "" {
		return nil, fmt.Errorf("database path required")
	}
	return NewDuckDBClient(path, opts...)
}

func (c *DuckDBClient) apply(ctx context.Context, cfg DatabaseConfig) error {
	for _, stmt := range cfg.statements() {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("configure duckdb (%s): %w", stmt, err)
		}
	}
	c.config = cfg
	return nil
}

// DB returns the underlying sql.DB instance.
func (c *DuckDBClient) DB() *sql.DB {
	return c.db
}

// DSN returns the data source the client was opened with.
func (c *DuckDBClient) DSN() string {
	return c.dsn
}

// Config returns the applied engine settings.
func (c *DuckDBClient) Config() DatabaseConfig {
	return c.config
}

// Close releases the connection. It is safe to call on a failed client.
func (c *DuckDBClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Exec runs a statement that returns no rows.
func (c *DuckDBClient) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// QueryRow runs a query that returns at most one row.
func (c *DuckDBClient) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}
