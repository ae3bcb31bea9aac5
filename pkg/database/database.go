// Package database provides the Postgres persistence layer: durable session
// rows and a results.json-equivalent run-history table (spec.md §8, I5:
// results are write-once).
//
// Grounded on teacher's pkg/database/client.go — same connection-pool
// config shape, same jackc/pgx/v5 + golang-migrate embedded-migrations
// pattern — but built directly on pgx instead of wrapping an ent.Client:
// ent requires `go generate` code generation, which this build can never
// run (see DESIGN.md "Dropped teacher dependencies"). The migration-driven
// schema evolution style survives unchanged.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kwang1012/sregym/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds connection-pool settings (spec.md ambient persistence; field
// names mirror teacher's pkg/database.Config).
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Client wraps a pgx pool and exposes the run-history operations the
// Conductor needs.
type Client struct {
	pool *pgxpool.Pool
}

// NewClient opens a pooled connection, pings it, and applies any pending
// embedded migrations before returning.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(cfg.DSN); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Client{pool: pool}, nil
}

// NewClientForTesting wraps an already-open pool, bypassing migrations (for
// tests that stand up their own schema via testcontainers or a temp schema).
func NewClientForTesting(pool *pgxpool.Pool) *Client {
	return &Client{pool: pool}
}

func runMigrations(dsn string) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

// HealthStatus mirrors teacher's pkg/database.HealthStatus shape.
type HealthStatus struct {
	Status          string        `json:"status"`
	ResponseTime    time.Duration `json:"response_time_ms"`
	AcquiredConns   int32         `json:"acquired_conns"`
	IdleConns       int32         `json:"idle_conns"`
	MaxConns        int32         `json:"max_conns"`
}

// Health pings the pool and reports its stats.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := c.pool.Ping(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start)}, err
	}
	stats := c.pool.Stat()
	return &HealthStatus{
		Status:        "healthy",
		ResponseTime:  time.Since(start),
		AcquiredConns: stats.AcquiredConns(),
		IdleConns:     stats.IdleConns(),
		MaxConns:      stats.MaxConns(),
	}, nil
}

// SaveRun upserts a run record keyed by SessionID. Per I5 (results are
// write-once), callers must never call this after a session reaches
// StageDone with results already persisted for every graded stage — this
// layer itself does not enforce that, the Conductor does.
func (c *Client) SaveRun(ctx context.Context, run *models.RunRecord) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO runs (session_id, problem_id, stage, results, ttd, ttl, ttm, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			results = EXCLUDED.results,
			ttd = EXCLUDED.ttd,
			ttl = EXCLUDED.ttl,
			ttm = EXCLUDED.ttm,
			completed_at = EXCLUDED.completed_at
	`, run.SessionID, run.ProblemID, string(run.Stage), resultsJSON(run.Results),
		run.TTD, run.TTL, run.TTM, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.SessionID, err)
	}
	return nil
}

// GetRun loads a run record by session id.
func (c *Client) GetRun(ctx context.Context, sessionID string) (*models.RunRecord, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT session_id, problem_id, stage, results, ttd, ttl, ttm, started_at, completed_at
		FROM runs WHERE session_id = $1
	`, sessionID)

	var run models.RunRecord
	var resultsRaw []byte
	var stage string
	if err := row.Scan(&run.SessionID, &run.ProblemID, &stage, &resultsRaw,
		&run.TTD, &run.TTL, &run.TTM, &run.StartedAt, &run.CompletedAt); err != nil {
		return nil, fmt.Errorf("get run %s: %w", sessionID, err)
	}
	run.Stage = models.Stage(stage)

	results, err := parseResultsJSON(resultsRaw)
	if err != nil {
		return nil, fmt.Errorf("decode results for run %s: %w", sessionID, err)
	}
	run.Results = results
	return &run, nil
}
