// Package postgres reads and aggregates tool performance in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codex-k8s/tool-orchestrator/internal/analytics"
	"github.com/codex-k8s/tool-orchestrator/internal/perfcache"
)

const schema = `
CREATE TABLE IF NOT EXISTS tool_performance (
    tool_name         TEXT             NOT NULL,
    query_type        TEXT             NOT NULL,
    success_rate      DOUBLE PRECISION NOT NULL DEFAULT 0,
    quality_score     DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    avg_response_time DOUBLE PRECISION NOT NULL DEFAULT 0,
    usage_count       BIGINT           NOT NULL DEFAULT 0,
    updated_at        TIMESTAMPTZ      NOT NULL DEFAULT now(),
    PRIMARY KEY (tool_name, query_type)
)`

const selectPerformance = `
SELECT success_rate, quality_score, avg_response_time, usage_count
FROM tool_performance
WHERE tool_name = $1 AND query_type = $2`

const upsertExecution = `
INSERT INTO tool_performance (tool_name, query_type, success_rate, avg_response_time, usage_count, updated_at)
VALUES ($1, $2, $3, $4, 1, $5)
ON CONFLICT (tool_name, query_type) DO UPDATE SET
    success_rate = (tool_performance.success_rate * tool_performance.usage_count + EXCLUDED.success_rate) / (tool_performance.usage_count + 1),
    avg_response_time = (tool_performance.avg_response_time * tool_performance.usage_count + EXCLUDED.avg_response_time) / (tool_performance.usage_count + 1),
    usage_count = tool_performance.usage_count + 1,
    updated_at = EXCLUDED.updated_at`

// Pool abstracts the subset of pgxpool.Pool used by the store for easier testing.
type Pool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements perfcache.MetricsStore and analytics.Reporter.
type Store struct {
	pool Pool
}

var (
	_ perfcache.MetricsStore = (*Store)(nil)
	_ analytics.Reporter     = (*Store)(nil)
)

// New builds a Store backed by the provided connection pool.
func New(pool Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("postgres store requires pool")
	}
	return &Store{pool: pool}, nil
}

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// PoolUsage reports acquired connections as a percentage of the pool size.
func PoolUsage(pool *pgxpool.Pool) func() (float64, bool) {
	return func() (float64, bool) {
		stat := pool.Stat()
		if stat.MaxConns() <= 0 {
			return 0, false
		}
		return float64(stat.AcquiredConns()) / float64(stat.MaxConns()) * 100, true
	}
}

// Migrate creates the tool_performance table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate tool_performance: %w", err)
	}
	return nil
}

// FetchToolPerformance returns nil, nil when no row exists.
func (s *Store) FetchToolPerformance(ctx context.Context, toolName, queryType string) (*perfcache.ToolPerformance, error) {
	var perf perfcache.ToolPerformance
	err := s.pool.QueryRow(ctx, selectPerformance, toolName, queryType).Scan(
		&perf.SuccessRate,
		&perf.QualityScore,
		&perf.ResponseTime,
		&perf.UsageCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch tool performance %s/%s: %w", toolName, queryType, err)
	}
	return &perf, nil
}

// Report folds usage events into the running aggregates.
func (s *Store) Report(ctx context.Context, events []analytics.UsageEvent) error {
	for _, event := range events {
		outcome := 0.0
		if event.Success {
			outcome = 1
		}
		if _, err := s.pool.Exec(ctx, upsertExecution,
			event.Tool,
			event.QueryType,
			outcome,
			event.ExecutionTime.Seconds(),
			event.Timestamp,
		); err != nil {
			return fmt.Errorf("record execution %s: %w", event.Tool, err)
		}
	}
	return nil
}
