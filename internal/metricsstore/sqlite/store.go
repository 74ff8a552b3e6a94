// Package sqlite keeps tool performance in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/codex-k8s/tool-orchestrator/internal/analytics"
	"github.com/codex-k8s/tool-orchestrator/internal/perfcache"
)

const schema = `
CREATE TABLE IF NOT EXISTS tool_performance (
    tool_name         TEXT    NOT NULL,
    query_type        TEXT    NOT NULL,
    success_rate      REAL    NOT NULL DEFAULT 0,
    quality_score     REAL    NOT NULL DEFAULT 0.5,
    avg_response_time REAL    NOT NULL DEFAULT 0,
    usage_count       INTEGER NOT NULL DEFAULT 0,
    updated_at        TIMESTAMP,
    PRIMARY KEY (tool_name, query_type)
)`

const selectPerformance = `
SELECT success_rate, quality_score, avg_response_time, usage_count
FROM tool_performance
WHERE tool_name = ? AND query_type = ?`

const upsertExecution = `
INSERT INTO tool_performance (tool_name, query_type, success_rate, avg_response_time, usage_count, updated_at)
VALUES (?, ?, ?, ?, 1, ?)
ON CONFLICT (tool_name, query_type) DO UPDATE SET
    success_rate = (success_rate * usage_count + excluded.success_rate) / (usage_count + 1),
    avg_response_time = (avg_response_time * usage_count + excluded.avg_response_time) / (usage_count + 1),
    usage_count = usage_count + 1,
    updated_at = excluded.updated_at`

const upsertPerformance = `
INSERT INTO tool_performance (tool_name, query_type, success_rate, quality_score, avg_response_time, usage_count)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (tool_name, query_type) DO UPDATE SET
    success_rate = excluded.success_rate,
    quality_score = excluded.quality_score,
    avg_response_time = excluded.avg_response_time,
    usage_count = excluded.usage_count`

// Store implements perfcache.MetricsStore and analytics.Reporter.
type Store struct {
	db *sql.DB
}

var (
	_ perfcache.MetricsStore = (*Store)(nil)
	_ analytics.Reporter     = (*Store)(nil)
)

// Open opens path (":memory:" for a private in-memory database) and creates
// the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writes.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tool_performance table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate tool_performance: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// FetchToolPerformance returns nil, nil when no row exists.
func (s *Store) FetchToolPerformance(ctx context.Context, toolName, queryType string) (*perfcache.ToolPerformance, error) {
	var perf perfcache.ToolPerformance
	err := s.db.QueryRowContext(ctx, selectPerformance, toolName, queryType).Scan(
		&perf.SuccessRate,
		&perf.QualityScore,
		&perf.ResponseTime,
		&perf.UsageCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch tool performance %s/%s: %w", toolName, queryType, err)
	}
	return &perf, nil
}

// Put replaces the aggregate of a tool and query type.
func (s *Store) Put(ctx context.Context, toolName, queryType string, perf perfcache.ToolPerformance) error {
	if _, err := s.db.ExecContext(ctx, upsertPerformance,
		toolName, queryType, perf.SuccessRate, perf.QualityScore, perf.ResponseTime, perf.UsageCount,
	); err != nil {
		return fmt.Errorf("put tool performance %s/%s: %w", toolName, queryType, err)
	}
	return nil
}

// Report folds usage events into the running aggregates in one transaction.
func (s *Store) Report(ctx context.Context, events []analytics.UsageEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, event := range events {
		outcome := 0.0
		if event.Success {
			outcome = 1
		}
		if _, err := tx.ExecContext(ctx, upsertExecution,
			event.Tool,
			event.QueryType,
			outcome,
			event.ExecutionTime.Seconds(),
			event.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("record execution %s: %w", event.Tool, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}
