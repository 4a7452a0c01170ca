// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage provides the SQLite-backed store for trace rows,
// threshold configuration, analysis runs, and the improvement queue.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/spanwatch/internal/analysis"
	"github.com/tombee/spanwatch/pkg/telemetry"
)

// SQLiteStore implements span persistence and the analysis.Store contract
// on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Config contains SQLite storage configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
}

// New creates a new SQLite storage backend.
func New(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// WAL mode allows concurrent readers during analysis runs.
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		// One row per finished span; the detector's trace rows.
		`CREATE TABLE IF NOT EXISTS trace_spans (
			trace_id TEXT NOT NULL,
			span_id TEXT NOT NULL,
			parent_span_id TEXT,
			execution_id TEXT,
			span_type TEXT NOT NULL,
			span_name TEXT NOT NULL,
			phase TEXT,
			gate_name TEXT,
			subagent_name TEXT,
			duration_ms REAL NOT NULL,
			start_time_ms INTEGER NOT NULL,
			queue_wait_ms INTEGER,
			attributes TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (trace_id, span_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_spans_created_at ON trace_spans(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_spans_trace_id ON trace_spans(trace_id)`,

		// Detection parameters; an empty dimension_key row is the default
		// for its dimension_type. The key is stored as '' rather than NULL
		// so the uniqueness constraint applies to default rows too.
		`CREATE TABLE IF NOT EXISTS threshold_config (
			dimension_type TEXT NOT NULL,
			dimension_key TEXT NOT NULL DEFAULT '',
			threshold_ratio REAL NOT NULL,
			min_samples INTEGER NOT NULL,
			baseline_window_days INTEGER NOT NULL,
			lookback_window_days INTEGER NOT NULL,
			max_per_run INTEGER NOT NULL,
			max_per_day INTEGER NOT NULL,
			cooldown_hours INTEGER NOT NULL,
			enable_auto_create INTEGER NOT NULL,
			UNIQUE (dimension_type, dimension_key)
		)`,

		// Analysis run lifecycle records; never deleted.
		`CREATE TABLE IF NOT EXISTS analysis_runs (
			run_id TEXT PRIMARY KEY,
			scope_type TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			status TEXT NOT NULL,
			triggered_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			findings_count INTEGER NOT NULL DEFAULT 0,
			top_bottleneck_category TEXT,
			reason_code TEXT,
			output_ref TEXT,
			error_class TEXT,
			error_message TEXT,
			correlation_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_runs_scope ON analysis_runs(scope_type, scope_id, status)`,

		// Improvement queue written by the remediation gate. The dedup
		// key has its own indexed column for the cooldown query; the
		// open-item check still matches the description text.
		`CREATE TABLE IF NOT EXISTS improvement_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_type TEXT NOT NULL,
			improvement_type TEXT NOT NULL,
			description TEXT NOT NULL,
			payload TEXT,
			dedup_key TEXT NOT NULL,
			status TEXT NOT NULL,
			auto_applicable INTEGER NOT NULL DEFAULT 0,
			risk_tier TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_improvement_queue_dedup ON improvement_queue(dedup_key, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_improvement_queue_source ON improvement_queue(source_type, created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// InsertSpans writes one batch of finished spans. Open spans are skipped;
// the returned count is the number of rows written. The batch is atomic,
// so on error nothing is committed and the count is zero.
func (s *SQLiteStore) InsertSpans(ctx context.Context, executionID string, spans []*telemetry.Span) (int, error) {
	if len(spans) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin span batch: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO trace_spans (trace_id, span_id, parent_span_id, execution_id,
			span_type, span_name, phase, gate_name, subagent_name,
			duration_ms, start_time_ms, queue_wait_ms, attributes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id, span_id) DO NOTHING
	`
	now := time.Now().UnixMilli()
	written := 0
	for _, span := range spans {
		if span == nil || !span.Ended() {
			continue
		}
		var attributesJSON []byte
		if len(span.Attributes) > 0 {
			attributesJSON, err = json.Marshal(span.Attributes)
			if err != nil {
				return 0, fmt.Errorf("failed to marshal attributes: %w", err)
			}
		}
		_, err = tx.ExecContext(ctx, query,
			span.TraceID, span.SpanID, nullString(span.ParentSpanID), nullString(executionID),
			string(span.Type), span.Name,
			nullString(span.Phase), nullString(span.GateName), nullString(span.SubagentName),
			float64(span.DurationMS), span.StartTimeMS, span.QueueWaitMS,
			attributesJSON, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to store span: %w", err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit span batch: %w", err)
	}
	return written, nil
}

// TraceRowsSince returns spans with a positive duration created at or
// after since, newest first, capped at limit rows.
func (s *SQLiteStore) TraceRowsSince(ctx context.Context, since time.Time, limit int) ([]analysis.TraceRow, error) {
	query := `
		SELECT trace_id, span_type, span_name, phase, gate_name, subagent_name,
			duration_ms, start_time_ms, created_at
		FROM trace_spans
		WHERE duration_ms > 0 AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace rows: %w", err)
	}
	defer rows.Close()

	var out []analysis.TraceRow
	for rows.Next() {
		var row analysis.TraceRow
		var phase, gateName, subagentName sql.NullString
		var createdAt int64
		if err := rows.Scan(&row.TraceID, &row.SpanType, &row.SpanName,
			&phase, &gateName, &subagentName,
			&row.DurationMS, &row.StartTimeMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan trace row: %w", err)
		}
		row.Phase = phase.String
		row.GateName = gateName.String
		row.SubagentName = subagentName.String
		row.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteSpansBefore removes span rows created before the given time.
// Returns the number of rows deleted.
func (s *SQLiteStore) DeleteSpansBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM trace_spans WHERE created_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old spans: %w", err)
	}
	count, _ := result.RowsAffected()
	return count, nil
}

// nullString maps "" to NULL.
func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection, for tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}
