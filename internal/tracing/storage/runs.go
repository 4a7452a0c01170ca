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

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tombee/spanwatch/internal/analysis"
)

const runColumns = `run_id, scope_type, scope_id, status, triggered_at,
	started_at, finished_at, duration_ms, findings_count,
	top_bottleneck_category, reason_code, output_ref,
	error_class, error_message, correlation_id`

// InsertRun persists a new analysis run record.
func (s *SQLiteStore) InsertRun(ctx context.Context, run *analysis.AnalysisRun) error {
	query := `
		INSERT INTO analysis_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.RunID, run.ScopeType, run.ScopeID, run.Status, run.TriggeredAt.UnixMilli(),
		nullTime(run.StartedAt), nullTime(run.FinishedAt), run.DurationMS, run.FindingsCount,
		nullString(run.TopBottleneckCategory), nullString(run.ReasonCode), nullString(run.OutputRef),
		nullString(run.ErrorClass), nullString(run.ErrorMessage), nullString(run.CorrelationID))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// UpdateRun persists the mutable lifecycle fields of a run.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *analysis.AnalysisRun) error {
	query := `
		UPDATE analysis_runs SET
			status = ?,
			started_at = ?,
			finished_at = ?,
			duration_ms = ?,
			findings_count = ?,
			top_bottleneck_category = ?,
			reason_code = ?,
			output_ref = ?,
			error_class = ?,
			error_message = ?
		WHERE run_id = ?
	`
	_, err := s.db.ExecContext(ctx, query,
		run.Status, nullTime(run.StartedAt), nullTime(run.FinishedAt),
		run.DurationMS, run.FindingsCount,
		nullString(run.TopBottleneckCategory), nullString(run.ReasonCode), nullString(run.OutputRef),
		nullString(run.ErrorClass), nullString(run.ErrorMessage),
		run.RunID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// LastSucceededRun returns the most recently finished SUCCEEDED run for
// the scope, or nil when none exists.
func (s *SQLiteStore) LastSucceededRun(ctx context.Context, scopeType, scopeID string) (*analysis.AnalysisRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM analysis_runs
		WHERE scope_type = ? AND scope_id = ? AND status = ? AND finished_at IS NOT NULL
		ORDER BY finished_at DESC
		LIMIT 1
	`
	row := s.db.QueryRowContext(ctx, query, scopeType, scopeID, analysis.RunStatusSucceeded)
	return scanRun(row)
}

// ActiveRunSince returns a QUEUED or RUNNING run for the scope triggered
// at or after since, or nil. A zero since matches any time.
func (s *SQLiteStore) ActiveRunSince(ctx context.Context, scopeType, scopeID string, since time.Time) (*analysis.AnalysisRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM analysis_runs
		WHERE scope_type = ? AND scope_id = ? AND status IN (?, ?) AND triggered_at >= ?
		ORDER BY triggered_at DESC
		LIMIT 1
	`
	var sinceMS int64
	if !since.IsZero() {
		sinceMS = since.UnixMilli()
	}
	row := s.db.QueryRowContext(ctx, query, scopeType, scopeID,
		analysis.RunStatusQueued, analysis.RunStatusRunning, sinceMS)
	return scanRun(row)
}

// ListRuns returns the most recent runs for the scope, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, scopeType, scopeID string, limit int) ([]analysis.AnalysisRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM analysis_runs
		WHERE scope_type = ? AND scope_id = ?
		ORDER BY triggered_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, scopeType, scopeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []analysis.AnalysisRun
	for rows.Next() {
		run, err := scanRunFields(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// scanRun reads a single-run query result, mapping no-rows to nil.
func scanRun(row *sql.Row) (*analysis.AnalysisRun, error) {
	run, err := scanRunFields(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// scanRunFields scans the runColumns set from any Scan function.
func scanRunFields(scan func(dest ...any) error) (*analysis.AnalysisRun, error) {
	var run analysis.AnalysisRun
	var triggeredAt int64
	var startedAt, finishedAt sql.NullInt64
	var topCategory, reasonCode, outputRef, errorClass, errorMessage, correlationID sql.NullString

	err := scan(&run.RunID, &run.ScopeType, &run.ScopeID, &run.Status, &triggeredAt,
		&startedAt, &finishedAt, &run.DurationMS, &run.FindingsCount,
		&topCategory, &reasonCode, &outputRef, &errorClass, &errorMessage, &correlationID)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.TriggeredAt = time.UnixMilli(triggeredAt)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64)
		run.FinishedAt = &t
	}
	run.TopBottleneckCategory = topCategory.String
	run.ReasonCode = reasonCode.String
	run.OutputRef = outputRef.String
	run.ErrorClass = errorClass.String
	run.ErrorMessage = errorMessage.String
	run.CorrelationID = correlationID.String
	return &run, nil
}

// nullTime maps a nil time pointer to NULL and otherwise to Unix millis.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
