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

package analysis

import (
	"context"
	"time"
)

// Store is the backing relational store as the analysis pipeline sees it.
// The sqlite implementation lives in internal/tracing/storage; tests use
// in-memory fakes.
//
// The store is the only shared mutable resource: duplicate-run
// suppression, rate limiting, and dedup are all read-then-conditionally-
// write against it, so those guarantees are best effort across concurrent
// processes rather than linearizable.
type Store interface {
	// ThresholdRows loads all configured detection thresholds.
	ThresholdRows(ctx context.Context) ([]Threshold, error)

	// TraceRowsSince returns rows with a positive duration created at or
	// after since, newest first, capped at limit rows.
	TraceRowsSince(ctx context.Context, since time.Time, limit int) ([]TraceRow, error)

	// LastSucceededRun returns the most recently finished SUCCEEDED run
	// for the scope, or nil when none exists.
	LastSucceededRun(ctx context.Context, scopeType, scopeID string) (*AnalysisRun, error)

	// ActiveRunSince returns a QUEUED or RUNNING run for the scope
	// triggered at or after since, or nil. A zero since means any time.
	ActiveRunSince(ctx context.Context, scopeType, scopeID string, since time.Time) (*AnalysisRun, error)

	// InsertRun persists a new run record.
	InsertRun(ctx context.Context, run *AnalysisRun) error

	// UpdateRun persists the mutable lifecycle fields of a run.
	UpdateRun(ctx context.Context, run *AnalysisRun) error

	// ListRuns returns the most recent runs for the scope, newest first.
	ListRuns(ctx context.Context, scopeType, scopeID string, limit int) ([]AnalysisRun, error)

	// CountImprovementsSince counts items with the given source type
	// created at or after since.
	CountImprovementsSince(ctx context.Context, sourceType string, since time.Time) (int, error)

	// HasOpenImprovementMatching reports whether an open item's
	// description contains the fragment.
	HasOpenImprovementMatching(ctx context.Context, fragment string) (bool, error)

	// HasImprovementWithKeySince reports whether any item (open or
	// closed) with the dedup key was created at or after since.
	HasImprovementWithKeySince(ctx context.Context, dedupKey string, since time.Time) (bool, error)

	// InsertImprovement writes a new improvement item and sets its ID.
	InsertImprovement(ctx context.Context, item *Improvement) error
}
