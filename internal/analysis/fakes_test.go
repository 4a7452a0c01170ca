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
	"sync"
	"time"
)

// fakeStore is an in-memory Store for tests. Error fields force the
// corresponding method to fail; rowsFn overrides TraceRowsSince entirely.
type fakeStore struct {
	mu sync.Mutex

	thresholds     []Threshold
	thresholdsErr  error
	thresholdLoads int

	rows    []TraceRow
	rowsErr error
	rowsFn  func(ctx context.Context, since time.Time, limit int) ([]TraceRow, error)

	lastSucceeded    *AnalysisRun
	lastSucceededErr error

	active    *AnalysisRun
	activeErr error

	insertRunErr error
	runs         []AnalysisRun

	updateRunErr error
	updates      []AnalysisRun

	improvementCount    int
	improvementCountErr error

	openFragments map[string]bool
	openErr       error

	recentKeys map[string]bool
	recentErr  error

	insertImprovementErr error
	failInserts          int
	insertAttempts       int
	improvements         []Improvement
}

func (f *fakeStore) ThresholdRows(ctx context.Context) ([]Threshold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thresholdLoads++
	return f.thresholds, f.thresholdsErr
}

func (f *fakeStore) TraceRowsSince(ctx context.Context, since time.Time, limit int) ([]TraceRow, error) {
	if f.rowsFn != nil {
		return f.rowsFn(ctx, since, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rowsErr != nil {
		return nil, f.rowsErr
	}
	var out []TraceRow
	for _, row := range f.rows {
		if !row.CreatedAt.Before(since) && row.DurationMS > 0 {
			out = append(out, row)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) LastSucceededRun(ctx context.Context, scopeType, scopeID string) (*AnalysisRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSucceeded, f.lastSucceededErr
}

func (f *fakeStore) ActiveRunSince(ctx context.Context, scopeType, scopeID string, since time.Time) (*AnalysisRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.activeErr
}

func (f *fakeStore) InsertRun(ctx context.Context, run *AnalysisRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertRunErr != nil {
		return f.insertRunErr
	}
	f.runs = append(f.runs, *run)
	return nil
}

func (f *fakeStore) UpdateRun(ctx context.Context, run *AnalysisRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateRunErr != nil {
		return f.updateRunErr
	}
	f.updates = append(f.updates, *run)
	return nil
}

func (f *fakeStore) ListRuns(ctx context.Context, scopeType, scopeID string, limit int) ([]AnalysisRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, nil
}

func (f *fakeStore) CountImprovementsSince(ctx context.Context, sourceType string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.improvementCount, f.improvementCountErr
}

func (f *fakeStore) HasOpenImprovementMatching(ctx context.Context, fragment string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return false, f.openErr
	}
	return f.openFragments[fragment], nil
}

func (f *fakeStore) HasImprovementWithKeySince(ctx context.Context, dedupKey string, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recentErr != nil {
		return false, f.recentErr
	}
	return f.recentKeys[dedupKey], nil
}

func (f *fakeStore) InsertImprovement(ctx context.Context, item *Improvement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertAttempts++
	if f.insertImprovementErr != nil && f.insertAttempts <= f.failInserts {
		return f.insertImprovementErr
	}
	item.ID = int64(len(f.improvements) + 1)
	f.improvements = append(f.improvements, *item)
	return nil
}

// lastUpdate returns the most recent UpdateRun snapshot, or nil.
func (f *fakeStore) lastUpdate() *AnalysisRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return nil
	}
	run := f.updates[len(f.updates)-1]
	return &run
}

// regressionRows builds a dimension with a flat baseline and an inflated
// lookback window: 5 baseline samples at baseMS three days before now, and
// 4 lookback samples at observedMS one hour before now.
func regressionRows(dimType, key string, baseMS, observedMS float64, now time.Time) []TraceRow {
	var rows []TraceRow
	set := func(row *TraceRow) {
		switch dimType {
		case DimensionPhase:
			row.Phase = key
		case DimensionGate:
			row.GateName = key
		case DimensionSubagent:
			row.SubagentName = key
		}
	}
	for i := 0; i < 5; i++ {
		row := TraceRow{
			TraceID:    key + "-base",
			SpanType:   dimType,
			SpanName:   key,
			DurationMS: baseMS,
			CreatedAt:  now.Add(-72 * time.Hour),
		}
		set(&row)
		rows = append(rows, row)
	}
	for i := 0; i < 4; i++ {
		row := TraceRow{
			TraceID:    key + "-recent",
			SpanType:   dimType,
			SpanName:   key,
			DurationMS: observedMS,
			CreatedAt:  now.Add(-1 * time.Hour),
		}
		set(&row)
		rows = append(rows, row)
	}
	return rows
}
