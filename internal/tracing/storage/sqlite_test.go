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
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/spanwatch/internal/analysis"
	"github.com/tombee/spanwatch/pkg/telemetry"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := New(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// finishedSpan builds an ended span with an exact duration.
func finishedSpan(tc *telemetry.TraceContext, name string, typ telemetry.SpanType, durationMS int64) *telemetry.Span {
	span := telemetry.StartSpan(tc, name, typ, nil, nil)
	telemetry.EndSpan(span, nil)
	span.DurationMS = durationMS
	span.EndTimeMS = span.StartTimeMS + durationMS
	return span
}

func TestNewRequiresPath(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected an error for an empty path")
	}
}

func TestInsertSpansRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tc := telemetry.NewTraceContext("exec-1")
	phase := finishedSpan(tc, "implement", telemetry.SpanTypePhase, 1200)
	gate := finishedSpan(tc, "lint", telemetry.SpanTypeGate, 300)
	open := telemetry.StartSpan(tc, "still-running", telemetry.SpanTypePhase, nil, nil)

	written, err := store.InsertSpans(ctx, tc.ExecutionID, []*telemetry.Span{phase, gate, open, nil})
	if err != nil {
		t.Fatalf("InsertSpans: %v", err)
	}
	if written != 2 {
		t.Errorf("written = %d, want 2 (open and nil spans skipped)", written)
	}

	rows, err := store.TraceRowsSince(ctx, time.Now().Add(-time.Minute), 100)
	if err != nil {
		t.Fatalf("TraceRowsSince: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	byName := map[string]analysis.TraceRow{}
	for _, row := range rows {
		byName[row.SpanName] = row
	}
	if got := byName["implement"]; got.Phase != "implement" || got.DurationMS != 1200 {
		t.Errorf("phase row = %+v", got)
	}
	if got := byName["lint"]; got.GateName != "lint" || got.DurationMS != 300 {
		t.Errorf("gate row = %+v", got)
	}
	if byName["implement"].TraceID != tc.TraceID {
		t.Errorf("row trace id %q, want %q", byName["implement"].TraceID, tc.TraceID)
	}
}

func TestInsertSpansDuplicateKeysIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tc := telemetry.NewTraceContext("exec-1")
	span := finishedSpan(tc, "implement", telemetry.SpanTypePhase, 500)

	if _, err := store.InsertSpans(ctx, tc.ExecutionID, []*telemetry.Span{span}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := store.InsertSpans(ctx, tc.ExecutionID, []*telemetry.Span{span}); err != nil {
		t.Fatalf("second insert: %v", err)
	}

	rows, err := store.TraceRowsSince(ctx, time.Now().Add(-time.Minute), 100)
	if err != nil {
		t.Fatalf("TraceRowsSince: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 row after duplicate insert, got %d", len(rows))
	}
}

func TestInsertSpansFailedBatchCommitsNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tc := telemetry.NewTraceContext("exec-1")
	good := finishedSpan(tc, "implement", telemetry.SpanTypePhase, 500)
	bad := finishedSpan(tc, "review", telemetry.SpanTypePhase, 300)
	bad.Attributes = map[string]any{"model": make(chan int)}

	written, err := store.InsertSpans(ctx, tc.ExecutionID, []*telemetry.Span{good, bad})
	if err == nil {
		t.Fatal("expected an error for the unmarshalable attribute")
	}
	if written != 0 {
		t.Errorf("written = %d, want 0 (batch is atomic)", written)
	}

	rows, err := store.TraceRowsSince(ctx, time.Now().Add(-time.Minute), 100)
	if err != nil {
		t.Fatalf("TraceRowsSince: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected 0 committed rows after failed batch, got %d", len(rows))
	}
}

func TestTraceRowsSinceRespectsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tc := telemetry.NewTraceContext("exec-1")
	var spans []*telemetry.Span
	for i := 0; i < 5; i++ {
		spans = append(spans, finishedSpan(tc, "implement", telemetry.SpanTypePhase, 100))
	}
	if _, err := store.InsertSpans(ctx, tc.ExecutionID, spans); err != nil {
		t.Fatalf("InsertSpans: %v", err)
	}

	rows, err := store.TraceRowsSince(ctx, time.Now().Add(-time.Minute), 3)
	if err != nil {
		t.Fatalf("TraceRowsSince: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("expected 3 rows with limit 3, got %d", len(rows))
	}
}

func TestDeleteSpansBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tc := telemetry.NewTraceContext("exec-1")
	span := finishedSpan(tc, "implement", telemetry.SpanTypePhase, 100)
	if _, err := store.InsertSpans(ctx, tc.ExecutionID, []*telemetry.Span{span}); err != nil {
		t.Fatalf("InsertSpans: %v", err)
	}

	deleted, err := store.DeleteSpansBefore(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteSpansBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	rows, err := store.TraceRowsSince(ctx, time.Time{}, 100)
	if err != nil {
		t.Fatalf("TraceRowsSince: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows after delete, got %d", len(rows))
	}
}

func TestThresholdUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	th := analysis.DefaultThresholds()
	th.DimensionType = analysis.DimensionPhase
	th.DimensionKey = "implement"
	th.ThresholdRatio = 2.0
	if err := store.UpsertThreshold(ctx, th); err != nil {
		t.Fatalf("UpsertThreshold: %v", err)
	}

	th.ThresholdRatio = 5.0
	if err := store.UpsertThreshold(ctx, th); err != nil {
		t.Fatalf("second UpsertThreshold: %v", err)
	}

	rows, err := store.ThresholdRows(ctx)
	if err != nil {
		t.Fatalf("ThresholdRows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 threshold row, got %d", len(rows))
	}
	got := rows[0]
	if got.DimensionType != analysis.DimensionPhase || got.DimensionKey != "implement" {
		t.Errorf("unexpected dimension %s:%s", got.DimensionType, got.DimensionKey)
	}
	if got.ThresholdRatio != 5.0 {
		t.Errorf("upsert did not replace ratio, got %v", got.ThresholdRatio)
	}
	if !got.EnableAutoCreate {
		t.Error("enable_auto_create flag lost in round trip")
	}
}

func TestThresholdUpsertTypeDefault(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	th := analysis.DefaultThresholds()
	th.DimensionType = analysis.DimensionPhase
	th.DimensionKey = ""
	th.ThresholdRatio = 2.0
	if err := store.UpsertThreshold(ctx, th); err != nil {
		t.Fatalf("UpsertThreshold: %v", err)
	}

	th.ThresholdRatio = 5.0
	if err := store.UpsertThreshold(ctx, th); err != nil {
		t.Fatalf("second UpsertThreshold: %v", err)
	}

	rows, err := store.ThresholdRows(ctx)
	if err != nil {
		t.Fatalf("ThresholdRows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after repeated upserts of the type-level default, got %d", len(rows))
	}
	if rows[0].DimensionKey != "" || rows[0].ThresholdRatio != 5.0 {
		t.Errorf("default row = %s:%q ratio %v, want phase default with ratio 5.0",
			rows[0].DimensionType, rows[0].DimensionKey, rows[0].ThresholdRatio)
	}
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	run := &analysis.AnalysisRun{
		RunID:         "run-1",
		ScopeType:     "workspace",
		ScopeID:       "default",
		Status:        analysis.RunStatusQueued,
		TriggeredAt:   now,
		CorrelationID: "corr-1",
	}
	if err := store.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	active, err := store.ActiveRunSince(ctx, "workspace", "default", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ActiveRunSince: %v", err)
	}
	if active == nil || active.RunID != "run-1" {
		t.Fatalf("expected queued run active, got %+v", active)
	}
	if active.CorrelationID != "corr-1" {
		t.Errorf("correlation id lost, got %q", active.CorrelationID)
	}

	// Outside the dedup window nothing matches.
	tooRecent, err := store.ActiveRunSince(ctx, "workspace", "default", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ActiveRunSince: %v", err)
	}
	if tooRecent != nil {
		t.Errorf("expected no run triggered after the cutoff, got %+v", tooRecent)
	}

	started := now.Add(time.Second)
	finished := now.Add(2 * time.Second)
	run.Status = analysis.RunStatusSucceeded
	run.StartedAt = &started
	run.FinishedAt = &finished
	run.DurationMS = 1000
	run.FindingsCount = 2
	run.TopBottleneckCategory = analysis.DimensionPhase
	run.OutputRef = `{"traces_scanned":10}`
	if err := store.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	last, err := store.LastSucceededRun(ctx, "workspace", "default")
	if err != nil {
		t.Fatalf("LastSucceededRun: %v", err)
	}
	if last == nil || last.RunID != "run-1" {
		t.Fatalf("expected succeeded run, got %+v", last)
	}
	if last.FindingsCount != 2 || last.TopBottleneckCategory != analysis.DimensionPhase {
		t.Errorf("run fields lost in round trip: %+v", last)
	}
	if last.FinishedAt == nil {
		t.Error("finished_at should round-trip")
	}
	if last.OutputRef != `{"traces_scanned":10}` {
		t.Errorf("output_ref = %q", last.OutputRef)
	}

	stillActive, err := store.ActiveRunSince(ctx, "workspace", "default", time.Time{})
	if err != nil {
		t.Fatalf("ActiveRunSince: %v", err)
	}
	if stillActive != nil {
		t.Errorf("terminal run should not be active, got %+v", stillActive)
	}
}

func TestLastSucceededRunScopeIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	finished := time.Now()

	run := &analysis.AnalysisRun{
		RunID:       "run-other",
		ScopeType:   "workspace",
		ScopeID:     "other",
		Status:      analysis.RunStatusSucceeded,
		TriggeredAt: finished,
		FinishedAt:  &finished,
	}
	if err := store.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	got, err := store.LastSucceededRun(ctx, "workspace", "default")
	if err != nil {
		t.Fatalf("LastSucceededRun: %v", err)
	}
	if got != nil {
		t.Errorf("run from another scope leaked: %+v", got)
	}
}

func TestListRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		run := &analysis.AnalysisRun{
			RunID:       "run-" + string(rune('a'+i)),
			ScopeType:   "workspace",
			ScopeID:     "default",
			Status:      analysis.RunStatusFailed,
			TriggeredAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.InsertRun(ctx, run); err != nil {
			t.Fatalf("InsertRun: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, "workspace", "default", 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs with limit 2, got %d", len(runs))
	}
	if runs[0].RunID != "run-c" {
		t.Errorf("expected newest run first, got %q", runs[0].RunID)
	}
}

func TestImprovementQueue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	item := &analysis.Improvement{
		SourceType:      analysis.SourceTypeTelemetry,
		ImprovementType: analysis.ImprovementTypeBottleneck,
		Description:     "Performance bottleneck in phase:implement: p50 3500ms vs baseline 1000ms",
		Payload:         map[string]any{"ratio": 3.5},
		DedupKey:        analysis.DedupKey(analysis.DimensionPhase, "implement"),
		Status:          analysis.ImprovementStatusPending,
		RiskTier:        analysis.ImprovementRiskTierGoverned,
		CreatedAt:       now,
	}
	if err := store.InsertImprovement(ctx, item); err != nil {
		t.Fatalf("InsertImprovement: %v", err)
	}
	if item.ID == 0 {
		t.Error("insert should set the item id")
	}

	count, err := store.CountImprovementsSince(ctx, analysis.SourceTypeTelemetry, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CountImprovementsSince: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	open, err := store.HasOpenImprovementMatching(ctx, "phase:implement")
	if err != nil {
		t.Fatalf("HasOpenImprovementMatching: %v", err)
	}
	if !open {
		t.Error("expected an open match for the dimension fragment")
	}
	open, err = store.HasOpenImprovementMatching(ctx, "gate:lint")
	if err != nil {
		t.Fatalf("HasOpenImprovementMatching: %v", err)
	}
	if open {
		t.Error("unexpected match for an absent dimension")
	}

	recent, err := store.HasImprovementWithKeySince(ctx, item.DedupKey, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("HasImprovementWithKeySince: %v", err)
	}
	if !recent {
		t.Error("expected a cooldown hit for the dedup key")
	}
	recent, err = store.HasImprovementWithKeySince(ctx, item.DedupKey, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("HasImprovementWithKeySince: %v", err)
	}
	if recent {
		t.Error("item created before the window should not hit the cooldown")
	}
}
