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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/spanwatch/internal/tracing/redact"
)

// Decision strings returned by the trigger surface. They are designed for
// direct display or logging by callers.
const (
	DecisionFresh            = "fresh"
	DecisionStaleNoRecentRun = "stale_no_recent_run"
	DecisionStaleRunTooOld   = "stale_run_too_old"
	DecisionStaleQueryError  = "stale_query_error"
	DecisionSkippedFresh     = "skipped_fresh"
	DecisionEnqueued         = "enqueued"
	DecisionAlreadyQueued    = "already_queued"
	DecisionEnqueueFailed    = "enqueue_failed"
	DecisionErrorNonFatal    = "error_non_fatal"
)

// Defaults for the trigger surface.
const (
	DefaultScopeType     = "workspace"
	DefaultScopeID       = "default"
	DefaultStalenessDays = 7
	DefaultMaxAgeDays    = 7
	DefaultDedupWindow   = 10 * time.Minute
	DefaultRunTimeout    = 120 * time.Second
)

// TriggerOptions configures the staleness trigger and run lifecycle.
type TriggerOptions struct {
	// ScopeType and ScopeID identify what the analysis covers. Defaults:
	// "workspace"/"default".
	ScopeType string
	ScopeID   string

	// StalenessDays is how old the last SUCCEEDED run may be before a
	// new one is triggered. Zero means DefaultStalenessDays.
	StalenessDays int

	// DedupWindow suppresses a new enqueue when a QUEUED or RUNNING run
	// for the scope was triggered this recently. Zero means
	// DefaultDedupWindow.
	DedupWindow time.Duration

	// Timeout bounds one run's execution; expiry marks it TIMED_OUT.
	// Zero means DefaultRunTimeout.
	Timeout time.Duration

	// MaxAgeDays bounds how old findings GetLatestFindings will return.
	// Zero means DefaultMaxAgeDays.
	MaxAgeDays int

	// CorrelationID links the trigger decision, the run record, and the
	// logs. Generated when empty.
	CorrelationID string

	// Wait executes the run before EnqueueAnalysis returns instead of in
	// the background. The observable lifecycle is identical.
	Wait bool

	// Now fixes the trigger clock; zero means time.Now().
	Now time.Time

	// Analysis is passed through to AnalyzeBottlenecks for the run.
	Analysis Options
}

func (o TriggerOptions) scope() (string, string) {
	scopeType, scopeID := o.ScopeType, o.ScopeID
	if scopeType == "" {
		scopeType = DefaultScopeType
	}
	if scopeID == "" {
		scopeID = DefaultScopeID
	}
	return scopeType, scopeID
}

func (o TriggerOptions) stalenessDays() int {
	if o.StalenessDays <= 0 {
		return DefaultStalenessDays
	}
	return o.StalenessDays
}

func (o TriggerOptions) dedupWindow() time.Duration {
	if o.DedupWindow <= 0 {
		return DefaultDedupWindow
	}
	return o.DedupWindow
}

func (o TriggerOptions) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultRunTimeout
	}
	return o.Timeout
}

func (o TriggerOptions) maxAgeDays() int {
	if o.MaxAgeDays <= 0 {
		return DefaultMaxAgeDays
	}
	return o.MaxAgeDays
}

func (o TriggerOptions) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// StalenessResult reports whether a fresh analysis exists for a scope.
type StalenessResult struct {
	IsStale       bool
	LastSuccessAt *time.Time
	Decision      string
}

// CheckStaleness reports whether the last successful analysis for the
// scope is older than the staleness threshold. A store query error is
// treated as stale: the cost of a redundant analysis is lower than the
// cost of silently never re-analyzing.
func CheckStaleness(ctx context.Context, store Store, opts TriggerOptions) StalenessResult {
	scopeType, scopeID := opts.scope()
	run, err := store.LastSucceededRun(ctx, scopeType, scopeID)
	if err != nil {
		opts.Analysis.logger().Warn("staleness check query failed",
			"error", redact.ScrubError(err))
		return StalenessResult{IsStale: true, Decision: DecisionStaleQueryError}
	}
	if run == nil || run.FinishedAt == nil {
		return StalenessResult{IsStale: true, Decision: DecisionStaleNoRecentRun}
	}
	cutoff := opts.now().AddDate(0, 0, -opts.stalenessDays())
	if run.FinishedAt.Before(cutoff) {
		return StalenessResult{IsStale: true, LastSuccessAt: run.FinishedAt, Decision: DecisionStaleRunTooOld}
	}
	return StalenessResult{IsStale: false, LastSuccessAt: run.FinishedAt, Decision: DecisionFresh}
}

// EnqueueResult reports the outcome of an enqueue attempt.
type EnqueueResult struct {
	Enqueued bool
	RunID    string
	Decision string
}

// EnqueueAnalysis inserts a QUEUED run for the scope and starts executing
// it without waiting. A QUEUED or RUNNING run triggered within the dedup
// window short-circuits to that run's id. An insert failure reports
// enqueue_failed and no execution is attempted.
func EnqueueAnalysis(ctx context.Context, store Store, opts TriggerOptions) EnqueueResult {
	scopeType, scopeID := opts.scope()
	logger := opts.Analysis.logger()
	now := opts.now()

	// Best-effort duplicate suppression; a query error falls through to
	// enqueue rather than blocking re-analysis.
	active, err := store.ActiveRunSince(ctx, scopeType, scopeID, now.Add(-opts.dedupWindow()))
	if err != nil {
		logger.Warn("duplicate-run check failed",
			"error", redact.ScrubError(err))
	}
	if active != nil {
		return EnqueueResult{Enqueued: false, RunID: active.RunID, Decision: DecisionAlreadyQueued}
	}

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	run := &AnalysisRun{
		RunID:         uuid.New().String(),
		ScopeType:     scopeType,
		ScopeID:       scopeID,
		Status:        RunStatusQueued,
		TriggeredAt:   now,
		CorrelationID: correlationID,
	}
	if err := store.InsertRun(ctx, run); err != nil {
		logger.Warn("failed to enqueue analysis run",
			"error", redact.ScrubError(err))
		return EnqueueResult{Decision: DecisionEnqueueFailed}
	}

	if opts.Wait {
		executeRun(store, run, opts)
	} else {
		go executeRun(store, run, opts)
	}
	return EnqueueResult{Enqueued: true, RunID: run.RunID, Decision: DecisionEnqueued}
}

type analysisOutcome struct {
	res *Result
	err error
}

// executeRun drives one run through RUNNING to a terminal status. The
// analysis races a wall-clock timeout; when the deadline wins the run is
// marked TIMED_OUT and any later completion of the work is discarded.
func executeRun(store Store, run *AnalysisRun, opts TriggerOptions) {
	logger := opts.Analysis.logger().With(
		"run_id", run.RunID,
		"correlation_id", run.CorrelationID)

	// The run owns its own lifetime; the caller's context may be gone.
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout())
	defer cancel()

	started := time.Now()
	run.Status = RunStatusRunning
	run.StartedAt = &started
	if err := store.UpdateRun(ctx, run); err != nil {
		logger.Warn("failed to mark run running",
			"error", redact.ScrubError(err))
	}

	done := make(chan analysisOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- analysisOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := analyzeBottlenecks(ctx, store, opts.Analysis)
		done <- analysisOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		finishRun(run, started, out)
	case <-ctx.Done():
		finished := time.Now()
		run.Status = RunStatusTimedOut
		run.FinishedAt = &finished
		run.DurationMS = finished.Sub(started).Milliseconds()
		run.ErrorClass = "timeout"
		run.ErrorMessage = fmt.Sprintf("analysis exceeded %s", opts.timeout())
	}

	// Record the terminal status on a fresh context; the run context may
	// already be expired.
	updateCtx, updateCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer updateCancel()
	if err := store.UpdateRun(updateCtx, run); err != nil {
		logger.Warn("failed to record run status",
			"status", run.Status,
			"error", redact.ScrubError(err))
	}
	if opts.Analysis.Recorder != nil {
		opts.Analysis.Recorder.RecordAnalysisRun(run.Status)
	}
	logger.Info("analysis run finished",
		"status", run.Status,
		"findings", run.FindingsCount,
		"duration_ms", run.DurationMS,
		"reason_code", run.ReasonCode)
}

// finishRun applies a completed analysis outcome to the run record.
func finishRun(run *AnalysisRun, started time.Time, out analysisOutcome) {
	finished := time.Now()
	run.FinishedAt = &finished
	run.DurationMS = finished.Sub(started).Milliseconds()

	if out.err != nil {
		run.Status = RunStatusFailed
		run.ErrorClass = errorClass(out.err)
		run.ErrorMessage = redact.ScrubError(out.err)
		return
	}

	run.Status = RunStatusSucceeded
	run.FindingsCount = len(out.res.Bottlenecks)
	if len(out.res.Bottlenecks) > 0 {
		run.TopBottleneckCategory = out.res.Bottlenecks[0].DimensionType
	}
	if out.res.TracesScanned == 0 {
		run.ReasonCode = ReasonInsufficientData
	}
	if encoded, err := json.Marshal(out.res); err == nil {
		run.OutputRef = string(encoded)
	}
}

// errorClass maps a run failure to the error taxonomy: store connectivity
// failures are detected by message pattern, panics keep their own class,
// everything else is a generic analysis error.
func errorClass(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.HasPrefix(msg, "panic:"):
		return "panic"
	case strings.Contains(msg, "connection") ||
		strings.Contains(msg, "refused") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "sql"):
		return "db_connection_error"
	default:
		return "analysis_error"
	}
}

// TriggerResult is the outcome of TriggerIfStale.
type TriggerResult struct {
	Decision      string
	CorrelationID string
	DurationMS    int64
}

// TriggerIfStale is the top-level entry called on a cadence by the host
// engine: staleness check, then enqueue. It never propagates a failure to
// the caller; anything unexpected degrades to an error_non_fatal decision,
// and exactly one structured decision record is logged per call.
func TriggerIfStale(ctx context.Context, store Store, opts TriggerOptions) (result TriggerResult) {
	started := time.Now()
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	opts.CorrelationID = correlationID
	result = TriggerResult{Decision: DecisionErrorNonFatal, CorrelationID: correlationID}
	logger := opts.Analysis.logger().With("correlation_id", correlationID)

	defer func() {
		if r := recover(); r != nil {
			result.Decision = DecisionErrorNonFatal
			result.DurationMS = time.Since(started).Milliseconds()
			logger.Error("analysis trigger recovered",
				"panic", fmt.Sprint(r),
				"decision", result.Decision)
		}
	}()

	staleness := CheckStaleness(ctx, store, opts)
	if !staleness.IsStale {
		result.Decision = DecisionSkippedFresh
	} else {
		switch enqueued := EnqueueAnalysis(ctx, store, opts); enqueued.Decision {
		case DecisionEnqueued, DecisionAlreadyQueued:
			result.Decision = enqueued.Decision
		default:
			result.Decision = DecisionErrorNonFatal
		}
	}

	result.DurationMS = time.Since(started).Milliseconds()
	logger.Info("analysis trigger decision",
		"decision", result.Decision,
		"staleness", staleness.Decision,
		"duration_ms", result.DurationMS)
	return result
}
