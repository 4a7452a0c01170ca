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
	"time"

	"github.com/tombee/spanwatch/internal/tracing/redact"
)

// FindingsResult is the display view of the latest analysis state.
type FindingsResult struct {
	// HasFreshFindings is true when a SUCCEEDED run within the max-age
	// window exists.
	HasFreshFindings bool

	// Run is that run; nil when there are no fresh findings.
	Run *AnalysisRun

	// AgeInDays is the age of Run's completion, when Run is set.
	AgeInDays float64

	// ActiveRun is a currently QUEUED or RUNNING run, if any.
	ActiveRun *AnalysisRun
}

// GetLatestFindings returns the most recent successful analysis for the
// scope plus any currently active run. Data older than the max-age window
// is withheld rather than shown stale.
func GetLatestFindings(ctx context.Context, store Store, opts TriggerOptions) FindingsResult {
	scopeType, scopeID := opts.scope()
	logger := opts.Analysis.logger()
	now := opts.now()

	var result FindingsResult
	if active, err := store.ActiveRunSince(ctx, scopeType, scopeID, time.Time{}); err != nil {
		logger.Warn("active-run lookup failed", "error", redact.ScrubError(err))
	} else {
		result.ActiveRun = active
	}

	run, err := store.LastSucceededRun(ctx, scopeType, scopeID)
	if err != nil {
		logger.Warn("latest-findings lookup failed", "error", redact.ScrubError(err))
		return result
	}
	if run == nil || run.FinishedAt == nil {
		return result
	}
	ageDays := now.Sub(*run.FinishedAt).Hours() / 24
	if ageDays > float64(opts.maxAgeDays()) {
		return result
	}

	result.HasFreshFindings = true
	result.Run = run
	result.AgeInDays = ageDays
	return result
}

// DecodeRunOutput parses the findings summary serialized into a run's
// OutputRef by the lifecycle manager.
func DecodeRunOutput(run *AnalysisRun) (*Result, error) {
	if run == nil || run.OutputRef == "" {
		return nil, fmt.Errorf("run has no output")
	}
	var res Result
	if err := json.Unmarshal([]byte(run.OutputRef), &res); err != nil {
		return nil, fmt.Errorf("failed to decode run output: %w", err)
	}
	return &res, nil
}
