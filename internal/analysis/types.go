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

// Package analysis mines persisted trace history for performance
// regressions per dimension (workflow phase, gate, or subagent call) and
// files remediation work items for statistically significant ones. It also
// owns the staleness-driven trigger and the analysis-run lifecycle.
package analysis

import "time"

// Dimension types. "global" is reserved for the threshold fallback row.
const (
	DimensionPhase    = "phase"
	DimensionGate     = "gate"
	DimensionSubagent = "subagent"
	DimensionGlobal   = "global"
)

// Analysis run statuses.
const (
	RunStatusQueued    = "QUEUED"
	RunStatusRunning   = "RUNNING"
	RunStatusSucceeded = "SUCCEEDED"
	RunStatusFailed    = "FAILED"
	RunStatusTimedOut  = "TIMED_OUT"
)

// Improvement-queue constants for items created by this subsystem.
const (
	SourceTypeTelemetry         = "TELEMETRY_AUTO_ANALYSIS"
	ImprovementTypeBottleneck   = "PERFORMANCE_BOTTLENECK"
	ImprovementStatusPending    = "PENDING"
	ImprovementRiskTierGoverned = "GOVERNED"
)

// ReasonInsufficientData marks a succeeded run that scanned zero trace rows.
const ReasonInsufficientData = "INSUFFICIENT_DATA"

// TraceRow is one persisted span row as seen by the detector. At most one
// of Phase, GateName, SubagentName is non-empty.
type TraceRow struct {
	TraceID      string
	SpanType     string
	SpanName     string
	Phase        string
	GateName     string
	SubagentName string
	DurationMS   float64
	StartTimeMS  int64
	CreatedAt    time.Time
}

// Threshold is one row of detection configuration. A row with an empty
// DimensionKey is the default for its DimensionType; the row with
// DimensionType "global" is the fallback of last resort.
type Threshold struct {
	DimensionType      string
	DimensionKey       string
	ThresholdRatio     float64
	MinSamples         int
	BaselineWindowDays int
	LookbackWindowDays int
	MaxPerRun          int
	MaxPerDay          int
	CooldownHours      int
	EnableAutoCreate   bool
}

// Finding is one detected bottleneck, produced per analysis run.
type Finding struct {
	DimensionType    string   `json:"dimension_type"`
	DimensionKey     string   `json:"dimension_key"`
	BaselineP50MS    float64  `json:"baseline_p50_ms"`
	ObservedP50MS    float64  `json:"observed_p50_ms"`
	Ratio            float64  `json:"ratio"`
	SampleCount      int      `json:"sample_count"`
	ExceedanceCount  int      `json:"exceedance_count"`
	EvidenceTraceIDs []string `json:"evidence_trace_ids"`
	ImprovementID    string   `json:"improvement_id,omitempty"`
}

// AnalysisRun is the persisted lifecycle record of one analysis run.
// Status and the timing fields are the only parts mutated after creation;
// runs are never deleted.
type AnalysisRun struct {
	RunID                 string
	ScopeType             string
	ScopeID               string
	Status                string
	TriggeredAt           time.Time
	StartedAt             *time.Time
	FinishedAt            *time.Time
	DurationMS            int64
	FindingsCount         int
	TopBottleneckCategory string
	ReasonCode            string
	OutputRef             string
	ErrorClass            string
	ErrorMessage          string
	CorrelationID         string
}

// Improvement is a work item written into the external improvement queue.
type Improvement struct {
	ID              int64
	SourceType      string
	ImprovementType string
	Description     string
	Payload         map[string]any
	DedupKey        string
	Status          string
	AutoApplicable  bool
	RiskTier        string
	CreatedAt       time.Time
}

// Result is the outcome of one AnalyzeBottlenecks invocation. Failures are
// reported as data; the call itself never fails.
type Result struct {
	Bottlenecks           []Finding `json:"bottlenecks"`
	TracesScanned         int       `json:"traces_scanned"`
	ItemsCreated          int       `json:"items_created"`
	ItemsSkippedRateLimit int       `json:"items_skipped_rate_limit"`
	ItemsSkippedDedupe    int       `json:"items_skipped_dedupe"`
	Errors                []string  `json:"errors,omitempty"`

	// Window bounds used for this run, carried into improvement payloads.
	BaselineStart time.Time `json:"baseline_start"`
	LookbackStart time.Time `json:"lookback_start"`
	AnalyzedAt    time.Time `json:"analyzed_at"`
}
