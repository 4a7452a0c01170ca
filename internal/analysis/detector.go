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
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/tombee/spanwatch/internal/tracing/redact"
)

// DefaultRowCap bounds how many trace rows one analysis run will scan.
const DefaultRowCap = 50000

// maxEvidenceTraceIDs caps the distinct trace ids retained per dimension.
const maxEvidenceTraceIDs = 5

// Recorder receives analysis outcomes for metrics. Implemented by the
// tracing metrics collector; a nil Recorder is ignored.
type Recorder interface {
	RecordAnalysisRun(status string)
	RecordFindings(count int)
	RecordImprovements(created, skippedRateLimit, skippedDedupe int)
}

// Options configures one analysis invocation.
type Options struct {
	// Logger receives structured progress and failure records. Nil
	// disables logging.
	Logger *slog.Logger

	// Cache, when set, is consulted for threshold rows before the store.
	Cache *ThresholdCache

	// Recorder, when set, receives metric updates.
	Recorder Recorder

	// RowCap bounds the number of trace rows scanned. Zero means
	// DefaultRowCap.
	RowCap int

	// Now fixes the analysis clock; zero means time.Now(). Window bounds
	// and cooldowns are computed from it.
	Now time.Time

	// SkipRemediation evaluates findings without writing improvement
	// items, regardless of enable_auto_create.
	SkipRemediation bool
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.Logger
}

// AnalyzeBottlenecks runs one full detection pass: it aggregates trace
// rows over the baseline window, computes per-dimension medians for the
// baseline and lookback subsets, flags dimensions against the cascading
// thresholds, ranks the findings, and feeds them through the remediation
// gate. It never fails; store errors are scrubbed and reported in
// Result.Errors with empty findings.
func AnalyzeBottlenecks(ctx context.Context, store Store, opts Options) *Result {
	res, err := analyzeBottlenecks(ctx, store, opts)
	if err != nil {
		res.Errors = append(res.Errors, "db_connection_error: "+redact.ScrubError(err))
		opts.logger().Warn("bottleneck analysis aborted",
			"error", redact.ScrubError(err))
	}
	if opts.Recorder != nil {
		opts.Recorder.RecordFindings(len(res.Bottlenecks))
		opts.Recorder.RecordImprovements(res.ItemsCreated, res.ItemsSkippedRateLimit, res.ItemsSkippedDedupe)
	}
	return res
}

// analyzeBottlenecks is the fallible core; the returned error is a trace
// fetch failure, which the run lifecycle maps to a FAILED status.
func analyzeBottlenecks(ctx context.Context, store Store, opts Options) (*Result, error) {
	now := opts.now()
	thresholds := LoadThresholds(ctx, store, opts.Cache)
	global := thresholds.Resolve(DimensionGlobal, "")

	res := &Result{
		Bottlenecks:   []Finding{},
		BaselineStart: now.AddDate(0, 0, -global.BaselineWindowDays),
		LookbackStart: now.AddDate(0, 0, -global.LookbackWindowDays),
		AnalyzedAt:    now,
	}

	rowCap := opts.RowCap
	if rowCap <= 0 {
		rowCap = DefaultRowCap
	}
	rows, err := store.TraceRowsSince(ctx, res.BaselineStart, rowCap)
	if err != nil {
		return res, err
	}
	res.TracesScanned = len(rows)

	findings := detect(rows, thresholds, res.LookbackStart)
	res.Bottlenecks = findings

	opts.logger().Info("bottleneck analysis complete",
		"traces_scanned", res.TracesScanned,
		"bottlenecks", len(findings))

	if !opts.SkipRemediation && global.EnableAutoCreate {
		applyRemediationGate(ctx, store, res, thresholds, now, opts.logger())
	}
	return res, nil
}

// dimensionAccumulator gathers durations for one (type, key) dimension.
type dimensionAccumulator struct {
	dimensionType string
	dimensionKey  string
	baseline      []float64
	lookback      []float64
	evidence      []string
	evidenceSeen  map[string]bool
}

func (a *dimensionAccumulator) observe(row TraceRow, lookbackStart time.Time) {
	a.baseline = append(a.baseline, row.DurationMS)
	if !row.CreatedAt.Before(lookbackStart) {
		a.lookback = append(a.lookback, row.DurationMS)
	}
	if len(a.evidence) < maxEvidenceTraceIDs && row.TraceID != "" && !a.evidenceSeen[row.TraceID] {
		a.evidenceSeen[row.TraceID] = true
		a.evidence = append(a.evidence, row.TraceID)
	}
}

// detect groups rows by dimension, computes the window medians, and flags
// dimensions whose lookback median exceeds the resolved ratio threshold
// with enough individual exceedances. The returned findings are ranked by
// ratio, then observed median, then key, so the output is deterministic
// for identical input.
func detect(rows []TraceRow, thresholds ThresholdMap, lookbackStart time.Time) []Finding {
	accumulators := map[string]*dimensionAccumulator{}
	for _, row := range rows {
		if row.DurationMS <= 0 {
			continue
		}
		for _, dim := range [3]struct{ typ, key string }{
			{DimensionPhase, row.Phase},
			{DimensionGate, row.GateName},
			{DimensionSubagent, row.SubagentName},
		} {
			if dim.key == "" {
				continue
			}
			id := dim.typ + ":" + dim.key
			acc := accumulators[id]
			if acc == nil {
				acc = &dimensionAccumulator{
					dimensionType: dim.typ,
					dimensionKey:  dim.key,
					evidenceSeen:  map[string]bool{},
				}
				accumulators[id] = acc
			}
			acc.observe(row, lookbackStart)
		}
	}

	var findings []Finding
	for _, acc := range accumulators {
		if len(acc.lookback) == 0 {
			continue
		}
		th := thresholds.Resolve(acc.dimensionType, acc.dimensionKey)
		baselineP50 := median(acc.baseline)
		if baselineP50 <= 0 {
			continue
		}
		observedP50 := median(acc.lookback)
		ratio := observedP50 / baselineP50

		exceedances := 0
		cutoff := baselineP50 * th.ThresholdRatio
		for _, d := range acc.lookback {
			if d >= cutoff {
				exceedances++
			}
		}

		// A dimension is flagged only when both the median ratio and
		// the individual exceedance count cross their thresholds.
		if ratio < th.ThresholdRatio || exceedances < th.MinSamples {
			continue
		}

		findings = append(findings, Finding{
			DimensionType:    acc.dimensionType,
			DimensionKey:     acc.dimensionKey,
			BaselineP50MS:    baselineP50,
			ObservedP50MS:    observedP50,
			Ratio:            ratio,
			SampleCount:      len(acc.lookback),
			ExceedanceCount:  exceedances,
			EvidenceTraceIDs: acc.evidence,
		})
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Ratio != findings[j].Ratio {
			return findings[i].Ratio > findings[j].Ratio
		}
		if findings[i].ObservedP50MS != findings[j].ObservedP50MS {
			return findings[i].ObservedP50MS > findings[j].ObservedP50MS
		}
		return findings[i].DimensionType+":"+findings[i].DimensionKey <
			findings[j].DimensionType+":"+findings[j].DimensionKey
	})
	if findings == nil {
		findings = []Finding{}
	}
	return findings
}

// median returns the p50 of values; an even-length list yields the mean of
// the two middle values. Returns 0 for an empty list.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
