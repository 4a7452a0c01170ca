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

package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector exports persistence and analysis counters through an
// OpenTelemetry meter. It implements analysis.Recorder.
type MetricsCollector struct {
	spansPersisted      metric.Int64Counter
	spansDropped        metric.Int64Counter
	persistErrors       metric.Int64Counter
	analysisRuns        metric.Int64Counter
	findingsDetected    metric.Int64Counter
	improvementsCreated metric.Int64Counter
	improvementsSkipped metric.Int64Counter
}

// NewMetricsCollector creates a metrics collector using the given meter
// provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("spanwatch")
	mc := &MetricsCollector{}

	var err error
	mc.spansPersisted, err = meter.Int64Counter(
		"spanwatch_spans_persisted_total",
		metric.WithDescription("Total number of spans written to storage"),
		metric.WithUnit("{span}"),
	)
	if err != nil {
		return nil, err
	}

	mc.spansDropped, err = meter.Int64Counter(
		"spanwatch_spans_dropped_total",
		metric.WithDescription("Total number of spans dropped instead of persisted"),
		metric.WithUnit("{span}"),
	)
	if err != nil {
		return nil, err
	}

	mc.persistErrors, err = meter.Int64Counter(
		"spanwatch_persist_errors_total",
		metric.WithDescription("Total number of failed span batch writes"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	mc.analysisRuns, err = meter.Int64Counter(
		"spanwatch_analysis_runs_total",
		metric.WithDescription("Total number of analysis runs by terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.findingsDetected, err = meter.Int64Counter(
		"spanwatch_findings_total",
		metric.WithDescription("Total number of bottleneck findings detected"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, err
	}

	mc.improvementsCreated, err = meter.Int64Counter(
		"spanwatch_improvements_created_total",
		metric.WithDescription("Total number of improvement items created"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	mc.improvementsSkipped, err = meter.Int64Counter(
		"spanwatch_improvements_skipped_total",
		metric.WithDescription("Total number of findings skipped by the remediation gate"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordPersist records one Persist call's counters.
func (mc *MetricsCollector) RecordPersist(persisted, dropped, errors int) {
	ctx := context.Background()
	if persisted > 0 {
		mc.spansPersisted.Add(ctx, int64(persisted))
	}
	if dropped > 0 {
		mc.spansDropped.Add(ctx, int64(dropped))
	}
	if errors > 0 {
		mc.persistErrors.Add(ctx, int64(errors))
	}
}

// RecordAnalysisRun records one terminal run status.
func (mc *MetricsCollector) RecordAnalysisRun(status string) {
	mc.analysisRuns.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordFindings records the finding count of one analysis pass.
func (mc *MetricsCollector) RecordFindings(count int) {
	if count > 0 {
		mc.findingsDetected.Add(context.Background(), int64(count))
	}
}

// RecordImprovements records the remediation gate outcome of one pass.
func (mc *MetricsCollector) RecordImprovements(created, skippedRateLimit, skippedDedupe int) {
	ctx := context.Background()
	if created > 0 {
		mc.improvementsCreated.Add(ctx, int64(created))
	}
	if skippedRateLimit > 0 {
		mc.improvementsSkipped.Add(ctx, int64(skippedRateLimit),
			metric.WithAttributes(attribute.String("reason", "rate_limit")))
	}
	if skippedDedupe > 0 {
		mc.improvementsSkipped.Add(ctx, int64(skippedDedupe),
			metric.WithAttributes(attribute.String("reason", "dedupe")))
	}
}
