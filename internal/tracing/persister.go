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

// Package tracing provides the persistence and housekeeping machinery
// around the telemetry span model: the batched trace persister, the
// retention sweeper, and the metrics collector.
package tracing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/tombee/spanwatch/internal/tracing/redact"
	"github.com/tombee/spanwatch/pkg/telemetry"
)

// DefaultBatchSize is the number of spans per bulk write.
const DefaultBatchSize = 200

// SpanWriter is the storage half of the persister. Implemented by
// storage.SQLiteStore. A failed write commits nothing and reports
// zero rows written.
type SpanWriter interface {
	InsertSpans(ctx context.Context, executionID string, spans []*telemetry.Span) (int, error)
}

// PersisterConfig configures a Persister.
type PersisterConfig struct {
	// Enabled gates persistence; when false every span is counted as
	// dropped instead of written.
	Enabled bool

	// BatchSize is the number of spans per bulk write. Zero means
	// DefaultBatchSize.
	BatchSize int

	// Logger receives scrubbed failure records. Nil disables logging.
	Logger *slog.Logger

	// Metrics, when set, receives persistence counters.
	Metrics *MetricsCollector
}

// PersistResult reports one Persist call's outcome.
type PersistResult struct {
	Persisted int
	Dropped   int
	Errors    []string
}

// Persister batches finished spans and writes them to the backing store.
// It is built to be invoked fire-and-forget: Persist never returns an
// error and never panics into the caller, and a failed batch does not
// abort the remaining batches.
type Persister struct {
	store     SpanWriter
	enabled   bool
	batchSize int
	logger    *slog.Logger
	metrics   *MetricsCollector

	persistedTotal atomic.Int64
	droppedTotal   atomic.Int64
	errorsTotal    atomic.Int64
}

// NewPersister creates a persister over the given store. A nil store is
// allowed and behaves as disabled.
func NewPersister(store SpanWriter, cfg PersisterConfig) *Persister {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Persister{
		store:     store,
		enabled:   cfg.Enabled,
		batchSize: batchSize,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// PersistContext persists a trace context's buffered spans.
func (p *Persister) PersistContext(ctx context.Context, tc *telemetry.TraceContext) PersistResult {
	if tc == nil {
		return PersistResult{}
	}
	return p.Persist(ctx, tc.ExecutionID, tc.Spans())
}

// Persist writes the given spans in fixed-size batches. Spans that were
// never ended, and all spans when persistence is disabled or no store is
// configured, are counted as dropped rather than raising an error. A
// store error on one batch is scrubbed, counted, and does not abort the
// remaining batches.
func (p *Persister) Persist(ctx context.Context, executionID string, spans []*telemetry.Span) (result PersistResult) {
	// Persist must never escape into the caller's critical path.
	defer func() {
		if r := recover(); r != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("persist_panic: %v", r))
			p.errorsTotal.Add(1)
		}
	}()

	if len(spans) == 0 {
		return result
	}
	if !p.enabled || p.store == nil {
		result.Dropped = len(spans)
		p.droppedTotal.Add(int64(len(spans)))
		p.record(result)
		return result
	}

	finished := make([]*telemetry.Span, 0, len(spans))
	for _, span := range spans {
		if span == nil || !span.Ended() {
			result.Dropped++
			continue
		}
		finished = append(finished, span)
	}

	for start := 0; start < len(finished); start += p.batchSize {
		end := start + p.batchSize
		if end > len(finished) {
			end = len(finished)
		}
		batch := finished[start:end]

		written, err := p.store.InsertSpans(ctx, executionID, batch)
		result.Persisted += written
		if err != nil {
			scrubbed := redact.ScrubError(err)
			result.Errors = append(result.Errors, scrubbed)
			result.Dropped += len(batch) - written
			p.logger.Warn("span batch write failed",
				"batch_size", len(batch),
				"error", scrubbed)
		}
	}

	p.persistedTotal.Add(int64(result.Persisted))
	p.droppedTotal.Add(int64(result.Dropped))
	p.errorsTotal.Add(int64(len(result.Errors)))
	p.record(result)
	return result
}

func (p *Persister) record(result PersistResult) {
	if p.metrics != nil {
		p.metrics.RecordPersist(result.Persisted, result.Dropped, len(result.Errors))
	}
}

// Stats returns the cumulative persisted/dropped/error counts.
func (p *Persister) Stats() (persisted, dropped, errors int64) {
	return p.persistedTotal.Load(), p.droppedTotal.Load(), p.errorsTotal.Load()
}
