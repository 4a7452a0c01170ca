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

// Package telemetry provides the span and trace-context model used to
// instrument workflow execution. This package is designed to be embeddable
// in a host engine: every operation is safe to call with malformed input
// and never panics or returns an error into the caller's critical path.
package telemetry

import (
	"sync"
	"time"
)

// SpanType categorizes the operation a span measures.
type SpanType string

const (
	// SpanTypeWorkflow represents a full workflow execution.
	SpanTypeWorkflow SpanType = "workflow"

	// SpanTypePhase represents one phase of a multi-phase workflow.
	SpanTypePhase SpanType = "phase"

	// SpanTypeGate represents a quality gate evaluation.
	SpanTypeGate SpanType = "gate"

	// SpanTypeSubagent represents a delegated-worker call.
	SpanTypeSubagent SpanType = "subagent"

	// SpanTypeOther represents any other timed operation.
	SpanTypeOther SpanType = "other"
)

// Span is one timed operation. A span is owned by its trace context until
// it is persisted; after the first End the timing fields never change.
type Span struct {
	// SpanID uniquely identifies this span.
	SpanID string

	// TraceID links the span to its trace context. Empty for detached
	// spans created without a context.
	TraceID string

	// ParentSpanID is the SpanID of the enclosing span, if any.
	ParentSpanID string

	// Name is a human-readable description of the operation.
	Name string

	// Type categorizes the operation.
	Type SpanType

	// StartTimeMS is the wall-clock start in Unix milliseconds.
	StartTimeMS int64

	// EndTimeMS is the wall-clock end in Unix milliseconds. Zero until
	// the span is ended.
	EndTimeMS int64

	// DurationMS is the elapsed time in milliseconds, never negative.
	// Valid only once Ended reports true.
	DurationMS int64

	// Phase is set for phase spans.
	Phase string

	// GateName is set for gate spans.
	GateName string

	// SubagentName is set for subagent spans.
	SubagentName string

	// QueueWaitMS is the time the operation spent queued before pickup,
	// derived from the pickup_time_ms attribute at close time. Nil when
	// no pickup time was reported.
	QueueWaitMS *int64

	// Attributes holds sanitized key/value metadata.
	Attributes map[string]any

	mu    sync.Mutex
	ended bool
}

// Ended reports whether the span has been closed.
func (s *Span) Ended() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Duration returns the span's elapsed time, or zero for open spans.
func (s *Span) Duration() time.Duration {
	if s == nil || !s.Ended() {
		return 0
	}
	return time.Duration(s.DurationMS) * time.Millisecond
}

// TraceContext is the ordered buffer of spans sharing one trace id.
// It is created once per logical top-level execution and discarded after
// its spans are persisted.
type TraceContext struct {
	// TraceID uniquely identifies this trace.
	TraceID string

	// ExecutionID correlates the trace with the host engine's execution.
	ExecutionID string

	// DirectiveID is an optional business tag carried through to storage.
	DirectiveID string

	maxSpans int

	mu      sync.Mutex
	spans   []*Span
	dropped int64
}

// Spans returns a copy of the buffered spans in insertion order.
func (tc *TraceContext) Spans() []*Span {
	if tc == nil {
		return nil
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]*Span, len(tc.spans))
	copy(out, tc.spans)
	return out
}

// Dropped returns the number of spans rejected because the buffer was at
// capacity.
func (tc *TraceContext) Dropped() int64 {
	if tc == nil {
		return 0
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.dropped
}

// add buffers a span unless the context is at capacity. Returns false and
// bumps the drop counter when the span was rejected.
func (tc *TraceContext) add(s *Span) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.maxSpans > 0 && len(tc.spans) >= tc.maxSpans {
		tc.dropped++
		return false
	}
	tc.spans = append(tc.spans, s)
	return true
}
