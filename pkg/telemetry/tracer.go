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

package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMaxSpans bounds the per-trace span buffer unless overridden.
const DefaultMaxSpans = 1000

// nowMS is swapped out in tests for deterministic timing.
var nowMS = func() int64 { return time.Now().UnixMilli() }

// allowedAttributes is the allow-list applied to span attributes. Keys not
// on the list are silently dropped so that accidental capture of request
// payloads or secrets never reaches storage.
var allowedAttributes = map[string]bool{
	"phase":             true,
	"gate_name":         true,
	"subagent_name":     true,
	"execution_id":      true,
	"directive_id":      true,
	"step_id":           true,
	"provider":          true,
	"model":             true,
	"tool":              true,
	"status":            true,
	"retry_count":       true,
	"queue_depth":       true,
	"pickup_time_ms":    true,
	"input_tokens":      true,
	"output_tokens":     true,
	"cache_hit":         true,
	"error_class":       true,
	"result_code":       true,
	"artifact_count":    true,
	"tokens_per_second": true,
}

// TraceOption configures a new trace context.
type TraceOption func(*TraceContext)

// WithDirectiveID tags the trace with a business identifier.
func WithDirectiveID(id string) TraceOption {
	return func(tc *TraceContext) { tc.DirectiveID = id }
}

// WithMaxSpans overrides the buffered-span capacity. Values below one fall
// back to DefaultMaxSpans.
func WithMaxSpans(n int) TraceOption {
	return func(tc *TraceContext) {
		if n > 0 {
			tc.maxSpans = n
		}
	}
}

// NewTraceContext creates the span buffer for one logical execution.
// Two contexts never share a trace id.
func NewTraceContext(executionID string, opts ...TraceOption) *TraceContext {
	tc := &TraceContext{
		TraceID:     uuid.New().String(),
		ExecutionID: executionID,
		maxSpans:    DefaultMaxSpans,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(tc)
		}
	}
	return tc
}

// StartSpan opens a span and buffers it in the given trace context.
//
// The call never fails: a nil context yields a detached span with an empty
// trace id, an empty name defaults to "unknown", and an unrecognized type
// becomes SpanTypeOther. A parent from a different trace is ignored. When
// the context buffer is at capacity the span is still returned to the
// caller so timing keeps working, but it is not buffered and the context's
// drop counter is incremented.
func StartSpan(tc *TraceContext, name string, typ SpanType, attrs map[string]any, parent *Span) *Span {
	if name == "" {
		name = "unknown"
	}
	switch typ {
	case SpanTypeWorkflow, SpanTypePhase, SpanTypeGate, SpanTypeSubagent:
	default:
		typ = SpanTypeOther
	}

	s := &Span{
		SpanID:      uuid.New().String(),
		Name:        name,
		Type:        typ,
		StartTimeMS: nowMS(),
		Attributes:  sanitizeAttributes(attrs),
	}
	if tc != nil {
		s.TraceID = tc.TraceID
	}
	if parent != nil && parent.TraceID == s.TraceID {
		s.ParentSpanID = parent.SpanID
	}

	// At most one dimension field is populated, driven by the span type.
	switch typ {
	case SpanTypePhase:
		s.Phase = stringAttr(s.Attributes, "phase", name)
	case SpanTypeGate:
		s.GateName = stringAttr(s.Attributes, "gate_name", name)
	case SpanTypeSubagent:
		s.SubagentName = stringAttr(s.Attributes, "subagent_name", name)
	}

	if tc != nil {
		tc.add(s)
	}
	return s
}

// EndSpan closes a span, fixing its end time and duration.
//
// Ending an already-closed span is a no-op that returns the original
// result, so nested operations racing to close a shared ancestor are safe.
// Extra attributes are sanitized against the same allow-list as at start.
// QueueWaitMS is derived only from a pickup_time_ms supplied here, never
// from one recorded when the span started.
func EndSpan(s *Span, extraAttrs map[string]any) *Span {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return s
	}

	s.EndTimeMS = nowMS()
	s.DurationMS = s.EndTimeMS - s.StartTimeMS
	if s.DurationMS < 0 {
		s.DurationMS = 0
	}

	closeAttrs := sanitizeAttributes(extraAttrs)
	for k, v := range closeAttrs {
		if s.Attributes == nil {
			s.Attributes = make(map[string]any)
		}
		s.Attributes[k] = v
	}
	if pickup, ok := int64Attr(closeAttrs, "pickup_time_ms"); ok {
		wait := pickup - s.StartTimeMS
		s.QueueWaitMS = &wait
	}

	s.ended = true
	return s
}

// sanitizeAttributes filters attrs against the allow-list, returning nil
// for empty input.
func sanitizeAttributes(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	var out map[string]any
	for k, v := range attrs {
		if !allowedAttributes[k] {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(attrs))
		}
		out[k] = v
	}
	return out
}

// stringAttr returns the string value for key, or fallback.
func stringAttr(attrs map[string]any, key, fallback string) string {
	if v, ok := attrs[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// int64Attr coerces a numeric attribute to int64.
func int64Attr(attrs map[string]any, key string) (int64, bool) {
	switch v := attrs[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
