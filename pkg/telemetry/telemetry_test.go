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
	"sync"
	"testing"
)

// fixedClock replaces nowMS for the duration of a test.
func fixedClock(t *testing.T, times ...int64) {
	t.Helper()
	orig := nowMS
	i := 0
	nowMS = func() int64 {
		if i < len(times) {
			v := times[i]
			i++
			return v
		}
		return times[len(times)-1]
	}
	t.Cleanup(func() { nowMS = orig })
}

func TestStartSpanDefaults(t *testing.T) {
	tc := NewTraceContext("exec-1")

	span := StartSpan(tc, "", "bogus", nil, nil)
	if span.Name != "unknown" {
		t.Errorf("expected name 'unknown', got %q", span.Name)
	}
	if span.Type != SpanTypeOther {
		t.Errorf("expected type other, got %q", span.Type)
	}
	if span.TraceID != tc.TraceID {
		t.Errorf("span trace id %q does not match context %q", span.TraceID, tc.TraceID)
	}
	if span.SpanID == "" {
		t.Error("expected a span id")
	}
}

func TestStartSpanNilContext(t *testing.T) {
	span := StartSpan(nil, "detached", SpanTypePhase, nil, nil)
	if span == nil {
		t.Fatal("expected a span even without a context")
	}
	if span.TraceID != "" {
		t.Errorf("detached span should have empty trace id, got %q", span.TraceID)
	}
	EndSpan(span, nil)
	if !span.Ended() {
		t.Error("detached span should still end normally")
	}
}

func TestTraceContextsHaveDistinctTraceIDs(t *testing.T) {
	a := NewTraceContext("exec-1")
	b := NewTraceContext("exec-1")
	if a.TraceID == b.TraceID {
		t.Errorf("two contexts share trace id %q", a.TraceID)
	}
}

func TestStartSpanDimensionFields(t *testing.T) {
	tc := NewTraceContext("exec-1")

	phase := StartSpan(tc, "implement", SpanTypePhase, nil, nil)
	if phase.Phase != "implement" {
		t.Errorf("expected phase fallback to name, got %q", phase.Phase)
	}
	gate := StartSpan(tc, "gate-span", SpanTypeGate, map[string]any{"gate_name": "lint"}, nil)
	if gate.GateName != "lint" {
		t.Errorf("expected gate name from attribute, got %q", gate.GateName)
	}
	if gate.Phase != "" || gate.SubagentName != "" {
		t.Error("gate span should set only the gate dimension")
	}
	sub := StartSpan(tc, "researcher", SpanTypeSubagent, nil, nil)
	if sub.SubagentName != "researcher" {
		t.Errorf("expected subagent fallback to name, got %q", sub.SubagentName)
	}
}

func TestStartSpanParentFromOtherTraceIgnored(t *testing.T) {
	tc := NewTraceContext("exec-1")
	other := NewTraceContext("exec-2")
	foreign := StartSpan(other, "root", SpanTypeWorkflow, nil, nil)

	span := StartSpan(tc, "phase", SpanTypePhase, nil, foreign)
	if span.ParentSpanID != "" {
		t.Errorf("parent from another trace should be ignored, got %q", span.ParentSpanID)
	}

	local := StartSpan(tc, "root", SpanTypeWorkflow, nil, nil)
	child := StartSpan(tc, "phase", SpanTypePhase, nil, local)
	if child.ParentSpanID != local.SpanID {
		t.Errorf("expected parent %q, got %q", local.SpanID, child.ParentSpanID)
	}
}

func TestAttributeAllowList(t *testing.T) {
	tc := NewTraceContext("exec-1")
	span := StartSpan(tc, "step", SpanTypeOther, map[string]any{
		"model":         "large-v2",
		"request_body":  "secret payload",
		"Authorization": "Bearer abc",
	}, nil)

	if span.Attributes["model"] != "large-v2" {
		t.Error("allow-listed attribute dropped")
	}
	if _, ok := span.Attributes["request_body"]; ok {
		t.Error("request_body should have been dropped")
	}
	if _, ok := span.Attributes["Authorization"]; ok {
		t.Error("Authorization should have been dropped")
	}
}

func TestEndSpanIdempotent(t *testing.T) {
	fixedClock(t, 1000, 1500, 9999)
	tc := NewTraceContext("exec-1")
	span := StartSpan(tc, "phase", SpanTypePhase, nil, nil)

	EndSpan(span, nil)
	if span.DurationMS != 500 {
		t.Fatalf("expected duration 500, got %d", span.DurationMS)
	}

	EndSpan(span, map[string]any{"status": "late"})
	if span.DurationMS != 500 {
		t.Errorf("second end changed duration to %d", span.DurationMS)
	}
	if span.EndTimeMS != 1500 {
		t.Errorf("second end changed end time to %d", span.EndTimeMS)
	}
	if _, ok := span.Attributes["status"]; ok {
		t.Error("second end should not merge attributes")
	}
}

func TestEndSpanConcurrent(t *testing.T) {
	tc := NewTraceContext("exec-1")
	span := StartSpan(tc, "shared", SpanTypeOther, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EndSpan(span, nil)
		}()
	}
	wg.Wait()
	if !span.Ended() {
		t.Error("span should be ended")
	}
}

func TestEndSpanClampsNegativeDuration(t *testing.T) {
	fixedClock(t, 2000, 1000)
	span := StartSpan(NewTraceContext("exec-1"), "clock-skew", SpanTypeOther, nil, nil)
	EndSpan(span, nil)
	if span.DurationMS != 0 {
		t.Errorf("expected duration clamped to 0, got %d", span.DurationMS)
	}
}

func TestEndSpanNil(t *testing.T) {
	if got := EndSpan(nil, nil); got != nil {
		t.Errorf("EndSpan(nil) = %v, want nil", got)
	}
}

func TestQueueWaitDerivation(t *testing.T) {
	fixedClock(t, 1000, 5000)
	span := StartSpan(NewTraceContext("exec-1"), "subagent", SpanTypeSubagent, nil, nil)
	EndSpan(span, map[string]any{"pickup_time_ms": int64(1400)})

	if span.QueueWaitMS == nil {
		t.Fatal("expected queue wait to be derived")
	}
	if *span.QueueWaitMS != 400 {
		t.Errorf("expected queue wait 400, got %d", *span.QueueWaitMS)
	}
}

func TestQueueWaitAbsentWithoutPickupTime(t *testing.T) {
	span := StartSpan(NewTraceContext("exec-1"), "phase", SpanTypePhase, nil, nil)
	EndSpan(span, nil)
	if span.QueueWaitMS != nil {
		t.Errorf("expected nil queue wait, got %d", *span.QueueWaitMS)
	}
}

func TestQueueWaitIgnoresStartAttribute(t *testing.T) {
	fixedClock(t, 1000, 5000)
	span := StartSpan(NewTraceContext("exec-1"), "subagent", SpanTypeSubagent,
		map[string]any{"pickup_time_ms": int64(1400)}, nil)
	EndSpan(span, nil)

	if span.QueueWaitMS != nil {
		t.Errorf("queue wait should only come from close-time attributes, got %d", *span.QueueWaitMS)
	}
}

func TestBufferCapacity(t *testing.T) {
	tc := NewTraceContext("exec-1", WithMaxSpans(2))

	first := StartSpan(tc, "a", SpanTypePhase, nil, nil)
	StartSpan(tc, "b", SpanTypePhase, nil, nil)
	third := StartSpan(tc, "c", SpanTypePhase, nil, nil)

	if got := len(tc.Spans()); got != 2 {
		t.Errorf("expected 2 buffered spans, got %d", got)
	}
	if tc.Dropped() != 1 {
		t.Errorf("expected 1 dropped span, got %d", tc.Dropped())
	}

	// The rejected span still works for local timing.
	if third == nil {
		t.Fatal("rejected span should still be returned")
	}
	EndSpan(third, nil)
	if !third.Ended() {
		t.Error("rejected span should still end")
	}
	_ = first
}

func TestWithDirectiveID(t *testing.T) {
	tc := NewTraceContext("exec-1", WithDirectiveID("dir-42"))
	if tc.DirectiveID != "dir-42" {
		t.Errorf("expected directive id dir-42, got %q", tc.DirectiveID)
	}
}
