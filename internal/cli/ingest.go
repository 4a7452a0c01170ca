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

package cli

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tombee/spanwatch/internal/log"
	"github.com/tombee/spanwatch/internal/tracing"
	"github.com/tombee/spanwatch/pkg/telemetry"
)

// demoPhases and demoGates shape the synthetic workload.
var (
	demoPhases    = []string{"plan", "implement", "review", "finalize"}
	demoGates     = []string{"lint", "tests", "security_scan"}
	demoSubagents = []string{"researcher", "coder"}
)

func newIngestCommand(root *rootOptions) *cobra.Command {
	var traces int
	var slowPhase string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Generate and persist synthetic workflow traces",
		Long: `Ingest simulates a workflow engine driving the tracer: each trace
opens a workflow span with nested phase, gate, and subagent spans, then
persists the context. Useful for exercising analysis locally; --slow-phase
inflates one phase to provoke a finding.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.open()
			if err != nil {
				return err
			}
			defer app.close()

			// One retention pass runs on start, so repeated ingests keep
			// the span table bounded.
			retention := tracing.NewRetentionManager(app.store,
				app.cfg.Storage.Retention(), time.Hour,
				log.WithComponent(app.logger, "retention"))
			retention.Start()
			defer retention.Stop()

			persister := tracing.NewPersister(app.store, tracing.PersisterConfig{
				Enabled:   app.cfg.Tracing.Enabled,
				BatchSize: app.cfg.Tracing.BatchSize,
				Logger:    log.WithComponent(app.logger, "persister"),
				Metrics:   app.metrics,
			})

			var persisted, dropped int
			for i := 0; i < traces; i++ {
				tc := simulateTrace(app.cfg.Tracing.MaxBufferedSpans, slowPhase)
				result := persister.PersistContext(cmd.Context(), tc)
				persisted += result.Persisted
				dropped += result.Dropped
			}
			fmt.Fprintf(cmd.OutOrStdout(), "persisted=%d dropped=%d\n", persisted, dropped)
			return nil
		},
	}

	cmd.Flags().IntVar(&traces, "traces", 10, "Number of traces to generate")
	cmd.Flags().StringVar(&slowPhase, "slow-phase", "", "Phase whose duration is inflated")
	return cmd
}

// simulateTrace builds one synthetic workflow execution.
func simulateTrace(maxSpans int, slowPhase string) *telemetry.TraceContext {
	tc := telemetry.NewTraceContext(uuid.New().String(), telemetry.WithMaxSpans(maxSpans))
	workflow := telemetry.StartSpan(tc, "workflow", telemetry.SpanTypeWorkflow, nil, nil)

	for _, phase := range demoPhases {
		span := telemetry.StartSpan(tc, phase, telemetry.SpanTypePhase,
			map[string]any{"phase": phase}, workflow)
		sleepFor(phase == slowPhase)

		if phase == "review" {
			for _, gate := range demoGates {
				gateSpan := telemetry.StartSpan(tc, gate, telemetry.SpanTypeGate,
					map[string]any{"gate_name": gate}, span)
				sleepFor(false)
				telemetry.EndSpan(gateSpan, nil)
			}
		}
		if phase == "implement" {
			name := demoSubagents[rand.Intn(len(demoSubagents))]
			sub := telemetry.StartSpan(tc, name, telemetry.SpanTypeSubagent,
				map[string]any{"subagent_name": name}, span)
			sleepFor(false)
			telemetry.EndSpan(sub, nil)
		}

		telemetry.EndSpan(span, nil)
	}

	telemetry.EndSpan(workflow, nil)
	return tc
}

// sleepFor adds a small jittered delay so durations are non-zero.
func sleepFor(slow bool) {
	base := time.Duration(1+rand.Intn(4)) * time.Millisecond
	if slow {
		base += 20 * time.Millisecond
	}
	time.Sleep(base)
}
