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

	"github.com/spf13/cobra"

	"github.com/tombee/spanwatch/internal/analysis"
)

func newTriggerCommand(root *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger an analysis run if the last one is stale",
		Long: `Trigger checks whether a sufficiently recent successful analysis
exists and enqueues a new run when it does not. The run executes before
the command returns. With --force the staleness check is skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.open()
			if err != nil {
				return err
			}
			defer app.close()

			opts := analysis.TriggerOptions{
				ScopeType:     app.cfg.Analysis.ScopeType,
				ScopeID:       app.cfg.Analysis.ScopeID,
				StalenessDays: app.cfg.Analysis.StalenessDays,
				DedupWindow:   app.cfg.Analysis.DedupWindow(),
				Timeout:       app.cfg.Analysis.Timeout(),
				MaxAgeDays:    app.cfg.Analysis.MaxAgeDays,
				Wait:          true,
				Analysis: analysis.Options{
					Logger:   app.logger,
					Cache:    analysis.NewThresholdCache(app.cfg.Analysis.ThresholdCacheTTL()),
					Recorder: app.metrics,
					RowCap:   app.cfg.Analysis.RowCap,
				},
			}

			if force {
				result := analysis.EnqueueAnalysis(cmd.Context(), app.store, opts)
				fmt.Fprintf(cmd.OutOrStdout(), "decision=%s run_id=%s\n", result.Decision, result.RunID)
				return nil
			}

			result := analysis.TriggerIfStale(cmd.Context(), app.store, opts)
			fmt.Fprintf(cmd.OutOrStdout(), "decision=%s correlation_id=%s duration_ms=%d\n",
				result.Decision, result.CorrelationID, result.DurationMS)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Enqueue a run regardless of staleness")
	return cmd
}
