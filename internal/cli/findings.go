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
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/spanwatch/internal/analysis"
)

func newFindingsCommand(root *rootOptions) *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "findings",
		Short: "Show the latest bottleneck findings",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.open()
			if err != nil {
				return err
			}
			defer app.close()
			out := cmd.OutOrStdout()

			opts := analysis.TriggerOptions{
				ScopeType:  app.cfg.Analysis.ScopeType,
				ScopeID:    app.cfg.Analysis.ScopeID,
				MaxAgeDays: app.cfg.Analysis.MaxAgeDays,
				Analysis:   analysis.Options{Logger: app.logger},
			}

			if history > 0 {
				runs, err := app.store.ListRuns(cmd.Context(), opts.ScopeType, opts.ScopeID, history)
				if err != nil {
					return fmt.Errorf("failed to list runs: %w", err)
				}
				for _, run := range runs {
					fmt.Fprintf(out, "%s  %-10s findings=%d duration_ms=%d %s\n",
						run.TriggeredAt.Format(time.RFC3339), run.Status,
						run.FindingsCount, run.DurationMS, run.ReasonCode)
				}
				return nil
			}

			result := analysis.GetLatestFindings(cmd.Context(), app.store, opts)
			if result.ActiveRun != nil {
				fmt.Fprintf(out, "active run: %s (%s)\n", result.ActiveRun.RunID, result.ActiveRun.Status)
			}
			if !result.HasFreshFindings {
				fmt.Fprintln(out, "no fresh findings")
				return nil
			}

			fmt.Fprintf(out, "run %s finished %.1f days ago, %d finding(s)\n",
				result.Run.RunID, result.AgeInDays, result.Run.FindingsCount)
			decoded, err := analysis.DecodeRunOutput(result.Run)
			if err != nil {
				return nil
			}
			for _, f := range decoded.Bottlenecks {
				fmt.Fprintf(out, "  %s:%s  p50 %.0fms vs baseline %.0fms (%.2fx, %d exceedances)\n",
					f.DimensionType, f.DimensionKey,
					f.ObservedP50MS, f.BaselineP50MS, f.Ratio, f.ExceedanceCount)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&history, "history", 0, "List the last N analysis runs instead")
	return cmd
}
