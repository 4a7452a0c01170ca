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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/spanwatch/internal/analysis"
)

func newAnalyzeCommand(root *rootOptions) *cobra.Command {
	var dryRun bool
	var rowCap int

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one bottleneck analysis pass now",
		Long: `Analyze scans the stored trace history against the configured
thresholds and prints the findings. With --dry-run no improvement items
are created.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.open()
			if err != nil {
				return err
			}
			defer app.close()

			opts := analysis.Options{
				Logger:          app.logger,
				Cache:           analysis.NewThresholdCache(app.cfg.Analysis.ThresholdCacheTTL()),
				Recorder:        app.metrics,
				RowCap:          app.cfg.Analysis.RowCap,
				SkipRemediation: dryRun,
			}
			if rowCap > 0 {
				opts.RowCap = rowCap
			}

			result := analysis.AnalyzeBottlenecks(cmd.Context(), app.store, opts)
			encoded, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Detect bottlenecks without creating improvement items")
	cmd.Flags().IntVar(&rowCap, "row-cap", 0, "Override the trace row scan cap")
	return cmd
}
