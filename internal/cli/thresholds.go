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

func newThresholdsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Inspect and edit detection thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.open()
			if err != nil {
				return err
			}
			defer app.close()

			thresholds := analysis.LoadThresholds(cmd.Context(), app.store, nil)
			for key, t := range thresholds {
				fmt.Fprintf(cmd.OutOrStdout(),
					"%-24s ratio=%.1f min_samples=%d baseline=%dd lookback=%dd max_per_run=%d max_per_day=%d cooldown=%dh auto_create=%v\n",
					key, t.ThresholdRatio, t.MinSamples,
					t.BaselineWindowDays, t.LookbackWindowDays,
					t.MaxPerRun, t.MaxPerDay, t.CooldownHours, t.EnableAutoCreate)
			}
			return nil
		},
	}

	cmd.AddCommand(newThresholdsSetCommand(root))
	return cmd
}

func newThresholdsSetCommand(root *rootOptions) *cobra.Command {
	t := analysis.DefaultThresholds()
	var dimensionType, dimensionKey string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Insert or update one threshold row",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dimensionType == "" {
				return fmt.Errorf("--type is required")
			}
			app, err := root.open()
			if err != nil {
				return err
			}
			defer app.close()

			t.DimensionType = dimensionType
			t.DimensionKey = dimensionKey
			if err := app.store.UpsertThreshold(cmd.Context(), t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "threshold for %s:%s updated\n", dimensionType, dimensionKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&dimensionType, "type", "", "Dimension type (phase, gate, subagent, global)")
	cmd.Flags().StringVar(&dimensionKey, "key", "", "Dimension key; empty sets the type-level default")
	cmd.Flags().Float64Var(&t.ThresholdRatio, "ratio", t.ThresholdRatio, "Median ratio threshold")
	cmd.Flags().IntVar(&t.MinSamples, "min-samples", t.MinSamples, "Minimum exceedance count")
	cmd.Flags().IntVar(&t.BaselineWindowDays, "baseline-days", t.BaselineWindowDays, "Baseline window in days")
	cmd.Flags().IntVar(&t.LookbackWindowDays, "lookback-days", t.LookbackWindowDays, "Lookback window in days")
	cmd.Flags().IntVar(&t.MaxPerRun, "max-per-run", t.MaxPerRun, "Improvement items per run")
	cmd.Flags().IntVar(&t.MaxPerDay, "max-per-day", t.MaxPerDay, "Improvement items per rolling day")
	cmd.Flags().IntVar(&t.CooldownHours, "cooldown-hours", t.CooldownHours, "Per-dimension cooldown in hours")
	cmd.Flags().BoolVar(&t.EnableAutoCreate, "auto-create", t.EnableAutoCreate, "Create improvement items automatically")
	return cmd
}
