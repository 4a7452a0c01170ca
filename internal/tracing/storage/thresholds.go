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

package storage

import (
	"context"
	"fmt"

	"github.com/tombee/spanwatch/internal/analysis"
)

// ThresholdRows loads all configured detection thresholds.
func (s *SQLiteStore) ThresholdRows(ctx context.Context) ([]analysis.Threshold, error) {
	query := `
		SELECT dimension_type, dimension_key, threshold_ratio, min_samples,
			baseline_window_days, lookback_window_days,
			max_per_run, max_per_day, cooldown_hours, enable_auto_create
		FROM threshold_config
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query thresholds: %w", err)
	}
	defer rows.Close()

	var out []analysis.Threshold
	for rows.Next() {
		var t analysis.Threshold
		var autoCreate int
		if err := rows.Scan(&t.DimensionType, &t.DimensionKey, &t.ThresholdRatio, &t.MinSamples,
			&t.BaselineWindowDays, &t.LookbackWindowDays,
			&t.MaxPerRun, &t.MaxPerDay, &t.CooldownHours, &autoCreate); err != nil {
			return nil, fmt.Errorf("failed to scan threshold: %w", err)
		}
		t.EnableAutoCreate = autoCreate != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertThreshold inserts or replaces one threshold row.
func (s *SQLiteStore) UpsertThreshold(ctx context.Context, t analysis.Threshold) error {
	query := `
		INSERT INTO threshold_config (dimension_type, dimension_key, threshold_ratio,
			min_samples, baseline_window_days, lookback_window_days,
			max_per_run, max_per_day, cooldown_hours, enable_auto_create)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dimension_type, dimension_key) DO UPDATE SET
			threshold_ratio = excluded.threshold_ratio,
			min_samples = excluded.min_samples,
			baseline_window_days = excluded.baseline_window_days,
			lookback_window_days = excluded.lookback_window_days,
			max_per_run = excluded.max_per_run,
			max_per_day = excluded.max_per_day,
			cooldown_hours = excluded.cooldown_hours,
			enable_auto_create = excluded.enable_auto_create
	`
	autoCreate := 0
	if t.EnableAutoCreate {
		autoCreate = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		t.DimensionType, t.DimensionKey, t.ThresholdRatio,
		t.MinSamples, t.BaselineWindowDays, t.LookbackWindowDays,
		t.MaxPerRun, t.MaxPerDay, t.CooldownHours, autoCreate)
	if err != nil {
		return fmt.Errorf("failed to upsert threshold: %w", err)
	}
	return nil
}
