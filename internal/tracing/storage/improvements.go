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
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/spanwatch/internal/analysis"
)

// openImprovementStatuses are the statuses counted as "open" by the
// description-matching dedup check.
var openImprovementStatuses = []any{"PENDING", "IN_PROGRESS"}

// InsertImprovement writes a new improvement item and sets its ID.
func (s *SQLiteStore) InsertImprovement(ctx context.Context, item *analysis.Improvement) error {
	var payloadJSON []byte
	if item.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(item.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	autoApplicable := 0
	if item.AutoApplicable {
		autoApplicable = 1
	}

	query := `
		INSERT INTO improvement_queue (source_type, improvement_type, description,
			payload, dedup_key, status, auto_applicable, risk_tier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		item.SourceType, item.ImprovementType, item.Description,
		payloadJSON, item.DedupKey, item.Status, autoApplicable, item.RiskTier,
		createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert improvement: %w", err)
	}
	item.ID, _ = result.LastInsertId()
	return nil
}

// CountImprovementsSince counts items with the given source type created
// at or after since. Used for the rolling per-day rate limit.
func (s *SQLiteStore) CountImprovementsSince(ctx context.Context, sourceType string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM improvement_queue WHERE source_type = ? AND created_at >= ?",
		sourceType, since.UnixMilli()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count improvements: %w", err)
	}
	return count, nil
}

// HasOpenImprovementMatching reports whether an open item's description
// contains the fragment. The fragment is the dimension "{type}:{key}"
// embedded by the remediation gate's write format.
func (s *SQLiteStore) HasOpenImprovementMatching(ctx context.Context, fragment string) (bool, error) {
	args := append([]any{}, openImprovementStatuses...)
	args = append(args, "%"+fragment+"%")
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM improvement_queue WHERE status IN (?, ?) AND description LIKE ?)",
		args...).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check open improvements: %w", err)
	}
	return exists != 0, nil
}

// HasImprovementWithKeySince reports whether any item, open or closed,
// with the dedup key was created at or after since. Used for cooldown
// suppression.
func (s *SQLiteStore) HasImprovementWithKeySince(ctx context.Context, dedupKey string, since time.Time) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM improvement_queue WHERE dedup_key = ? AND created_at >= ?)",
		dedupKey, since.UnixMilli()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check improvement cooldown: %w", err)
	}
	return exists != 0, nil
}
