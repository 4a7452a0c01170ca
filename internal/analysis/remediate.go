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

package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tombee/spanwatch/internal/tracing/redact"
)

// DedupKey returns the deterministic identity of a finding for duplicate
// suppression across runs.
func DedupKey(dimensionType, dimensionKey string) string {
	return SourceTypeTelemetry + ":" + dimensionType + ":" + dimensionKey
}

// descriptionFragment is the substring embedded in every improvement
// description and later used for the open-item dedup search. The write
// format and the search format must stay in lockstep.
func descriptionFragment(dimensionType, dimensionKey string) string {
	return dimensionType + ":" + dimensionKey
}

// applyRemediationGate converts ranked findings into improvement-queue
// records, subject to the per-run cap, the rolling per-day cap, and
// cooldown-based duplicate suppression. The loop keeps scanning after the
// cap is reached so skip counts stay exact, and a single failed insert or
// dedup check never aborts the remaining findings.
func applyRemediationGate(ctx context.Context, store Store, res *Result, thresholds ThresholdMap, now time.Time, logger *slog.Logger) {
	if len(res.Bottlenecks) == 0 {
		return
	}
	global := thresholds.Resolve(DimensionGlobal, "")

	createdToday, err := store.CountImprovementsSince(ctx, SourceTypeTelemetry, now.Add(-24*time.Hour))
	if err != nil {
		res.Errors = append(res.Errors, "db_connection_error: "+redact.ScrubError(err))
		return
	}
	dailyRemaining := global.MaxPerDay - createdToday
	if dailyRemaining < 0 {
		dailyRemaining = 0
	}
	runLimit := global.MaxPerRun
	if dailyRemaining < runLimit {
		runLimit = dailyRemaining
	}

	for i := range res.Bottlenecks {
		finding := &res.Bottlenecks[i]
		if res.ItemsCreated >= runLimit {
			res.ItemsSkippedRateLimit++
			continue
		}

		th := thresholds.Resolve(finding.DimensionType, finding.DimensionKey)
		key := DedupKey(finding.DimensionType, finding.DimensionKey)
		fragment := descriptionFragment(finding.DimensionType, finding.DimensionKey)

		open, err := store.HasOpenImprovementMatching(ctx, fragment)
		if err != nil {
			res.Errors = append(res.Errors, "dedup_check_error: "+redact.ScrubError(err))
			continue
		}
		cooldownStart := now.Add(-time.Duration(th.CooldownHours) * time.Hour)
		recent, err := store.HasImprovementWithKeySince(ctx, key, cooldownStart)
		if err != nil {
			res.Errors = append(res.Errors, "dedup_check_error: "+redact.ScrubError(err))
			continue
		}
		if open || recent {
			res.ItemsSkippedDedupe++
			continue
		}

		item := &Improvement{
			SourceType:      SourceTypeTelemetry,
			ImprovementType: ImprovementTypeBottleneck,
			Description:     improvementDescription(finding),
			Payload:         improvementPayload(finding, res, key),
			DedupKey:        key,
			Status:          ImprovementStatusPending,
			AutoApplicable:  false,
			RiskTier:        ImprovementRiskTierGoverned,
			CreatedAt:       now,
		}
		if err := store.InsertImprovement(ctx, item); err != nil {
			res.Errors = append(res.Errors, "improvement_insert_error: "+redact.ScrubError(err))
			continue
		}
		finding.ImprovementID = strconv.FormatInt(item.ID, 10)
		res.ItemsCreated++

		logger.Info("improvement item created",
			"dimension_type", finding.DimensionType,
			"dimension_key", finding.DimensionKey,
			"ratio", finding.Ratio,
			"improvement_id", finding.ImprovementID)
	}
}

// improvementDescription renders the free-text description. It embeds the
// descriptionFragment used by the open-item dedup search.
func improvementDescription(f *Finding) string {
	return fmt.Sprintf("Performance bottleneck in %s: p50 %.0fms vs baseline %.0fms (%.1fx over %d samples)",
		descriptionFragment(f.DimensionType, f.DimensionKey),
		f.ObservedP50MS, f.BaselineP50MS, f.Ratio, f.SampleCount)
}

// improvementPayload carries the finding metrics, evidence, analysis
// window bounds, and dedup key for downstream consumers.
func improvementPayload(f *Finding, res *Result, dedupKey string) map[string]any {
	return map[string]any{
		"dimension_type":     f.DimensionType,
		"dimension_key":      f.DimensionKey,
		"baseline_p50_ms":    f.BaselineP50MS,
		"observed_p50_ms":    f.ObservedP50MS,
		"ratio":              f.Ratio,
		"sample_count":       f.SampleCount,
		"exceedance_count":   f.ExceedanceCount,
		"evidence_trace_ids": f.EvidenceTraceIDs,
		"baseline_start":     res.BaselineStart.UTC().Format(time.RFC3339),
		"lookback_start":     res.LookbackStart.UTC().Format(time.RFC3339),
		"analyzed_at":        res.AnalyzedAt.UTC().Format(time.RFC3339),
		"dedup_key":          dedupKey,
	}
}
