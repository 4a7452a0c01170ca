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
	"sync"
	"time"
)

// DefaultThresholds returns the hard-coded global fallback used when the
// store has no configuration or is unreachable.
func DefaultThresholds() Threshold {
	return Threshold{
		DimensionType:      DimensionGlobal,
		ThresholdRatio:     3.0,
		MinSamples:         3,
		BaselineWindowDays: 7,
		LookbackWindowDays: 1,
		MaxPerRun:          3,
		MaxPerDay:          10,
		CooldownHours:      24,
		EnableAutoCreate:   true,
	}
}

// ThresholdMap holds loaded threshold rows keyed "{type}:{key}" for
// dimension-specific rows and bare "{type}" for type-level defaults. A
// "global" entry is always present.
type ThresholdMap map[string]Threshold

// Resolve returns the most specific configuration for a dimension:
// the exact (type, key) row, then the type-level default, then global.
func (m ThresholdMap) Resolve(dimensionType, dimensionKey string) Threshold {
	if dimensionKey != "" {
		if t, ok := m[dimensionType+":"+dimensionKey]; ok {
			return t
		}
	}
	if t, ok := m[dimensionType]; ok {
		return t
	}
	if t, ok := m[DimensionGlobal]; ok {
		return t
	}
	return DefaultThresholds()
}

// ThresholdCache is an injectable cache for threshold rows so repeated
// analysis runs do not re-read configuration. A zero TTL disables reuse.
// Callers own the instance; there is no package-level shared state.
type ThresholdCache struct {
	TTL time.Duration

	mu       sync.Mutex
	loaded   ThresholdMap
	loadedAt time.Time
}

// NewThresholdCache creates a cache with the given TTL.
func NewThresholdCache(ttl time.Duration) *ThresholdCache {
	return &ThresholdCache{TTL: ttl}
}

// get returns the cached map if it is still fresh.
func (c *ThresholdCache) get(now time.Time) (ThresholdMap, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded == nil || c.TTL <= 0 || now.Sub(c.loadedAt) > c.TTL {
		return nil, false
	}
	return c.loaded, true
}

// put stores a freshly loaded map.
func (c *ThresholdCache) put(m ThresholdMap, now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = m
	c.loadedAt = now
}

// LoadThresholds loads all configured threshold rows from the store,
// keyed for Resolve, guaranteeing a global entry. A store error degrades
// to the hard-coded defaults rather than failing the caller.
func LoadThresholds(ctx context.Context, store Store, cache *ThresholdCache) ThresholdMap {
	now := time.Now()
	if m, ok := cache.get(now); ok {
		return m
	}

	m := ThresholdMap{}
	rows, err := store.ThresholdRows(ctx)
	if err == nil {
		for _, row := range rows {
			key := row.DimensionType
			if row.DimensionKey != "" {
				key = row.DimensionType + ":" + row.DimensionKey
			}
			m[key] = row
		}
	}
	if _, ok := m[DimensionGlobal]; !ok {
		m[DimensionGlobal] = DefaultThresholds()
	}

	cache.put(m, now)
	return m
}
