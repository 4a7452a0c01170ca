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

// Package config loads spanwatch configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Analysis AnalysisConfig `yaml:"analysis"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the output format (json, text).
	Format string `yaml:"format"`
}

// StorageConfig controls the SQLite store.
type StorageConfig struct {
	// Path is the SQLite database path. Special value ":memory:"
	// creates an in-memory database.
	Path string `yaml:"path"`

	// MaxOpenConns sets the connection pool size.
	MaxOpenConns int `yaml:"max_open_conns"`

	// RetentionDays is how long span rows are kept.
	RetentionDays int `yaml:"retention_days"`
}

// TracingConfig controls span collection and persistence.
type TracingConfig struct {
	// Enabled gates persistence; spans are counted as dropped when off.
	Enabled bool `yaml:"enabled"`

	// BatchSize is the number of spans per bulk write.
	BatchSize int `yaml:"batch_size"`

	// MaxBufferedSpans bounds each trace context's span buffer.
	MaxBufferedSpans int `yaml:"max_buffered_spans"`
}

// AnalysisConfig controls the bottleneck analysis trigger.
type AnalysisConfig struct {
	// ScopeType and ScopeID identify what analysis runs cover.
	ScopeType string `yaml:"scope_type"`
	ScopeID   string `yaml:"scope_id"`

	// StalenessDays is how old the last successful run may be before a
	// new one is triggered.
	StalenessDays int `yaml:"staleness_days"`

	// DedupWindowMinutes suppresses duplicate enqueues of the same scope.
	DedupWindowMinutes int `yaml:"dedup_window_minutes"`

	// TimeoutSeconds bounds one analysis run's execution.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxAgeDays bounds how old returned findings may be.
	MaxAgeDays int `yaml:"max_age_days"`

	// RowCap bounds how many trace rows one run scans.
	RowCap int `yaml:"row_cap"`

	// ThresholdCacheTTLMinutes is how long loaded threshold rows are
	// reused between runs.
	ThresholdCacheTTLMinutes int `yaml:"threshold_cache_ttl_minutes"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Path:          "spanwatch.db",
			MaxOpenConns:  5,
			RetentionDays: 14,
		},
		Tracing: TracingConfig{
			Enabled:          true,
			BatchSize:        200,
			MaxBufferedSpans: 1000,
		},
		Analysis: AnalysisConfig{
			ScopeType:                "workspace",
			ScopeID:                  "default",
			StalenessDays:            7,
			DedupWindowMinutes:       10,
			TimeoutSeconds:           120,
			MaxAgeDays:               7,
			RowCap:                   50000,
			ThresholdCacheTTLMinutes: 10,
		},
	}
}

// Load reads a YAML config file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Tracing.BatchSize < 0 {
		return fmt.Errorf("tracing.batch_size must not be negative")
	}
	if c.Analysis.StalenessDays < 0 {
		return fmt.Errorf("analysis.staleness_days must not be negative")
	}
	if c.Analysis.TimeoutSeconds < 0 {
		return fmt.Errorf("analysis.timeout_seconds must not be negative")
	}
	return nil
}

// DedupWindow returns the duplicate-run suppression window.
func (c *AnalysisConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMinutes) * time.Minute
}

// Timeout returns the analysis run timeout.
func (c *AnalysisConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ThresholdCacheTTL returns the threshold cache lifetime.
func (c *AnalysisConfig) ThresholdCacheTTL() time.Duration {
	return time.Duration(c.ThresholdCacheTTLMinutes) * time.Minute
}

// Retention returns the span retention age.
func (c *StorageConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
