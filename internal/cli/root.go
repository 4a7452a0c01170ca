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

// Package cli provides the spanwatch command-line interface.
package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/tombee/spanwatch/internal/config"
	"github.com/tombee/spanwatch/internal/log"
	"github.com/tombee/spanwatch/internal/tracing"
	"github.com/tombee/spanwatch/internal/tracing/storage"
)

// rootOptions holds the persistent flag values shared by all commands.
type rootOptions struct {
	configPath  string
	dbPath      string
	logLevel    string
	logFormat   string
	metricsAddr string
}

// NewRootCommand creates the root cobra command for spanwatch.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "spanwatch",
		Short: "spanwatch - workflow trace collection and bottleneck analysis",
		Long: `spanwatch records spans emitted by a workflow engine, mines the
accumulated trace history for per-dimension performance regressions, and
files remediation work items for significant ones.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format (json, text)")
	cmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	cmd.AddCommand(newIngestCommand(opts))
	cmd.AddCommand(newAnalyzeCommand(opts))
	cmd.AddCommand(newTriggerCommand(opts))
	cmd.AddCommand(newFindingsCommand(opts))
	cmd.AddCommand(newThresholdsCommand(opts))
	return cmd
}

// app bundles the wired subsystems a command runs against.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *storage.SQLiteStore
	metrics *tracing.MetricsCollector
}

// open loads configuration, builds the logger, opens the store, and wires
// the metrics pipeline.
func (o *rootOptions) open() (*app, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dbPath != "" {
		cfg.Storage.Path = o.dbPath
	}

	logCfg := log.FromEnv()
	if o.logLevel != "" {
		logCfg.Level = o.logLevel
	} else if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	if o.logFormat != "" {
		logCfg.Format = log.Format(o.logFormat)
	} else if cfg.Logging.Format != "" {
		logCfg.Format = log.Format(cfg.Logging.Format)
	}
	logger := log.New(logCfg)

	store, err := storage.New(storage.Config{
		Path:         cfg.Storage.Path,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	exporter, err := otelprom.New()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	metrics, err := tracing.NewMetricsCollector(provider)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	if o.metricsAddr != "" {
		server := &http.Server{
			Addr:              o.metricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", "error", err.Error())
			}
		}()
	}

	return &app{cfg: cfg, logger: logger, store: store, metrics: metrics}, nil
}

// close releases the app's resources.
func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}
