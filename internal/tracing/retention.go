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

package tracing

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/tombee/spanwatch/internal/tracing/redact"
)

// SpanDeleter is the storage half of the retention sweeper.
type SpanDeleter interface {
	DeleteSpansBefore(ctx context.Context, before time.Time) (int64, error)
}

// RetentionManager deletes span rows older than the retention age so the
// baseline window's working set stays bounded.
type RetentionManager struct {
	store           SpanDeleter
	maxAge          time.Duration
	cleanupInterval time.Duration
	logger          *slog.Logger
	stopCh          chan struct{}
	doneCh          chan struct{}
}

// NewRetentionManager creates a retention manager. maxAge defaults to
// 14 days (twice the default baseline window) and cleanupInterval to one
// hour.
func NewRetentionManager(store SpanDeleter, maxAge, cleanupInterval time.Duration, logger *slog.Logger) *RetentionManager {
	if maxAge == 0 {
		maxAge = 14 * 24 * time.Hour
	}
	if cleanupInterval == 0 {
		cleanupInterval = time.Hour
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RetentionManager{
		store:           store,
		maxAge:          maxAge,
		cleanupInterval: cleanupInterval,
		logger:          logger,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine and returns
// immediately.
func (r *RetentionManager) Start() {
	go r.run()
}

// Stop stops the manager, waiting for any in-progress cleanup.
func (r *RetentionManager) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *RetentionManager) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	r.cleanup()
	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCh:
			return
		}
	}
}

func (r *RetentionManager) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-r.maxAge)
	deleted, err := r.store.DeleteSpansBefore(ctx, cutoff)
	if err != nil {
		r.logger.Warn("span retention cleanup failed",
			"error", redact.ScrubError(err))
		return
	}
	if deleted > 0 {
		r.logger.Info("span retention cleanup complete",
			"deleted", deleted,
			"cutoff", cutoff.Format(time.RFC3339))
	}
}
