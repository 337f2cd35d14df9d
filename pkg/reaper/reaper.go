/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package reaper physically removes expired tombstoned edges on a timer.
// Batch sizes adapt: a full batch doubles the next one up to a cap, a
// short batch ends the cycle.
// BR-REAP-001: Adaptive tombstone reclamation
package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/graph"
	"github.com/jordigilh/kartograf/pkg/metrics"
)

// Config tunes the reaper. Zero values take the platform defaults.
type Config struct {
	TTLDays      int
	BatchSize    int
	MaxBatchSize int
	Interval     time.Duration
	// TenantID scopes reaping to one tenant; empty reaps all.
	TenantID string
}

func (c *Config) applyDefaults() {
	if c.TTLDays <= 0 {
		c.TTLDays = 7
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 2000
	}
	if c.MaxBatchSize < c.BatchSize {
		c.MaxBatchSize = c.BatchSize
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
}

// CycleResult summarizes one reap cycle.
type CycleResult struct {
	Reaped             int
	Pending            int
	LastEffectiveBatch int
}

// Reaper runs reap cycles until stopped. Stop is idempotent.
type Reaper struct {
	cfg     Config
	repo    graph.Repository
	metrics *metrics.Reaper
	logger  *zap.Logger
	clock   func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds a reaper over the graph repository.
func New(cfg Config, repo graph.Repository, m *metrics.Reaper, logger *zap.Logger) (*Reaper, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Reaper{
		cfg:     cfg,
		repo:    repo,
		metrics: m,
		logger:  logger,
		clock:   time.Now,
		done:    make(chan struct{}),
	}, nil
}

// WithClock injects a wall clock for cutoff math. Test use.
func (r *Reaper) WithClock(clock func() time.Time) *Reaper {
	r.clock = clock
	return r
}

// Start launches the periodic loop. Calling it twice is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		go r.loop(runCtx)
	})
}

// Stop halts the loop and waits for an in-flight cycle to finish. Safe to
// call twice, and safe before Start.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel == nil {
			close(r.done)
			return
		}
		r.cancel()
		<-r.done
	})
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunCycle(ctx); err != nil {
				// The next interval retries; one bad cycle must not
				// kill the loop.
				r.logger.Error("reap cycle failed", zap.Error(err))
				if r.metrics != nil {
					r.metrics.CycleErrors.Inc()
				}
			}
		}
	}
}

// RunCycle executes one adaptive reap pass. Cutoff uses the wall clock:
// tombstone timestamps are user-visible audit data.
func (r *Reaper) RunCycle(ctx context.Context) (CycleResult, error) {
	cutoff := r.clock().UTC().AddDate(0, 0, -r.cfg.TTLDays)
	batch := r.cfg.BatchSize
	res := CycleResult{LastEffectiveBatch: batch}

	for {
		n, err := r.repo.ReapTombstoneBatch(ctx, batch, cutoff, r.cfg.TenantID)
		if err != nil {
			return res, fmt.Errorf("reaping batch of %d: %w", batch, err)
		}
		res.Reaped += n
		res.LastEffectiveBatch = batch
		if n < batch {
			break
		}
		if batch < r.cfg.MaxBatchSize {
			batch *= 2
			if batch > r.cfg.MaxBatchSize {
				batch = r.cfg.MaxBatchSize
			}
			res.LastEffectiveBatch = batch
		}
	}

	pending, err := r.repo.CountPendingTombstones(ctx, cutoff, r.cfg.TenantID)
	if err != nil {
		return res, fmt.Errorf("counting pending tombstones: %w", err)
	}
	res.Pending = pending

	if r.metrics != nil {
		r.metrics.ReapedTotal.Add(float64(res.Reaped))
		r.metrics.Pending.Set(float64(res.Pending))
		r.metrics.LastEffectiveBatch.Set(float64(res.LastEffectiveBatch))
	}
	if res.Reaped > 0 {
		r.logger.Info("reap cycle finished",
			zap.Int("reaped", res.Reaped),
			zap.Int("pending", res.Pending),
			zap.Int("last_effective_batch", res.LastEffectiveBatch))
	}
	return res, nil
}
