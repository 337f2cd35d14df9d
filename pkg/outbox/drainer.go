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

package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/config"
	"github.com/jordigilh/kartograf/pkg/metrics"
)

// VectorDeleter applies outbox deletion effects to the vector index.
// Deletion must be idempotent: the claim protocol is at-least-once.
type VectorDeleter interface {
	DeleteVectors(ctx context.Context, collection string, ids []string) error
}

// DLQPublisher receives events discarded after the retry budget. Optional.
type DLQPublisher func(ctx context.Context, e Event) error

// DrainerConfig configures a Drainer.
type DrainerConfig struct {
	Store   Store
	Deleter VectorDeleter
	// MaxRetries is the discard threshold; an event failing its
	// MaxRetries-th attempt is dropped. Defaults to 3.
	MaxRetries int
	// WorkerID enables the claim/lease protocol when non-empty; otherwise
	// ProcessOnce drains LoadPending directly (single-worker mode).
	WorkerID   string
	ClaimLimit int
	Lease      time.Duration
	Interval   time.Duration
	DLQ        DLQPublisher
	Logger     *zap.Logger
	Metrics    *metrics.Outbox
}

// Drainer consumes outbox events and applies deletions downstream with
// bounded retries. Per-event failures never block the rest of the cycle.
// BR-OUTBOX-002: Poison-pill protection via retry budget
type Drainer struct {
	store      Store
	deleter    VectorDeleter
	maxRetries int
	workerID   string
	claimLimit int
	lease      time.Duration
	interval   time.Duration
	dlq        DLQPublisher
	logger     *zap.Logger
	metrics    *metrics.Outbox

	stopOnce sync.Once
	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDrainer validates config and builds a Drainer.
func NewDrainer(cfg DrainerConfig) (*Drainer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Deleter == nil {
		return nil, fmt.Errorf("deleter cannot be nil")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Drainer{
		store:      cfg.Store,
		deleter:    cfg.Deleter,
		maxRetries: cfg.MaxRetries,
		workerID:   cfg.WorkerID,
		claimLimit: cfg.ClaimLimit,
		lease:      cfg.Lease,
		interval:   cfg.Interval,
		dlq:        cfg.DLQ,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// NewDrainerFromConfig applies the deployment gate: a volatile store is
// refused outright in production so the process aborts at startup.
func NewDrainerFromConfig(appCfg *config.Config, cfg DrainerConfig) (*Drainer, error) {
	if appCfg.IsProduction() && (cfg.Store == nil || !cfg.Store.Durable()) {
		return nil, fmt.Errorf("config violation: production requires a durable outbox store")
	}
	return NewDrainer(cfg)
}

// ProcessOnce drains one cycle and returns the number of events applied and
// removed. With no pending events it returns 0 without touching downstream.
func (d *Drainer) ProcessOnce(ctx context.Context) (int, error) {
	var (
		events []Event
		err    error
	)
	if d.workerID != "" {
		events, err = d.store.ClaimPending(ctx, d.workerID, d.claimLimit, d.lease)
	} else {
		events, err = d.store.LoadPending(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load outbox events: %w", err)
	}

	processed := 0
	for _, e := range events {
		if err := d.processEvent(ctx, e); err != nil {
			// Already logged; isolation is per event.
			continue
		}
		processed++
	}
	return processed, nil
}

func (d *Drainer) processEvent(ctx context.Context, e Event) error {
	err := d.apply(ctx, e)
	if err == nil {
		if derr := d.store.DeleteEvent(ctx, e.EventID); derr != nil && !IsNotFound(derr) {
			d.logger.Warn("failed to delete drained outbox event",
				zap.String("event_id", e.EventID),
				zap.Error(derr))
			return derr
		}
		if d.metrics != nil {
			d.metrics.Drained.Inc()
		}
		return nil
	}

	if d.metrics != nil {
		d.metrics.Failures.Inc()
	}
	newCount := e.RetryCount + 1
	if newCount >= d.maxRetries {
		perm := &PermanentError{EventID: e.EventID, RetryCount: newCount, Err: err}
		d.logger.Error("discarding outbox event after retry budget",
			zap.String("event_id", e.EventID),
			zap.String("collection", e.Collection),
			zap.Int("retry_count", newCount),
			zap.Error(err))
		if d.dlq != nil {
			if dlqErr := d.dlq(ctx, e); dlqErr != nil {
				d.logger.Warn("failed to publish discarded event to DLQ",
					zap.String("event_id", e.EventID),
					zap.Error(dlqErr))
			}
		}
		if derr := d.store.DeleteEvent(ctx, e.EventID); derr != nil && !IsNotFound(derr) {
			d.logger.Warn("failed to remove discarded outbox event",
				zap.String("event_id", e.EventID),
				zap.Error(derr))
		}
		if d.metrics != nil {
			d.metrics.Discarded.Inc()
		}
		return perm
	}

	if uerr := d.store.UpdateRetryCount(ctx, e.EventID, newCount); uerr != nil && !IsNotFound(uerr) {
		d.logger.Warn("failed to persist retry count",
			zap.String("event_id", e.EventID),
			zap.Error(uerr))
	}
	d.logger.Warn("outbox event failed downstream, will retry",
		zap.String("event_id", e.EventID),
		zap.Int("retry_count", newCount),
		zap.Error(err))
	return &TransientError{Err: err}
}

// apply executes the downstream effect. PrunedIDs order is the effect order.
func (d *Drainer) apply(ctx context.Context, e Event) error {
	switch e.Operation {
	case OpDelete:
		return d.deleter.DeleteVectors(ctx, e.Collection, e.PrunedIDs)
	case OpUpsert:
		// Upserts flow through the embedding pipeline, not the drainer;
		// an upsert record here is complete once acknowledged.
		return nil
	default:
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
}

// Run drains on an interval and releases expired claims each pass. Stop()
// terminates the loop; Run exits when ctx is cancelled as well.
func (d *Drainer) Run(ctx context.Context) {
	d.started.Store(true)
	defer close(d.doneCh)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if d.workerID != "" {
				if n, err := d.store.ReleaseExpiredClaims(ctx); err != nil {
					d.logger.Warn("failed to release expired claims", zap.Error(err))
				} else if n > 0 {
					if d.metrics != nil {
						d.metrics.Releases.Add(float64(n))
					}
					d.logger.Info("released expired outbox claims", zap.Int("count", n))
				}
			}
			if _, err := d.ProcessOnce(ctx); err != nil {
				d.logger.Warn("outbox drain cycle failed", zap.Error(err))
			}
			if d.metrics != nil {
				if pending, err := d.store.LoadPending(ctx); err == nil {
					d.metrics.Pending.Set(float64(len(pending)))
				}
			}
		}
	}
}

// Stop terminates Run. Safe to call more than once, and safe when Run was
// never started.
func (d *Drainer) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	if d.started.Load() {
		<-d.doneCh
	}
}
