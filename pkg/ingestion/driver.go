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

package ingestion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jordigilh/kartograf/pkg/metrics"
)

// Request describes one ingestion run.
type Request struct {
	ThreadID     string
	TenantID     string
	Repository   string
	Files        []SourceFile
	CheckpointID string // resume an earlier checkpoint when set
}

// RunResult summarizes a finished run.
type RunResult struct {
	CheckpointID string
	Extracted    int
	Failed       int
	Skipped      int
	State        *State
}

// DriverConfig wires the driver's collaborators.
type DriverConfig struct {
	Stages       []Stage
	Checkpointer Checkpointer
	Status       *StatusStore
	Dedup        DedupStore
	Blobs        BlobStore
	MaxInflight  int
	Metrics      *metrics.Pipeline
	Logger       *zap.Logger
}

// Driver runs the staged pipeline for one repository at a time per call,
// bounding concurrent ingestions with a weighted semaphore.
type Driver struct {
	stages       []Stage
	checkpointer Checkpointer
	status       *StatusStore
	dedup        DedupStore
	blobs        BlobStore
	sem          *semaphore.Weighted
	metrics      *metrics.Pipeline
	logger       *zap.Logger
}

// NewDriver validates the wiring and builds a driver.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if len(cfg.Stages) == 0 {
		return nil, fmt.Errorf("driver needs at least one stage")
	}
	if cfg.Checkpointer == nil {
		return nil, fmt.Errorf("checkpointer cannot be nil")
	}
	if cfg.Status == nil {
		cfg.Status = NewStatusStore()
	}
	if cfg.Dedup == nil {
		cfg.Dedup = NoopDedupStore{}
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Driver{
		stages:       cfg.Stages,
		checkpointer: cfg.Checkpointer,
		status:       cfg.Status,
		dedup:        cfg.Dedup,
		blobs:        cfg.Blobs,
		sem:          semaphore.NewWeighted(int64(cfg.MaxInflight)),
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}, nil
}

// Status returns the driver's thread registry.
func (d *Driver) Status() *StatusStore { return d.status }

// Run drives one repository through the stages, updating checkpoint and
// thread status as it goes.
func (d *Driver) Run(ctx context.Context, req Request) (RunResult, error) {
	if req.ThreadID == "" || req.TenantID == "" || req.Repository == "" {
		return RunResult{}, fmt.Errorf("thread id, tenant id and repository are required")
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return RunResult{}, fmt.Errorf("waiting for ingestion slot: %w", err)
	}
	defer d.sem.Release(1)

	if _, err := d.status.Begin(req.ThreadID, len(req.Files)); err != nil {
		return RunResult{}, err
	}

	cp, err := d.checkpoint(ctx, req)
	if err != nil {
		_ = d.status.Fail(req.ThreadID, err)
		return RunResult{}, err
	}

	if err := d.stashBlobs(ctx, req); err != nil {
		_ = d.status.Fail(req.ThreadID, err)
		return RunResult{}, err
	}

	skipped, err := d.skipSeen(ctx, req, cp)
	if err != nil {
		_ = d.status.Fail(req.ThreadID, err)
		return RunResult{}, err
	}

	state := NewState(req.TenantID, req.Repository, req.Files)
	state.PendingFiles = cp.PendingFiles()

	for _, stage := range d.stages {
		if err := d.runStage(ctx, stage, state); err != nil {
			_ = d.checkpointer.Save(ctx, cp)
			_ = d.status.Fail(req.ThreadID, err)
			return RunResult{CheckpointID: cp.ID(), State: state}, err
		}
	}

	res := d.settle(ctx, req, cp, state)
	res.Skipped = skipped
	if err := d.checkpointer.Save(ctx, cp); err != nil {
		_ = d.status.Fail(req.ThreadID, err)
		return res, err
	}

	if res.Failed > 0 {
		err := fmt.Errorf("%d of %d files failed extraction", res.Failed, len(state.PendingFiles))
		_ = d.status.Fail(req.ThreadID, err)
		return res, err
	}
	_ = d.status.Progress(req.ThreadID, res.Extracted+res.Skipped)
	_ = d.status.Complete(req.ThreadID)
	return res, nil
}

// Resume reloads a checkpoint, resets failed files to pending and reruns.
func (d *Driver) Resume(ctx context.Context, req Request) (RunResult, error) {
	if req.CheckpointID == "" {
		return RunResult{}, fmt.Errorf("resume needs a checkpoint id")
	}
	return d.Run(ctx, req)
}

func (d *Driver) checkpoint(ctx context.Context, req Request) (*Checkpoint, error) {
	if req.CheckpointID != "" {
		cp, err := d.checkpointer.Load(ctx, req.CheckpointID)
		if err != nil {
			return nil, err
		}
		if reset := cp.RetryFailed(); reset > 0 {
			d.logger.Info("retrying failed files",
				zap.String("checkpoint_id", cp.ID()),
				zap.Int("reset", reset))
		}
		return cp, nil
	}

	paths := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		paths = append(paths, f.Path)
	}
	cp := NewCheckpoint(paths)
	if err := d.checkpointer.Save(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// stashBlobs persists raw contents so a resumed run can re-read them.
func (d *Driver) stashBlobs(ctx context.Context, req Request) error {
	if d.blobs == nil {
		return nil
	}
	for _, f := range req.Files {
		key := req.TenantID + "::" + req.Repository + "::" + f.Path
		if err := d.blobs.Put(ctx, key, f.Content); err != nil {
			return fmt.Errorf("stashing %s: %w", f.Path, err)
		}
	}
	return nil
}

// skipSeen marks files whose digest the dedup store already knows as
// extracted, so unchanged inputs never hit the LLM twice.
func (d *Driver) skipSeen(ctx context.Context, req Request, cp *Checkpoint) (int, error) {
	skipped := 0
	for _, f := range req.Files {
		status, ok := cp.Status(f.Path)
		if !ok || status != StatusPending {
			continue
		}
		seen, err := d.dedup.Seen(ctx, FileDigest(f.Path, f.Content))
		if err != nil {
			return skipped, fmt.Errorf("dedup check for %s: %w", f.Path, err)
		}
		if seen {
			if err := cp.SetStatus(f.Path, StatusExtracted); err != nil {
				return skipped, err
			}
			skipped++
		}
	}
	return skipped, nil
}

func (d *Driver) runStage(ctx context.Context, stage Stage, state *State) error {
	start := time.Now()
	err := stage.Run(ctx, state)
	if d.metrics != nil {
		d.metrics.StageDuration.WithLabelValues(stage.Name()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if d.metrics != nil {
			d.metrics.StageFailures.WithLabelValues(stage.Name()).Inc()
		}
		return fmt.Errorf("stage %s: %w", stage.Name(), err)
	}
	return nil
}

// settle moves processed files to terminal checkpoint statuses and marks
// dedup digests for everything that extracted cleanly.
func (d *Driver) settle(ctx context.Context, req Request, cp *Checkpoint, state *State) RunResult {
	res := RunResult{CheckpointID: cp.ID(), State: state}
	for _, path := range state.PendingFiles {
		if ferr, failed := state.FileErrors[path]; failed {
			_ = cp.SetStatus(path, StatusFailed)
			res.Failed++
			d.countFile(string(StatusFailed))
			d.logger.Warn("file failed extraction",
				zap.String("path", path),
				zap.Error(ferr))
			continue
		}
		_ = cp.SetStatus(path, StatusExtracted)
		res.Extracted++
		d.countFile(string(StatusExtracted))
		if f, ok := state.File(path); ok {
			if err := d.dedup.Mark(ctx, FileDigest(path, f.Content)); err != nil {
				d.logger.Warn("dedup mark failed", zap.String("path", path), zap.Error(err))
			}
		}
	}
	return res
}

func (d *Driver) countFile(status string) {
	if d.metrics != nil {
		d.metrics.FilesHandled.WithLabelValues(status).Inc()
	}
}
