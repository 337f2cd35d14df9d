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
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// FileStatus tracks one file's progress through the pipeline.
type FileStatus string

const (
	StatusPending   FileStatus = "pending"
	StatusExtracted FileStatus = "extracted"
	StatusFailed    FileStatus = "failed"
	StatusSkipped   FileStatus = "skipped"
)

// checkpointIDKey is the reserved key carrying the checkpoint id on the
// JSON wire. File paths never collide with it.
const checkpointIDKey = "__checkpoint_id__"

// sourceExtensions are the file types the pipeline extracts from. Anything
// else is skipped at checkpoint creation.
var sourceExtensions = map[string]bool{
	".go":    true,
	".java":  true,
	".py":    true,
	".js":    true,
	".ts":    true,
	".rb":    true,
	".kt":    true,
	".scala": true,
}

// Checkpoint records per-file ingestion progress so an interrupted run can
// resume without re-extracting finished files.
type Checkpoint struct {
	mu    sync.Mutex
	id    string
	files map[string]FileStatus
}

// NewCheckpoint seeds a checkpoint from the repository file list. Source
// files start pending; everything else is skipped immediately.
func NewCheckpoint(paths []string) *Checkpoint {
	files := make(map[string]FileStatus, len(paths))
	for _, p := range paths {
		if p == checkpointIDKey {
			// The wire key is reserved; tracking it would corrupt the
			// serialized form.
			continue
		}
		if sourceExtensions[filepath.Ext(p)] {
			files[p] = StatusPending
		} else {
			files[p] = StatusSkipped
		}
	}
	return &Checkpoint{id: uuid.NewString(), files: files}
}

// ID returns the checkpoint's stable identifier.
func (c *Checkpoint) ID() string { return c.id }

// Status returns the recorded status for path.
func (c *Checkpoint) Status(path string) (FileStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.files[path]
	return s, ok
}

// SetStatus records a status transition for a known path.
func (c *Checkpoint) SetStatus(path string, status FileStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.files[path]; !ok {
		return fmt.Errorf("checkpoint %s has no file %q", c.id, path)
	}
	c.files[path] = status
	return nil
}

// PendingFiles returns the sorted paths still awaiting extraction.
func (c *Checkpoint) PendingFiles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.files))
	for p, s := range c.files {
		if s == StatusPending {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// RetryFailed resets every failed file to pending and returns how many
// were reset.
func (c *Checkpoint) RetryFailed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	reset := 0
	for p, s := range c.files {
		if s == StatusFailed {
			c.files[p] = StatusPending
			reset++
		}
	}
	return reset
}

// AllDone reports whether no file remains pending.
func (c *Checkpoint) AllDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.files {
		if s == StatusPending {
			return false
		}
	}
	return true
}

// FileCount returns the total number of tracked files.
func (c *Checkpoint) FileCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

// MarshalJSON renders the wire form: one key per path plus the reserved
// checkpoint id key.
func (c *Checkpoint) MarshalJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wire := make(map[string]string, len(c.files)+1)
	for p, s := range c.files {
		wire[p] = string(s)
	}
	wire[checkpointIDKey] = c.id
	return json.Marshal(wire)
}

// UnmarshalJSON restores a checkpoint from its wire form.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var wire map[string]string
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decoding checkpoint: %w", err)
	}
	id, ok := wire[checkpointIDKey]
	if !ok || id == "" {
		return fmt.Errorf("checkpoint wire form missing %s", checkpointIDKey)
	}
	files := make(map[string]FileStatus, len(wire)-1)
	for p, s := range wire {
		if p == checkpointIDKey {
			continue
		}
		switch FileStatus(s) {
		case StatusPending, StatusExtracted, StatusFailed, StatusSkipped:
			files[p] = FileStatus(s)
		default:
			return fmt.Errorf("checkpoint %s: file %q has unknown status %q", id, p, s)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.files = files
	return nil
}
