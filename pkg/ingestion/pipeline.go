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

// Package ingestion drives repositories through the staged extraction
// pipeline: AST, LLM extraction, graph commit, vector sync. Stages are
// idempotent state transformers; the checkpoint makes interrupted runs
// resumable per file.
// BR-INGEST-001: Resumable exactly-once ingestion
package ingestion

import (
	"context"

	"github.com/jordigilh/kartograf/pkg/graph"
	"github.com/jordigilh/kartograf/pkg/mutation"
)

// SourceFile is one raw input file handed to the pipeline.
type SourceFile struct {
	Path    string
	Content []byte
}

// ASTResult is the structural summary of one source file, produced either
// by the remote AST service or a local extractor.
type ASTResult struct {
	Path     string   `json:"path"`
	Language string   `json:"language"`
	Symbols  []string `json:"symbols,omitempty"`
	Imports  []string `json:"imports,omitempty"`
	Raw      string   `json:"raw,omitempty"`
}

// Vector sync status values recorded on the state.
const (
	VectorSyncEnqueued  = "enqueued"
	VectorSyncPublished = "published"
	VectorSyncSkipped   = "skipped"
)

// State is the mutable pipeline state owned by exactly one in-flight
// ingestion. Stages append to it; the driver seeds and persists it.
type State struct {
	TenantID   string
	Repository string

	RawFiles     []SourceFile
	PendingFiles []string

	ASTResults     map[string]ASTResult
	ExtractedNodes []graph.Entity
	ExtractedEdges []graph.Edge

	MutationEvents   []mutation.Event
	CommitStatus     string
	VectorSyncStatus string

	// FileErrors records per-file extraction failures so the driver can
	// mark those files failed without aborting the run.
	FileErrors map[string]error
}

// NewState seeds the state for one run.
func NewState(tenantID, repository string, files []SourceFile) *State {
	pending := make([]string, 0, len(files))
	for _, f := range files {
		pending = append(pending, f.Path)
	}
	return &State{
		TenantID:     tenantID,
		Repository:   repository,
		RawFiles:     files,
		PendingFiles: pending,
		ASTResults:   make(map[string]ASTResult),
		FileErrors:   make(map[string]error),
	}
}

// File returns the raw file for path.
func (s *State) File(path string) (SourceFile, bool) {
	for _, f := range s.RawFiles {
		if f.Path == path {
			return f, true
		}
	}
	return SourceFile{}, false
}

// RecordFileError notes a per-file failure.
func (s *State) RecordFileError(path string, err error) {
	if s.FileErrors == nil {
		s.FileErrors = make(map[string]error)
	}
	s.FileErrors[path] = err
}

// Stage is one step of the pipeline. Run mutates the shared state and must
// be idempotent when replayed with the same inputs.
type Stage interface {
	Name() string
	Run(ctx context.Context, state *State) error
	Healthcheck(ctx context.Context) bool
}
