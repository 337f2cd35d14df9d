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
	"path/filepath"

	"go.uber.org/zap"
)

// ASTClient is the remote AST extraction service. Language-specific
// parsing lives behind it; the pipeline only consumes its summaries.
type ASTClient interface {
	Extract(ctx context.Context, files []SourceFile) (map[string]ASTResult, error)
	Available(ctx context.Context) bool
}

// LocalExtractor summarizes one file without the remote service.
type LocalExtractor func(file SourceFile) (ASTResult, error)

// ASTStage produces structural summaries for pending files. The remote
// service is preferred when configured and available; otherwise local
// extractors run per source extension.
type ASTStage struct {
	remote ASTClient
	locals map[string]LocalExtractor
	logger *zap.Logger
}

// NewASTStage builds the stage. remote may be nil; locals maps extensions
// like ".go" to extractors.
func NewASTStage(remote ASTClient, locals map[string]LocalExtractor, logger *zap.Logger) *ASTStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locals == nil {
		locals = make(map[string]LocalExtractor)
	}
	return &ASTStage{remote: remote, locals: locals, logger: logger}
}

func (s *ASTStage) Name() string { return "ast" }

func (s *ASTStage) Healthcheck(ctx context.Context) bool {
	if s.remote != nil {
		return s.remote.Available(ctx)
	}
	return true
}

func (s *ASTStage) Run(ctx context.Context, state *State) error {
	files := s.pendingSources(state)
	if len(files) == 0 {
		return nil
	}

	if s.remote != nil && s.remote.Available(ctx) {
		results, err := s.remote.Extract(ctx, files)
		if err != nil {
			return fmt.Errorf("remote ast extraction: %w", err)
		}
		for path, res := range results {
			state.ASTResults[path] = res
		}
		return nil
	}

	for _, f := range files {
		extractor, ok := s.locals[filepath.Ext(f.Path)]
		if !ok {
			s.logger.Debug("no local extractor for file; passing source through",
				zap.String("path", f.Path))
			state.ASTResults[f.Path] = ASTResult{Path: f.Path, Raw: string(f.Content)}
			continue
		}
		res, err := extractor(f)
		if err != nil {
			state.RecordFileError(f.Path, fmt.Errorf("local ast extraction: %w", err))
			continue
		}
		res.Path = f.Path
		state.ASTResults[f.Path] = res
	}
	return nil
}

// pendingSources returns the raw files still pending in the checkpoint.
func (s *ASTStage) pendingSources(state *State) []SourceFile {
	pending := make(map[string]bool, len(state.PendingFiles))
	for _, p := range state.PendingFiles {
		pending[p] = true
	}
	out := make([]SourceFile, 0, len(pending))
	for _, f := range state.RawFiles {
		if pending[f.Path] {
			out = append(out, f)
		}
	}
	return out
}
