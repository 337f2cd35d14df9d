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

	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/graph"
)

// GraphWriteStage commits the extracted topology. An empty entity list
// records skipped; a commit failure records failed and the pipeline keeps
// going so the checkpoint still persists.
type GraphWriteStage struct {
	repo   graph.Repository
	logger *zap.Logger
}

// NewGraphWriteStage builds the stage.
func NewGraphWriteStage(repo graph.Repository, logger *zap.Logger) *GraphWriteStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphWriteStage{repo: repo, logger: logger}
}

func (s *GraphWriteStage) Name() string { return "graph_write" }

func (s *GraphWriteStage) Healthcheck(ctx context.Context) bool {
	return s.repo != nil && s.repo.Healthcheck(ctx)
}

func (s *GraphWriteStage) Run(ctx context.Context, state *State) error {
	if len(state.ExtractedNodes) == 0 {
		state.CommitStatus = graph.CommitSkipped
		return nil
	}

	res, err := s.repo.CommitTopology(ctx, graph.Topology{
		TenantID:   state.TenantID,
		Repository: state.Repository,
		Entities:   state.ExtractedNodes,
		Edges:      state.ExtractedEdges,
	})
	if err != nil {
		state.CommitStatus = graph.CommitFailed
		s.logger.Error("topology commit failed",
			zap.String("tenant_id", state.TenantID),
			zap.String("repository", state.Repository),
			zap.Error(err))
		return nil
	}

	state.CommitStatus = graph.CommitSuccess
	state.MutationEvents = append(state.MutationEvents, res.Events...)
	s.logger.Info("topology committed",
		zap.String("tenant_id", state.TenantID),
		zap.String("repository", state.Repository),
		zap.Int("nodes_upserted", res.NodesUpserted),
		zap.Int("edges_upserted", res.EdgesUpserted),
		zap.Int("edges_tombstoned", res.EdgesTombstoned),
		zap.Int("nodes_deleted", res.NodesDeleted))
	return nil
}
