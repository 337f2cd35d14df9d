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

	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/mutation"
	"github.com/jordigilh/kartograf/pkg/outbox"
)

// VectorSyncStage propagates the commit's deletion-triggering mutation
// events downstream: durably through the outbox by default, or through a
// message-bus transport when one is configured.
type VectorSyncStage struct {
	store      outbox.Store
	transport  mutation.Transport
	collection string
	logger     *zap.Logger
}

// NewVectorSyncStage builds the stage. Exactly one of store or transport
// should be set; transport wins when both are.
func NewVectorSyncStage(store outbox.Store, transport mutation.Transport, collection string, logger *zap.Logger) (*VectorSyncStage, error) {
	if store == nil && transport == nil {
		return nil, fmt.Errorf("vector sync needs an outbox store or a transport")
	}
	if collection == "" {
		collection = "code_entities"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VectorSyncStage{
		store:      store,
		transport:  transport,
		collection: collection,
		logger:     logger,
	}, nil
}

func (s *VectorSyncStage) Name() string { return "vector_sync" }

func (s *VectorSyncStage) Healthcheck(_ context.Context) bool {
	return s.store != nil || s.transport != nil
}

func (s *VectorSyncStage) Run(ctx context.Context, state *State) error {
	deletions := make([]mutation.Event, 0, len(state.MutationEvents))
	for _, e := range state.MutationEvents {
		if e.TriggersVectorDeletion() {
			deletions = append(deletions, e)
		}
	}
	if len(deletions) == 0 {
		state.VectorSyncStatus = VectorSyncSkipped
		return nil
	}

	if s.transport != nil {
		for _, e := range deletions {
			if err := s.transport.Publish(ctx, e); err != nil {
				return fmt.Errorf("publishing mutation event %s: %w", e.EventID, err)
			}
		}
		state.VectorSyncStatus = VectorSyncPublished
		return nil
	}

	events := make([]outbox.Event, 0, len(deletions))
	for _, e := range deletions {
		events = append(events, outbox.NewDeleteEvent(s.collection, e.EntityIDs))
	}
	if err := s.store.WriteAfterTx(ctx, events); err != nil {
		return fmt.Errorf("enqueuing vector deletions: %w", err)
	}
	state.VectorSyncStatus = VectorSyncEnqueued
	s.logger.Info("vector deletions enqueued",
		zap.String("tenant_id", state.TenantID),
		zap.Int("events", len(events)))
	return nil
}
