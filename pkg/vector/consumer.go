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

package vector

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/mutation"
)

// Deleter is the slice of Store the sync consumer needs.
type Deleter interface {
	DeleteVectors(ctx context.Context, collection string, ids []string) error
}

// SyncConsumer applies graph mutation events to the vector index. Only
// deletion-triggering events touch the index; upserts flow through the
// ingestion path instead.
type SyncConsumer struct {
	transport  mutation.Transport
	deleter    Deleter
	collection string
	logger     *zap.Logger
}

// NewSyncConsumer builds a consumer over a mutation transport.
func NewSyncConsumer(transport mutation.Transport, deleter Deleter, collection string, logger *zap.Logger) (*SyncConsumer, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if deleter == nil {
		return nil, fmt.Errorf("deleter cannot be nil")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncConsumer{transport: transport, deleter: deleter, collection: collection, logger: logger}, nil
}

// Handle applies one mutation event. Non-deletion events are ignored.
func (c *SyncConsumer) Handle(ctx context.Context, ev mutation.Event) error {
	if !ev.TriggersVectorDeletion() {
		return nil
	}
	if err := c.deleter.DeleteVectors(ctx, c.collection, ev.EntityIDs); err != nil {
		return fmt.Errorf("applying %s to vector index: %w", ev.Type, err)
	}
	c.logger.Debug("vector deletions applied",
		zap.String("event_id", ev.EventID),
		zap.String("mutation_type", string(ev.Type)),
		zap.Int("ids", len(ev.EntityIDs)))
	return nil
}

// Run subscribes to the transport and applies events until ctx ends.
func (c *SyncConsumer) Run(ctx context.Context) error {
	return c.transport.Subscribe(ctx, c.Handle)
}
