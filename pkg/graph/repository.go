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

package graph

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/mutation"
	"github.com/jordigilh/kartograf/pkg/outbox"
)

// CommitResult summarizes one topology commit. Events carries a mutation
// event for every entity that caused a tombstone or deletion.
type CommitResult struct {
	Status           string
	NodesUpserted    int
	EdgesUpserted    int
	EdgesTombstoned  int
	NodesDeleted     int
	Events           []mutation.Event
}

// Commit status values mirrored into the pipeline state.
const (
	CommitSuccess = "success"
	CommitSkipped = "skipped"
	CommitFailed  = "failed"
)

// Repository is the capability interface over the graph database. The query
// dialect behind it is an external collaborator; implementations own their
// own session and transaction handling.
type Repository interface {
	// CommitTopology replaces the stored topology of (tenant, repository)
	// with topo, tombstoning vanished edges and deleting vanished nodes.
	CommitTopology(ctx context.Context, topo Topology) (CommitResult, error)
	// Subgraph walks outward from root up to depth hops, skipping
	// tombstoned edges.
	Subgraph(ctx context.Context, tenantID string, root EntityID, depth int) (*Subgraph, error)
	// ReapTombstoneBatch physically removes up to batchSize edges
	// tombstoned before cutoff and returns how many went.
	ReapTombstoneBatch(ctx context.Context, batchSize int, cutoff time.Time, tenantID string) (int, error)
	// CountPendingTombstones counts edges still tombstoned before cutoff.
	CountPendingTombstones(ctx context.Context, cutoff time.Time, tenantID string) (int, error)
	// Healthcheck reports whether the backing store answers.
	Healthcheck(ctx context.Context) bool
}

// Committer pairs a Repository with the transactional outbox so vector
// deletions are durably queued adjacent to the graph commit.
// BR-GRAPH-003: Outbox adjacency for vector-index coherence
type Committer struct {
	repo       Repository
	store      outbox.Store // nil means no outbox configured
	collection string
	logger     *zap.Logger
}

// NewCommitter builds a Committer. store may be nil; the entity write then
// proceeds without queuing deletions.
func NewCommitter(repo Repository, store outbox.Store, collection string, logger *zap.Logger) (*Committer, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository cannot be nil")
	}
	if collection == "" {
		collection = "services"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Committer{repo: repo, store: store, collection: collection, logger: logger}, nil
}

// CommitTopologyWithOutbox commits the graph transaction first, then writes
// the outbox events. An outbox failure surfaces to the caller, but the graph
// commit has already happened and stands.
func (c *Committer) CommitTopologyWithOutbox(ctx context.Context, topo Topology, events []outbox.Event) (CommitResult, error) {
	res, err := c.repo.CommitTopology(ctx, topo)
	if err != nil {
		return res, fmt.Errorf("graph commit failed for %s/%s: %w", topo.TenantID, topo.Repository, err)
	}

	if c.store == nil || len(events) == 0 {
		return res, nil
	}
	if err := c.store.WriteAfterTx(ctx, events); err != nil {
		c.logger.Error("graph commit succeeded but outbox write failed",
			zap.String("tenant_id", topo.TenantID),
			zap.String("repository", topo.Repository),
			zap.Int("events", len(events)),
			zap.Error(err))
		return res, fmt.Errorf("outbox write after commit: %w", err)
	}
	return res, nil
}

// OutboxEventsFor converts a commit's deletion-triggering mutation events
// into outbox deletion records for the committer's collection.
func (c *Committer) OutboxEventsFor(res CommitResult) []outbox.Event {
	var out []outbox.Event
	for _, e := range res.Events {
		if !e.TriggersVectorDeletion() {
			continue
		}
		out = append(out, outbox.NewDeleteEvent(c.collection, e.EntityIDs))
	}
	return out
}
