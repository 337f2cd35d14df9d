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
	"sort"
	"sync"
	"time"

	"github.com/jordigilh/kartograf/pkg/mutation"
)

// MemoryRepository is the in-process graph used in dev and tests. All state
// is partitioned by tenant; cross-tenant reads cannot happen because every
// operation keys into the tenant's own maps.
type MemoryRepository struct {
	mu      sync.RWMutex
	tenants map[string]*tenantGraph
	clock   func() time.Time
}

type tenantGraph struct {
	entities map[EntityID]Entity
	edges    map[string]Edge
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tenants: make(map[string]*tenantGraph),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides wall-clock time for tombstone tests.
func (r *MemoryRepository) WithClock(clock func() time.Time) *MemoryRepository {
	r.clock = clock
	return r
}

func (r *MemoryRepository) tenant(tenantID string) *tenantGraph {
	tg, ok := r.tenants[tenantID]
	if !ok {
		tg = &tenantGraph{
			entities: make(map[EntityID]Entity),
			edges:    make(map[string]Edge),
		}
		r.tenants[tenantID] = tg
	}
	return tg
}

// CommitTopology upserts the new topology and diffs it against what the
// repository previously held for (tenant, repository): vanished edges are
// tombstoned, vanished entities deleted. Re-committing an identical
// topology is a no-op apart from upsert counts, which keeps the graph-write
// stage idempotent on replay.
func (r *MemoryRepository) CommitTopology(ctx context.Context, topo Topology) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{Status: CommitFailed}, err
	}
	if topo.TenantID == "" {
		return CommitResult{Status: CommitFailed}, fmt.Errorf("topology missing tenant_id")
	}
	for _, e := range topo.Entities {
		if err := e.Validate(); err != nil {
			return CommitResult{Status: CommitFailed}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	tg := r.tenant(topo.TenantID)
	now := r.clock()
	res := CommitResult{Status: CommitSuccess}

	newEntities := make(map[EntityID]struct{}, len(topo.Entities))
	for _, e := range topo.Entities {
		newEntities[e.ID] = struct{}{}
		tg.entities[e.ID] = e
		res.NodesUpserted++
	}

	newEdges := make(map[string]struct{}, len(topo.Edges))
	for _, e := range topo.Edges {
		e.TenantID = topo.TenantID
		e.TombstonedAt = nil
		newEdges[e.Key()] = struct{}{}
		tg.edges[e.Key()] = e
		res.EdgesUpserted++
	}

	// Diff within the committed repository scope only.
	var tombstonedIDs []string
	for key, e := range tg.edges {
		if e.Tombstoned() {
			continue
		}
		if e.From.Repository() != topo.Repository && e.To.Repository() != topo.Repository {
			continue
		}
		if _, still := newEdges[key]; still {
			continue
		}
		ts := now
		e.TombstonedAt = &ts
		tg.edges[key] = e
		res.EdgesTombstoned++
		tombstonedIDs = append(tombstonedIDs, string(e.From), string(e.To))
	}
	if len(tombstonedIDs) > 0 {
		sort.Strings(tombstonedIDs)
		tombstonedIDs = dedupe(tombstonedIDs)
		res.Events = append(res.Events,
			mutation.NewEvent(mutation.EdgeTombstone, topo.TenantID, tombstonedIDs))
	}

	var deletedIDs []string
	for id, e := range tg.entities {
		if e.ID.Repository() != topo.Repository {
			continue
		}
		if _, still := newEntities[id]; still {
			continue
		}
		delete(tg.entities, id)
		res.NodesDeleted++
		deletedIDs = append(deletedIDs, string(id))
	}
	if len(deletedIDs) > 0 {
		sort.Strings(deletedIDs)
		res.Events = append(res.Events,
			mutation.NewEvent(mutation.NodeDelete, topo.TenantID, deletedIDs))
	}

	return res, nil
}

// Subgraph breadth-first walks from root, honoring the tombstone invariant.
func (r *MemoryRepository) Subgraph(_ context.Context, tenantID string, root EntityID, depth int) (*Subgraph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tg, ok := r.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %q has no graph", tenantID)
	}
	rootEnt, ok := tg.entities[root]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", root)
	}

	sub := &Subgraph{Root: root, Entities: []Entity{rootEnt}}
	visited := map[EntityID]struct{}{root: {}}
	frontier := []EntityID{root}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []EntityID
		for _, id := range frontier {
			for _, e := range tg.edges {
				if e.Tombstoned() {
					continue
				}
				var neighbor EntityID
				switch {
				case e.From == id:
					neighbor = e.To
				case e.To == id:
					neighbor = e.From
				default:
					continue
				}
				sub.Edges = append(sub.Edges, e)
				if _, seen := visited[neighbor]; seen {
					continue
				}
				visited[neighbor] = struct{}{}
				if ent, ok := tg.entities[neighbor]; ok {
					sub.Entities = append(sub.Entities, ent)
				}
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	sort.Slice(sub.Edges, func(i, j int) bool { return sub.Edges[i].Key() < sub.Edges[j].Key() })
	sub.Edges = dedupeEdges(sub.Edges)
	return sub, nil
}

// ReapTombstoneBatch removes up to batchSize edges tombstoned before cutoff.
// An empty tenantID reaps across all tenants.
func (r *MemoryRepository) ReapTombstoneBatch(_ context.Context, batchSize int, cutoff time.Time, tenantID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reaped := 0
	for tid, tg := range r.tenants {
		if tenantID != "" && tid != tenantID {
			continue
		}
		for key, e := range tg.edges {
			if reaped >= batchSize {
				return reaped, nil
			}
			if e.Tombstoned() && e.TombstonedAt.Before(cutoff) {
				delete(tg.edges, key)
				reaped++
			}
		}
	}
	return reaped, nil
}

// CountPendingTombstones counts what a future reap would remove.
func (r *MemoryRepository) CountPendingTombstones(_ context.Context, cutoff time.Time, tenantID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for tid, tg := range r.tenants {
		if tenantID != "" && tid != tenantID {
			continue
		}
		for _, e := range tg.edges {
			if e.Tombstoned() && e.TombstonedAt.Before(cutoff) {
				count++
			}
		}
	}
	return count, nil
}

func (r *MemoryRepository) Healthcheck(_ context.Context) bool { return true }

// Entity returns a stored entity for assertions and lookups.
func (r *MemoryRepository) Entity(tenantID string, id EntityID) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tg, ok := r.tenants[tenantID]
	if !ok {
		return Entity{}, false
	}
	e, ok := tg.entities[id]
	return e, ok
}

// Edges returns copies of all edges for a tenant, tombstoned included.
func (r *MemoryRepository) Edges(tenantID string) []Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tg, ok := r.tenants[tenantID]
	if !ok {
		return nil
	}
	out := make([]Edge, 0, len(tg.edges))
	for _, e := range tg.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func dedupe(ids []string) []string {
	out := ids[:0]
	var prev string
	for i, id := range ids {
		if i == 0 || id != prev {
			out = append(out, id)
		}
		prev = id
	}
	return out
}

func dedupeEdges(edges []Edge) []Edge {
	out := edges[:0]
	var prev string
	for i, e := range edges {
		if i == 0 || e.Key() != prev {
			out = append(out, e)
		}
		prev = e.Key()
	}
	return out
}
