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

// Package vector keeps the similarity index coherent with the graph and
// scoped to tenants.
//
// Business Requirement: BR-VECTOR-001 (index never serves deleted graph
// entities beyond the reap window).
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/jordigilh/kartograf/pkg/config"
	"github.com/jordigilh/kartograf/pkg/tenant"
)

// Document is one indexed vector with its payload.
type Document struct {
	ID       string
	Vector   []float32
	TenantID string
	Metadata map[string]string
}

// Hit is one search result.
type Hit struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// Store is the vector index surface the rest of the system depends on.
type Store interface {
	Upsert(ctx context.Context, collection string, docs []Document) error
	DeleteVectors(ctx context.Context, collection string, ids []string) error
	SearchWithTenant(ctx context.Context, collection string, vec []float32, tenantID string, mode config.DeploymentMode, limit int) ([]Hit, error)
}

// ResolveCollectionName returns the physically isolated collection for a
// tenant.
func ResolveCollectionName(collection, tenantID string) string {
	return collection + "_" + tenantID
}

// ValidateIsolation gates vector isolation modes by deployment mode:
// production requires physical isolation, dev allows both.
func ValidateIsolation(mode config.DeploymentMode, isolation tenant.IsolationMode) error {
	if mode == config.ModeProduction && isolation == tenant.IsolationLogical {
		return &tenant.IsolationViolationError{
			Operation: "vector isolation gate",
			Bound:     string(tenant.IsolationPhysical),
			Requested: string(tenant.IsolationLogical),
		}
	}
	return nil
}

// InMemoryStore is the dev and test vector index: brute-force cosine over
// per-collection maps.
type InMemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{collections: make(map[string]map[string]Document)}
}

func (s *InMemoryStore) collection(name string) map[string]Document {
	col, ok := s.collections[name]
	if !ok {
		col = make(map[string]Document)
		s.collections[name] = col
	}
	return col
}

// Upsert writes documents into a collection.
func (s *InMemoryStore) Upsert(_ context.Context, collection string, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collection(collection)
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("document id cannot be empty")
		}
		col[d.ID] = d
	}
	return nil
}

// DeleteVectors removes ids from a collection. Missing ids are not an
// error: deletion replays must be idempotent.
func (s *InMemoryStore) DeleteVectors(_ context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(col, id)
	}
	return nil
}

// Count reports a collection's size.
func (s *InMemoryStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection])
}

// SearchWithTenant routes by deployment mode: production searches the
// tenant's physically isolated collection, dev filters the shared
// collection by tenant metadata.
func (s *InMemoryStore) SearchWithTenant(_ context.Context, collection string, vec []float32, tenantID string, mode config.DeploymentMode, limit int) ([]Hit, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id cannot be empty for a scoped search")
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []Document
	if mode == config.ModeProduction {
		for _, d := range s.collections[ResolveCollectionName(collection, tenantID)] {
			docs = append(docs, d)
		}
	} else {
		for _, d := range s.collections[collection] {
			if d.TenantID == tenantID {
				docs = append(docs, d)
			}
		}
	}

	hits := make([]Hit, 0, len(docs))
	for _, d := range docs {
		score, err := Cosine(vec, d.Vector)
		if err != nil {
			return nil, err
		}
		hits = append(hits, Hit{ID: d.ID, Score: score, Metadata: d.Metadata})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Cosine returns the cosine similarity of two vectors.
func Cosine(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimensions differ: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB))), nil
}
