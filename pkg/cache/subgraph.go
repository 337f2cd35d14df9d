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

package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/jordigilh/kartograf/pkg/graph"
)

// SubgraphCache is a generational LRU over raw subgraph reads. A topology
// commit bumps the generation, which invalidates every older entry lazily
// instead of walking the map. Keys are tenant-prefixed so two tenants'
// identical root ids never share an entry.
type SubgraphCache struct {
	mu         sync.Mutex
	maxEntries int
	generation uint64
	entries    map[string]*list.Element
	lru        *list.List

	flights singleflight.Group
}

type subgraphEntry struct {
	key        string
	generation uint64
	subgraph   *graph.Subgraph
}

// NewSubgraphCache builds an empty cache bounded to maxEntries.
func NewSubgraphCache(maxEntries int) *SubgraphCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &SubgraphCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
	}
}

func subgraphKey(tenantID string, root graph.EntityID, depth int) string {
	return fmt.Sprintf("%s|%s|%d", tenantID, root, depth)
}

// Get returns a current-generation entry.
func (c *SubgraphCache) Get(tenantID string, root graph.EntityID, depth int) (*graph.Subgraph, bool) {
	key := subgraphKey(tenantID, root, depth)
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*subgraphEntry)
	if entry.generation != c.generation {
		c.lru.Remove(elem)
		delete(c.entries, key)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return entry.subgraph, true
}

// Add stores a subgraph under the current generation.
func (c *SubgraphCache) Add(tenantID string, root graph.EntityID, depth int, sub *graph.Subgraph) {
	key := subgraphKey(tenantID, root, depth)
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.lru.Remove(elem)
		delete(c.entries, key)
	}
	for len(c.entries) >= c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*subgraphEntry)
		c.lru.Remove(oldest)
		delete(c.entries, evicted.key)
	}
	c.entries[key] = c.lru.PushFront(&subgraphEntry{
		key:        key,
		generation: c.generation,
		subgraph:   sub,
	})
}

// NewGeneration invalidates every existing entry.
func (c *SubgraphCache) NewGeneration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
}

// Len reports live entries, including lazily stale ones not yet touched.
func (c *SubgraphCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetOrLoad returns the cached subgraph or computes it once even under
// concurrent callers for the same key.
func (c *SubgraphCache) GetOrLoad(ctx context.Context, tenantID string, root graph.EntityID, depth int,
	load func(ctx context.Context) (*graph.Subgraph, error)) (*graph.Subgraph, error) {
	if sub, ok := c.Get(tenantID, root, depth); ok {
		return sub, nil
	}
	key := subgraphKey(tenantID, root, depth)
	v, err, _ := c.flights.Do(key, func() (interface{}, error) {
		if sub, ok := c.Get(tenantID, root, depth); ok {
			return sub, nil
		}
		sub, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Add(tenantID, root, depth, sub)
		return sub, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*graph.Subgraph), nil
}
