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

package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Complexity classifies a query for cost accounting.
type Complexity string

const (
	ComplexityEntityLookup Complexity = "entity_lookup"
	ComplexitySingleHop    Complexity = "single_hop"
	ComplexityMultiHop     Complexity = "multi_hop"
	ComplexityAggregate    Complexity = "aggregate"
)

// CostModel maps query complexity to budget cost.
type CostModel struct {
	EntityLookup int
	SingleHop    int
	MultiHop     int
	Aggregate    int
}

// DefaultCostModel matches the platform defaults.
func DefaultCostModel() CostModel {
	return CostModel{EntityLookup: 1, SingleHop: 3, MultiHop: 10, Aggregate: 8}
}

// CostFor returns the cost of a complexity class. Unknown classes are
// charged as multi-hop, the most expensive traversal shape.
func (m CostModel) CostFor(c Complexity) int {
	switch c {
	case ComplexityEntityLookup:
		return m.EntityLookup
	case ComplexitySingleHop:
		return m.SingleHop
	case ComplexityAggregate:
		return m.Aggregate
	default:
		return m.MultiHop
	}
}

type costEntry struct {
	at   time.Time
	cost int
}

// CostBudget enforces a per-tenant spending cap over a sliding window.
type CostBudget struct {
	mu       sync.Mutex
	model    CostModel
	capacity int
	window   time.Duration
	entries  map[string][]costEntry
	clock    func() time.Time
}

// NewCostBudget builds a budget with the given capacity per window.
func NewCostBudget(model CostModel, capacity int, window time.Duration) (*CostBudget, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("budget capacity must be positive")
	}
	if window <= 0 {
		return nil, fmt.Errorf("budget window must be positive")
	}
	return &CostBudget{
		model:    model,
		capacity: capacity,
		window:   window,
		entries:  make(map[string][]costEntry),
		clock:    func() time.Time { return time.Now() },
	}, nil
}

// WithClock overrides time for tests.
func (b *CostBudget) WithClock(clock func() time.Time) *CostBudget {
	b.clock = clock
	return b
}

// pruneLocked drops entries that slid out of the window and returns the
// remaining spend.
func (b *CostBudget) pruneLocked(tenantID string, now time.Time) int {
	cutoff := now.Add(-b.window)
	kept := b.entries[tenantID][:0]
	spent := 0
	for _, e := range b.entries[tenantID] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			spent += e.cost
		}
	}
	if len(kept) == 0 {
		delete(b.entries, tenantID)
	} else {
		b.entries[tenantID] = kept
	}
	return spent
}

// TryAcquire charges the tenant for a query of the given complexity,
// rejecting when the charge would exceed the window capacity.
func (b *CostBudget) TryAcquire(tenantID string, complexity Complexity) bool {
	cost := b.model.CostFor(complexity)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	spent := b.pruneLocked(tenantID, now)
	if spent+cost > b.capacity {
		return false
	}
	b.entries[tenantID] = append(b.entries[tenantID], costEntry{at: now, cost: cost})
	return true
}

// Spent reports the tenant's current in-window spend.
func (b *CostBudget) Spent(tenantID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pruneLocked(tenantID, b.clock())
}
