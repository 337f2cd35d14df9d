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

package tenant

import (
	"sort"
	"sync"
)

// PoolRegistry tracks which tenants currently hold active connection pools.
// It exists so operators can spot pools that outlived their tenant, e.g.
// after an offboarding that removed the registry entry but not the pool.
type PoolRegistry struct {
	mu    sync.RWMutex
	pools map[string]struct{}
}

// NewPoolRegistry constructs an empty pool registry.
func NewPoolRegistry() *PoolRegistry {
	return &PoolRegistry{pools: make(map[string]struct{})}
}

// Track records an active pool for a tenant.
func (p *PoolRegistry) Track(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pools[tenantID] = struct{}{}
}

// Release forgets a tenant's pool.
func (p *PoolRegistry) Release(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pools, tenantID)
}

// ActiveTenants lists tenants with live pools, sorted.
func (p *PoolRegistry) ActiveTenants() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.pools))
	for id := range p.pools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DetectOrphanedPools returns tenant ids that hold a connection pool but are
// no longer present in the tenant registry.
func DetectOrphanedPools(registry *Registry, pools *PoolRegistry) []string {
	var orphans []string
	for _, id := range pools.ActiveTenants() {
		if _, ok := registry.Get(id); !ok {
			orphans = append(orphans, id)
		}
	}
	return orphans
}
