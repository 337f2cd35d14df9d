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
	"context"
	"fmt"

	"go.uber.org/zap"
)

// GraphDriver is the slice of a graph database driver the isolation layer
// needs: edition probing for gating and query dispatch for the wrapper.
type GraphDriver interface {
	// Edition returns the server edition string, e.g. "community" or
	// "enterprise".
	Edition(ctx context.Context) (string, error)
	// Run executes a query against a named database.
	Run(ctx context.Context, database, query string, params map[string]any) (any, error)
}

// Router resolves tenants to databases and hands out tenant-bound
// connections.
type Router struct {
	registry *Registry
	logger   *zap.Logger
}

// NewRouter builds a Router over the given registry.
func NewRouter(registry *Registry, logger *zap.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{registry: registry, logger: logger}, nil
}

// Resolve maps a tenant id to its database name. Unregistered tenants fall
// back to the default database.
func (r *Router) Resolve(tenantID string) string {
	if cfg, ok := r.registry.Get(tenantID); ok && cfg.Database != "" {
		return cfg.Database
	}
	return DefaultDatabase
}

// SessionArgs returns the driver session arguments for a tenant.
func (r *Router) SessionArgs(tenantID string) map[string]any {
	return map[string]any{"database": r.Resolve(tenantID)}
}

// GetConnection returns a connection bound to the tenant and its database.
// All query dispatch through the wrapper re-validates both bindings.
func (r *Router) GetConnection(tenantID string, driver GraphDriver) (*ConnectionWrapper, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id cannot be empty")
	}
	if driver == nil {
		return nil, fmt.Errorf("driver cannot be nil")
	}
	return &ConnectionWrapper{
		boundTenantID: tenantID,
		boundDatabase: r.Resolve(tenantID),
		driver:        driver,
	}, nil
}

// ValidatePhysicalIsolationSupport checks that the graph server edition can
// honor the registry's isolation requirements. Community edition has a
// single database, so any tenant demanding physical isolation is a hard
// failure at startup rather than a silent downgrade at query time.
func (r *Router) ValidatePhysicalIsolationSupport(ctx context.Context, driver GraphDriver) error {
	if !r.registry.AnyPhysical() {
		return nil
	}
	edition, err := driver.Edition(ctx)
	if err != nil {
		return fmt.Errorf("probing graph server edition: %w", err)
	}
	if edition == "community" {
		return &IsolationViolationError{
			Operation: "startup edition gate",
			Bound:     "physical isolation",
			Requested: "community edition",
		}
	}
	return nil
}

// ConnectionWrapper carries the tenant and database a connection was issued
// for. Dispatch fails closed on any mismatch.
type ConnectionWrapper struct {
	boundTenantID string
	boundDatabase string
	driver        GraphDriver
}

// BoundTenantID returns the tenant this connection belongs to.
func (w *ConnectionWrapper) BoundTenantID() string { return w.boundTenantID }

// BoundDatabase returns the database this connection is pinned to.
func (w *ConnectionWrapper) BoundDatabase() string { return w.boundDatabase }

// ValidateQueryTenant rejects dispatch on behalf of any other tenant.
func (w *ConnectionWrapper) ValidateQueryTenant(tenantID string) error {
	if tenantID != w.boundTenantID {
		return &IsolationViolationError{
			Operation: "query dispatch",
			Bound:     w.boundTenantID,
			Requested: tenantID,
		}
	}
	return nil
}

// ValidateDatabase rejects dispatch against any other database.
func (w *ConnectionWrapper) ValidateDatabase(database string) error {
	if database != w.boundDatabase {
		return &IsolationViolationError{
			Operation: "database dispatch",
			Bound:     w.boundDatabase,
			Requested: database,
		}
	}
	return nil
}

// Run validates both bindings, injects the tenant filter, and dispatches.
func (w *ConnectionWrapper) Run(ctx context.Context, tenantID, database, query string, params map[string]any) (any, error) {
	if err := w.ValidateQueryTenant(tenantID); err != nil {
		return nil, err
	}
	if err := w.ValidateDatabase(database); err != nil {
		return nil, err
	}
	merged := BuildTenantParams(w.boundTenantID)
	for k, v := range params {
		merged[k] = v
	}
	return w.driver.Run(ctx, w.boundDatabase, query, merged)
}
