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

// Package audit records the cost of every admitted query so tenants can be
// billed and throttling tuned from real traffic.
package audit

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Record is one admitted query.
type Record struct {
	AuditID    string    `db:"audit_id" json:"audit_id"`
	TenantID   string    `db:"tenant_id" json:"tenant_id"`
	Complexity string    `db:"complexity" json:"complexity"`
	Cost       int       `db:"cost" json:"cost"`
	CacheHit   bool      `db:"cache_hit" json:"cache_hit"`
	DurationMS int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Trail appends and lists audit records.
type Trail struct {
	db     *sqlx.DB
	logger *zap.Logger
	clock  func() time.Time
}

// NewTrail wraps an open connection. Migrate must run before first use on
// a fresh database.
func NewTrail(db *sqlx.DB, logger *zap.Logger) (*Trail, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trail{db: db, logger: logger, clock: time.Now}, nil
}

// WithClock injects a wall clock. Test use.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// Migrate applies the embedded schema migrations.
func (t *Trail) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, t.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate audit schema: %w", err)
	}
	return nil
}

// Append records one admitted query and returns its audit id.
func (t *Trail) Append(ctx context.Context, tenantID, complexity string, cost int, cacheHit bool, duration time.Duration) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenant id cannot be empty")
	}
	rec := Record{
		AuditID:    uuid.NewString(),
		TenantID:   tenantID,
		Complexity: complexity,
		Cost:       cost,
		CacheHit:   cacheHit,
		DurationMS: duration.Milliseconds(),
		CreatedAt:  t.clock().UTC(),
	}
	_, err := t.db.NamedExecContext(ctx, `
		INSERT INTO query_audit (audit_id, tenant_id, complexity, cost, cache_hit, duration_ms, created_at)
		VALUES (:audit_id, :tenant_id, :complexity, :cost, :cache_hit, :duration_ms, :created_at)`, rec)
	if err != nil {
		return "", fmt.Errorf("appending audit record: %w", err)
	}
	return rec.AuditID, nil
}

// ListByTenant returns the tenant's records newer than since, newest first.
func (t *Trail) ListByTenant(ctx context.Context, tenantID string, since time.Time) ([]Record, error) {
	var out []Record
	err := t.db.SelectContext(ctx, &out, `
		SELECT audit_id, tenant_id, complexity, cost, cache_hit, duration_ms, created_at
		FROM query_audit
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("listing audit records for %s: %w", tenantID, err)
	}
	return out, nil
}

// SpentInWindow sums the tenant's cost since the window start.
func (t *Trail) SpentInWindow(ctx context.Context, tenantID string, window time.Duration) (int, error) {
	var spent int
	err := t.db.GetContext(ctx, &spent, `
		SELECT COALESCE(SUM(cost), 0) FROM query_audit
		WHERE tenant_id = $1 AND created_at >= $2`,
		tenantID, t.clock().UTC().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("summing audit window for %s: %w", tenantID, err)
	}
	return spent, nil
}
