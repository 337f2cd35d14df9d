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

package outbox

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore is the durable outbox. Claims execute as a single
// transaction with SKIP LOCKED so horizontal drainer workers never contend
// on the same rows.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore wraps an open connection. Migrate must run before first
// use on a fresh database.
func NewPostgresStore(db *sqlx.DB, logger *zap.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate outbox schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Durable() bool { return true }

type eventRow struct {
	EventID        string         `db:"event_id"`
	Collection     string         `db:"collection"`
	Operation      string         `db:"operation"`
	PrunedIDs      pq.StringArray `db:"pruned_ids"`
	Vectors        []byte         `db:"vectors"`
	Status         string         `db:"status"`
	RetryCount     int            `db:"retry_count"`
	ClaimedBy      sql.NullString `db:"claimed_by"`
	ClaimExpiresAt sql.NullTime   `db:"claim_expires_at"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r eventRow) toEvent() (Event, error) {
	e := Event{
		EventID:    r.EventID,
		Collection: r.Collection,
		Operation:  Operation(r.Operation),
		PrunedIDs:  []string(r.PrunedIDs),
		Status:     Status(r.Status),
		RetryCount: r.RetryCount,
		CreatedAt:  r.CreatedAt,
	}
	if r.ClaimedBy.Valid {
		e.ClaimedBy = r.ClaimedBy.String
	}
	if r.ClaimExpiresAt.Valid {
		e.ClaimExpiresAt = r.ClaimExpiresAt.Time
	}
	if len(r.Vectors) > 0 {
		if err := json.Unmarshal(r.Vectors, &e.Vectors); err != nil {
			return Event{}, fmt.Errorf("failed to decode vectors for event %s: %w", r.EventID, err)
		}
	}
	return e, nil
}

const insertEventSQL = `
INSERT INTO outbox_events
    (event_id, collection, operation, pruned_ids, vectors, status, retry_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (s *PostgresStore) WriteEvent(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return &WriteError{EventID: e.EventID, Err: err}
	}
	vectors, err := marshalVectors(e.Vectors)
	if err != nil {
		return &WriteError{EventID: e.EventID, Err: err}
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, insertEventSQL,
		e.EventID, e.Collection, string(e.Operation), pq.StringArray(e.PrunedIDs),
		vectors, string(e.Status), e.RetryCount, e.CreatedAt)
	if err != nil {
		return &WriteError{EventID: e.EventID, Err: err}
	}
	return nil
}

// WriteAfterTx writes events in their own transaction after the graph
// commit has already happened. A failure here leaves the graph committed;
// the caller decides whether to surface or compensate.
func (s *PostgresStore) WriteAfterTx(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &WriteError{Err: fmt.Errorf("failed to begin outbox tx: %w", err)}
	}
	for _, e := range events {
		if err := s.WriteInTx(ctx, tx, e); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return &WriteError{Err: fmt.Errorf("failed to commit outbox tx: %w", err)}
	}
	return nil
}

func (s *PostgresStore) WriteInTx(ctx context.Context, tx Tx, e Event) error {
	if err := e.Validate(); err != nil {
		return &WriteError{EventID: e.EventID, Err: err}
	}
	vectors, err := marshalVectors(e.Vectors)
	if err != nil {
		return &WriteError{EventID: e.EventID, Err: err}
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, insertEventSQL,
		e.EventID, e.Collection, string(e.Operation), pq.StringArray(e.PrunedIDs),
		vectors, string(e.Status), e.RetryCount, e.CreatedAt)
	if err != nil {
		return &WriteError{EventID: e.EventID, Err: err}
	}
	return nil
}

func (s *PostgresStore) LoadPending(ctx context.Context) ([]Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT event_id, collection, operation, pruned_ids, vectors, status, retry_count,
       claimed_by, claim_expires_at, created_at
FROM outbox_events
WHERE status = 'pending'
ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending outbox events: %w", err)
	}
	return rowsToEvents(rows)
}

// ClaimPending selects pending rows plus claimed rows with an expired lease,
// all in one transaction. SKIP LOCKED keeps concurrent workers disjoint.
func (s *PostgresStore) ClaimPending(ctx context.Context, workerID string, limit int, lease time.Duration) ([]Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
UPDATE outbox_events
SET status = 'claimed', claimed_by = $1, claim_expires_at = NOW() + $2::interval
WHERE event_id IN (
    SELECT event_id FROM outbox_events
    WHERE status = 'pending'
       OR (status = 'claimed' AND claim_expires_at < NOW())
    ORDER BY created_at
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
RETURNING event_id, collection, operation, pruned_ids, vectors, status, retry_count,
          claimed_by, claim_expires_at, created_at`,
		workerID, fmt.Sprintf("%d seconds", int(lease.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events for %s: %w", workerID, err)
	}
	return rowsToEvents(rows)
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, eventID string) error {
	return s.execOne(ctx, `UPDATE outbox_events SET status = 'completed' WHERE event_id = $1`, eventID)
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, eventID string) error {
	return s.execOne(ctx, `
UPDATE outbox_events
SET status = 'pending', claimed_by = NULL, claim_expires_at = NULL
WHERE event_id = $1`, eventID)
}

func (s *PostgresStore) ReleaseExpiredClaims(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE outbox_events
SET status = 'pending', claimed_by = NULL, claim_expires_at = NULL
WHERE status = 'claimed' AND claim_expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *PostgresStore) DeleteEvent(ctx context.Context, eventID string) error {
	return s.execOne(ctx, `DELETE FROM outbox_events WHERE event_id = $1`, eventID)
}

func (s *PostgresStore) UpdateRetryCount(ctx context.Context, eventID string, retryCount int) error {
	// GREATEST keeps the count monotonically non-decreasing under races.
	return s.execOne(ctx, `
UPDATE outbox_events SET retry_count = GREATEST(retry_count, $2) WHERE event_id = $1`,
		eventID, retryCount)
}

func (s *PostgresStore) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("outbox update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func rowsToEvents(rows []eventRow) ([]Event, error) {
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEvent()
		if err != nil {
			// A corrupt row must not poison the batch.
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func marshalVectors(v map[string][]float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vectors: %w", err)
	}
	return data, nil
}

// IsNotFound reports whether err is the not-found sentinel from either
// store implementation.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound) || errors.Is(err, sql.ErrNoRows)
}
