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

// Package outbox implements the transactional outbox that coordinates graph
// commits with downstream vector-index deletion.
// BR-OUTBOX-001: Durable event log adjacent to graph mutations
// BR-OUTBOX-003: Claim/lease protocol for horizontal drainer workers
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation tags what the downstream vector store must do.
type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// Status is the lifecycle state of an outbox event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
)

// Event is one durable outbox record. PrunedIDs is ordered; downstream
// deletion effects must be applied in list order.
type Event struct {
	EventID        string               `db:"event_id" json:"event_id"`
	Collection     string               `db:"collection" json:"collection"`
	Operation      Operation            `db:"operation" json:"operation"`
	PrunedIDs      []string             `db:"-" json:"pruned_ids"`
	Vectors        map[string][]float32 `db:"-" json:"vectors,omitempty"`
	Status         Status               `db:"status" json:"status"`
	RetryCount     int                  `db:"retry_count" json:"retry_count"`
	ClaimedBy      string               `db:"claimed_by" json:"claimed_by,omitempty"`
	ClaimExpiresAt time.Time            `db:"claim_expires_at" json:"claim_expires_at,omitempty"`
	CreatedAt      time.Time            `db:"created_at" json:"created_at"`
}

// NewDeleteEvent builds a pending deletion event for a vector collection.
func NewDeleteEvent(collection string, prunedIDs []string) Event {
	return Event{
		EventID:    uuid.NewString(),
		Collection: collection,
		Operation:  OpDelete,
		PrunedIDs:  prunedIDs,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate rejects events that cannot be drained.
func (e Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("outbox event missing event_id")
	}
	if e.Collection == "" {
		return fmt.Errorf("outbox event %s missing collection", e.EventID)
	}
	switch e.Operation {
	case OpUpsert, OpDelete:
	default:
		return fmt.Errorf("outbox event %s has unknown operation %q", e.EventID, e.Operation)
	}
	return nil
}

// Tx is the minimal transaction capability WriteInTx needs. *sqlx.Tx and
// *sql.Tx satisfy it; the in-memory store ignores it.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store is the durable (or volatile, in dev) outbox log.
type Store interface {
	// WriteEvent appends a single event.
	WriteEvent(ctx context.Context, e Event) error
	// WriteAfterTx appends events after a graph transaction has committed.
	// A failure here surfaces to the caller, but the graph commit stands.
	WriteAfterTx(ctx context.Context, events []Event) error
	// WriteInTx appends an event inside an open transaction so the write
	// commits or rolls back with the caller's work.
	WriteInTx(ctx context.Context, tx Tx, e Event) error
	// LoadPending returns every pending event, oldest first.
	LoadPending(ctx context.Context) ([]Event, error)
	// ClaimPending atomically claims up to limit events that are pending or
	// whose claim lease has expired.
	ClaimPending(ctx context.Context, workerID string, limit int, lease time.Duration) ([]Event, error)
	// MarkCompleted transitions an event to completed.
	MarkCompleted(ctx context.Context, eventID string) error
	// ReleaseClaim returns a claimed event to pending.
	ReleaseClaim(ctx context.Context, eventID string) error
	// ReleaseExpiredClaims returns every expired claim to pending and
	// reports how many were released.
	ReleaseExpiredClaims(ctx context.Context) (int, error)
	// DeleteEvent removes an event, successful or discarded.
	DeleteEvent(ctx context.Context, eventID string) error
	// UpdateRetryCount persists a new retry count.
	UpdateRetryCount(ctx context.Context, eventID string, retryCount int) error
	// Durable reports whether events survive process restart.
	Durable() bool
}

// Error taxonomy. Drainer and store errors are isolated per event, never
// per batch.
var (
	// ErrEventNotFound is returned for operations on unknown event ids.
	ErrEventNotFound = errors.New("outbox event not found")
	// ErrClaimLost indicates a lease expired while the worker held the event.
	ErrClaimLost = errors.New("outbox claim lost: lease expired")
)

// WriteError wraps a failed durable write.
type WriteError struct {
	EventID string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("outbox write failed for event %s: %v", e.EventID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// TransientError marks a retryable downstream failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient drainer error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an event whose retry budget is exhausted.
type PermanentError struct {
	EventID    string
	RetryCount int
	Err        error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("outbox event %s dropped after %d retries: %v", e.EventID, e.RetryCount, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }
