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

package ingestion

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/jordigilh/kartograf/pkg/config"
)

// ErrCheckpointNotFound is returned when a checkpoint id is unknown.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpointer persists checkpoints across process restarts. Close is safe
// to call more than once.
type Checkpointer interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, checkpointID string) (*Checkpoint, error)
	Delete(ctx context.Context, checkpointID string) error
	Close() error
}

// MemoryCheckpointer keeps checkpoints in process memory. Dev only.
type MemoryCheckpointer struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
}

// NewMemoryCheckpointer builds an empty in-memory checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{data: make(map[string][]byte)}
}

func (m *MemoryCheckpointer) Save(_ context.Context, cp *Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", cp.ID(), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("checkpointer is closed")
	}
	m.data[cp.ID()] = payload
	return nil
}

func (m *MemoryCheckpointer) Load(_ context.Context, checkpointID string) (*Checkpoint, error) {
	m.mu.Lock()
	payload, ok := m.data[checkpointID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("loading checkpoint %s: %w", checkpointID, ErrCheckpointNotFound)
	}
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", checkpointID, err)
	}
	return &cp, nil
}

func (m *MemoryCheckpointer) Delete(_ context.Context, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, checkpointID)
	return nil
}

// Close is idempotent.
func (m *MemoryCheckpointer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

//go:embed migrations/*.sql
var checkpointMigrations embed.FS

// PostgresCheckpointer stores checkpoint wire forms as JSONB rows.
type PostgresCheckpointer struct {
	db     *sqlx.DB
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewPostgresCheckpointer wraps an open connection. Migrate must run before
// first use on a fresh database.
func NewPostgresCheckpointer(db *sqlx.DB, logger *zap.Logger) (*PostgresCheckpointer, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresCheckpointer{db: db, logger: logger}, nil
}

// Migrate applies the embedded schema migrations.
func (p *PostgresCheckpointer) Migrate(ctx context.Context) error {
	goose.SetBaseFS(checkpointMigrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, p.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate checkpoint schema: %w", err)
	}
	return nil
}

func (p *PostgresCheckpointer) Save(ctx context.Context, cp *Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", cp.ID(), err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO ingestion_checkpoints (checkpoint_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (checkpoint_id) DO UPDATE SET state = $2, updated_at = NOW()`,
		cp.ID(), payload)
	if err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", cp.ID(), err)
	}
	return nil
}

func (p *PostgresCheckpointer) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT state FROM ingestion_checkpoints WHERE checkpoint_id = $1`,
		checkpointID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loading checkpoint %s: %w", checkpointID, ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s: %w", checkpointID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", checkpointID, err)
	}
	return &cp, nil
}

func (p *PostgresCheckpointer) Delete(ctx context.Context, checkpointID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM ingestion_checkpoints WHERE checkpoint_id = $1`, checkpointID)
	if err != nil {
		return fmt.Errorf("deleting checkpoint %s: %w", checkpointID, err)
	}
	return nil
}

// Close is idempotent; repeated calls return the first close error.
func (p *PostgresCheckpointer) Close() error {
	p.closeOnce.Do(func() { p.closeErr = p.db.Close() })
	return p.closeErr
}

// NewCheckpointerFromConfig selects the backend named by CHECKPOINT_BACKEND.
func NewCheckpointerFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Checkpointer, error) {
	switch cfg.CheckpointBackend {
	case config.CheckpointMemory:
		return NewMemoryCheckpointer(), nil
	case config.CheckpointPostgres:
		db, err := sqlx.ConnectContext(ctx, "pgx", cfg.CheckpointPostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connecting checkpoint store: %w", err)
		}
		cp, err := NewPostgresCheckpointer(db, logger)
		if err != nil {
			return nil, err
		}
		if err := cp.Migrate(ctx); err != nil {
			return nil, err
		}
		return cp, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}
