// Package checkpoint persists per-thread orchestration state.
//
// Each thread has at most one checkpoint: Save is an atomic last-write-wins
// upsert keyed by thread ID. State is an opaque JSON envelope stamped with a
// schema version; Load rejects envelopes written by an incompatible version
// instead of misreading them, and the caller starts that thread fresh.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaVersion is the envelope version written by this build.
const SchemaVersion = 1

// ErrNotFound indicates the thread has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// ErrSchemaVersion indicates a stored checkpoint was written by an
// incompatible version and cannot be restored.
var ErrSchemaVersion = errors.New("incompatible checkpoint schema version")

// Checkpoint is a thread's persisted orchestration state.
type Checkpoint struct {
	ThreadID      uuid.UUID
	SchemaVersion int
	State         json.RawMessage
	UpdatedAt     time.Time
}

// Store manages checkpoints backed by PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a checkpoint Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Save upserts the thread's checkpoint. Concurrent saves for the same
// thread resolve to the last writer; readers never observe a partial state.
func (s *Store) Save(ctx context.Context, threadID uuid.UUID, state json.RawMessage) error {
	if len(state) == 0 {
		return fmt.Errorf("checkpoint state is empty")
	}
	if !json.Valid(state) {
		return fmt.Errorf("checkpoint state is not valid JSON")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (thread_id, schema_version, state, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (thread_id) DO UPDATE SET
			schema_version = EXCLUDED.schema_version,
			state          = EXCLUDED.state,
			updated_at     = EXCLUDED.updated_at`,
		threadID, SchemaVersion, state)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// Load returns the thread's checkpoint. ErrNotFound means the thread has
// never been checkpointed (or was reset); ErrSchemaVersion means a
// checkpoint exists but cannot be restored by this build.
func (s *Store) Load(ctx context.Context, threadID uuid.UUID) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.pool.QueryRow(ctx, `
		SELECT thread_id, schema_version, state, updated_at
		FROM checkpoints
		WHERE thread_id = $1`, threadID,
	).Scan(&cp.ThreadID, &cp.SchemaVersion, &cp.State, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	if cp.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: stored %d, supported %d",
			ErrSchemaVersion, cp.SchemaVersion, SchemaVersion)
	}
	return &cp, nil
}

// Delete removes the thread's checkpoint. Deleting a missing checkpoint is
// not an error; the outcome is the same.
func (s *Store) Delete(ctx context.Context, threadID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}
