// Package thread manages conversation threads.
//
// A thread is the unit of conversation state: one per (owner, remote
// conversation) pair. GetOrCreate is the only way callers obtain a thread, so
// a remote conversation always maps to exactly one thread row.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates no thread exists with the given ID.
var ErrNotFound = errors.New("thread not found")

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Thread is a persistent conversation thread.
type Thread struct {
	ID             uuid.UUID
	OwnerID        string
	RemoteJID      string
	AgentName      string
	SystemPrompt   string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

const threadCols = `id, owner_id, remote_jid, agent_name, system_prompt, created_at, last_activity_at`

// Store manages threads backed by PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     querier
	logger *slog.Logger
}

// NewStore creates a thread Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: pool, logger: logger}, nil
}

// GetOrCreate returns the thread for (ownerID, remoteJID), creating it when
// absent. The insert-or-select is a single statement so concurrent calls for
// the same pair converge on one row.
func (s *Store) GetOrCreate(ctx context.Context, ownerID, remoteJID, agentName, systemPrompt string) (*Thread, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner ID is required")
	}
	if remoteJID == "" {
		return nil, fmt.Errorf("remote JID is required")
	}

	// ON CONFLICT DO UPDATE (a no-op assignment) makes RETURNING yield the
	// existing row instead of nothing, without a second round trip.
	row := s.db.QueryRow(ctx, `
		INSERT INTO threads (owner_id, remote_jid, agent_name, system_prompt)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id, remote_jid) DO UPDATE SET owner_id = EXCLUDED.owner_id
		RETURNING `+threadCols,
		ownerID, remoteJID, agentName, systemPrompt)

	th, err := scanThread(row)
	if err != nil {
		return nil, fmt.Errorf("getting or creating thread: %w", err)
	}
	return th, nil
}

// Get returns the thread by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Thread, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+threadCols+` FROM threads WHERE id = $1`, id)

	th, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting thread: %w", err)
	}
	return th, nil
}

// Touch updates the thread's last-activity timestamp. Best-effort callers
// may ignore the error; the timestamp only drives cleanup ordering.
func (s *Store) Touch(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE threads SET last_activity_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touching thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ListByOwner returns the owner's threads ordered by most recent activity.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Thread, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner ID is required")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+threadCols+`
		FROM threads
		WHERE owner_id = $1
		ORDER BY last_activity_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning thread: %w", err)
		}
		threads = append(threads, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating threads: %w", err)
	}
	return threads, nil
}

// Delete removes a thread and, via cascade, its messages and checkpoint.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanThread(row pgx.Row) (*Thread, error) {
	var th Thread
	if err := row.Scan(&th.ID, &th.OwnerID, &th.RemoteJID, &th.AgentName,
		&th.SystemPrompt, &th.CreatedAt, &th.LastActivityAt); err != nil {
		return nil, err
	}
	return &th, nil
}
