package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/parleyline/parley/internal/embed"
)

// messageCols is the standard SELECT column list for scanMessages.
const messageCols = `id, thread_id, role, content, embedding IS NOT NULL,
	metadata, COALESCE(input_tokens, 0), COALESCE(output_tokens, 0),
	COALESCE(total_tokens, 0), COALESCE(model_name, ''), created_at`

// Store manages conversation messages backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool     *pgxpool.Pool
	provider embed.Provider
	logger   *slog.Logger
}

// NewStore creates a message Store.
func NewStore(pool *pgxpool.Pool, provider embed.Provider, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, provider: provider, logger: logger}, nil
}

// AddMessage persists a message and its embedding.
//
// When the embedding provider fails, the message is still stored (embedding
// NULL) and the returned error wraps ErrEmbeddingUnavailable; the returned
// Message is valid in that case. Any other error means nothing was stored.
func (s *Store) AddMessage(ctx context.Context, threadID uuid.UUID, role Role, content string, opts AddOpts) (*Message, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	var vec *pgvector.Vector
	raw, embedErr := s.provider.Embed(ctx, content)
	if embedErr != nil {
		if !errors.Is(embedErr, embed.ErrUnavailable) {
			return nil, fmt.Errorf("embedding message: %w", embedErr)
		}
		s.logger.Warn("storing message without embedding",
			"thread_id", threadID, "error", embedErr)
	} else {
		v := pgvector.NewVector(raw)
		vec = &v
	}

	meta := opts.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (thread_id, role, content, embedding, metadata,
			input_tokens, output_tokens, total_tokens, model_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		RETURNING `+messageCols,
		threadID, role, content, vec, meta,
		opts.Usage.InputTokens, opts.Usage.OutputTokens,
		opts.Usage.TotalTokens, opts.ModelName)

	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("storing message: %w", err)
	}

	if embedErr != nil {
		return msg, ErrEmbeddingUnavailable
	}
	return msg, nil
}

// Recent returns the newest limit messages of a thread in chronological
// order (oldest first).
func (s *Store) Recent(ctx context.Context, threadID uuid.UUID, limit int) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageCols+`
			FROM messages
			WHERE thread_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) newest
		ORDER BY created_at ASC, id ASC`,
		threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading recent messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Relevant returns up to topK messages whose cosine similarity to the query
// meets threshold, ordered by similarity (highest first) with recency as the
// tiebreak. Messages without embeddings are invisible to semantic search.
//
// A provider failure degrades to an empty result rather than failing the
// caller; recency-based retrieval still works.
func (s *Store) Relevant(ctx context.Context, threadID uuid.UUID, query string, topK int, threshold float64) ([]*Message, error) {
	if query == "" || topK <= 0 {
		return nil, nil
	}

	raw, err := s.provider.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, embed.ErrUnavailable) {
			s.logger.Warn("semantic search degraded, provider unavailable",
				"thread_id", threadID, "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	vec := pgvector.NewVector(raw)

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageCols+`, 1 - (embedding <=> $2) AS similarity
		FROM messages
		WHERE thread_id = $1
		  AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $2) >= $3
		ORDER BY similarity DESC, created_at DESC
		LIMIT $4`,
		threadID, vec, threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessageWithSimilarity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

// ContextMessages assembles the retrieval context for a turn: the newest
// recentLimit messages plus up to topK semantically relevant older ones,
// deduplicated by ID and returned in chronological order.
func (s *Store) ContextMessages(ctx context.Context, threadID uuid.UUID, query string, recentLimit, topK int, threshold float64) ([]*Message, error) {
	recent, err := s.Recent(ctx, threadID, recentLimit)
	if err != nil {
		return nil, err
	}

	relevant, err := s.Relevant(ctx, threadID, query, topK, threshold)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(recent))
	merged := make([]*Message, 0, len(recent)+len(relevant))
	for _, m := range recent {
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range relevant {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].ID.String() < merged[j].ID.String()
		}
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged, nil
}

// Backfill embeds up to batchSize messages stored without embeddings.
// Returns the number successfully embedded. Individual failures are logged
// and skipped so one poisoned message cannot stall the whole batch.
func (s *Store) Backfill(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, content
		FROM messages
		WHERE embedding IS NULL
		ORDER BY created_at ASC
		LIMIT $1`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("loading unembedded messages: %w", err)
	}

	type pending struct {
		id      uuid.UUID
		content string
	}
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning unembedded message: %w", err)
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating unembedded messages: %w", err)
	}

	var done int
	for _, p := range batch {
		raw, err := s.provider.Embed(ctx, p.content)
		if err != nil {
			if errors.Is(err, embed.ErrUnavailable) {
				// Provider is down; the rest of the batch will fail too.
				s.logger.Warn("backfill halted, provider unavailable", "embedded", done)
				return done, nil
			}
			s.logger.Warn("backfill skipping message", "message_id", p.id, "error", err)
			continue
		}

		if _, err := s.pool.Exec(ctx,
			`UPDATE messages SET embedding = $2 WHERE id = $1 AND embedding IS NULL`,
			p.id, pgvector.NewVector(raw)); err != nil {
			return done, fmt.Errorf("storing backfilled embedding: %w", err)
		}
		done++
	}
	return done, nil
}

// Stats returns message and token counts for a thread.
func (s *Store) Stats(ctx context.Context, threadID uuid.UUID) (Stats, error) {
	var (
		st          Stats
		firstAt     *time.Time
		lastAt      *time.Time
		totalTokens *int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(embedding),
		       COUNT(*) FILTER (WHERE role = 'user'),
		       SUM(total_tokens),
		       MIN(created_at),
		       MAX(created_at)
		FROM messages
		WHERE thread_id = $1`, threadID,
	).Scan(&st.MessageCount, &st.EmbeddedCount, &st.UserMessages,
		&totalTokens, &firstAt, &lastAt)
	if err != nil {
		return Stats{}, fmt.Errorf("loading thread stats: %w", err)
	}
	if totalTokens != nil {
		st.TotalTokens = *totalTokens
	}
	if firstAt != nil {
		st.FirstMessageAt = *firstAt
	}
	if lastAt != nil {
		st.LastMessageAt = *lastAt
	}
	return st, nil
}

// Cleanup deletes all but the newest keepRecent messages of a thread and
// returns the number removed.
func (s *Store) Cleanup(ctx context.Context, threadID uuid.UUID, keepRecent int) (int64, error) {
	if keepRecent < 0 {
		keepRecent = 0
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM messages
		WHERE thread_id = $1
		  AND id NOT IN (
			SELECT id FROM messages
			WHERE thread_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		  )`, threadID, keepRecent)
	if err != nil {
		return 0, fmt.Errorf("cleaning up messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.HasVector,
		&m.Metadata, &m.Usage.InputTokens, &m.Usage.OutputTokens,
		&m.Usage.TotalTokens, &m.ModelName, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessageWithSimilarity(row pgx.Row) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.HasVector,
		&m.Metadata, &m.Usage.InputTokens, &m.Usage.OutputTokens,
		&m.Usage.TotalTokens, &m.ModelName, &m.CreatedAt, &m.Similarity); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessages(rows pgx.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}
