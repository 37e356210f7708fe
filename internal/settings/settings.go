// Package settings stores per-owner retrieval settings.
//
// Every turn resolves the owner's settings once and uses that snapshot for
// the whole turn; a concurrent update becomes visible on the next turn, never
// mid-turn. Owners without a stored row fall back to the deployment defaults
// from the configuration.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyline/parley/internal/config"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrDimensionsFixed reports an attempt to override the embedding
// dimensionality per owner. Dimensions are bound to the deployment's
// embedder; a per-owner value would desync stored vectors from the provider.
var ErrDimensionsFixed = errors.New("embedding dimensions are fixed at the deployment level")

// Retrieval is the resolved retrieval settings for one owner.
// EmbeddingDimensions always mirrors the deployment default; Update rejects
// attempts to change it.
type Retrieval struct {
	EmbeddingDimensions int
	SimilarityThreshold float64
	ChunkSize           int
	ChunkOverlap        int
	MaxChunksInContext  int
	MemoryTopK          int
	KnowledgeTopK       int
}

// toDefaults converts to the config type so its Validate applies the same
// bounds to per-owner overrides as to deployment defaults.
func (r Retrieval) toDefaults() config.RetrievalDefaults {
	return config.RetrievalDefaults{
		EmbeddingDimensions: r.EmbeddingDimensions,
		SimilarityThreshold: r.SimilarityThreshold,
		ChunkSize:           r.ChunkSize,
		ChunkOverlap:        r.ChunkOverlap,
		MaxChunksInContext:  r.MaxChunksInContext,
		MemoryTopK:          r.MemoryTopK,
		KnowledgeTopK:       r.KnowledgeTopK,
	}
}

// Validate checks all settings ranges.
func (r Retrieval) Validate() error {
	return r.toDefaults().Validate()
}

// fromDefaults builds a Retrieval snapshot from deployment defaults.
func fromDefaults(d config.RetrievalDefaults) Retrieval {
	return Retrieval{
		EmbeddingDimensions: d.EmbeddingDimensions,
		SimilarityThreshold: d.SimilarityThreshold,
		ChunkSize:           d.ChunkSize,
		ChunkOverlap:        d.ChunkOverlap,
		MaxChunksInContext:  d.MaxChunksInContext,
		MemoryTopK:          d.MemoryTopK,
		KnowledgeTopK:       d.KnowledgeTopK,
	}
}

// Store manages per-owner retrieval settings backed by PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db       querier
	defaults config.RetrievalDefaults
	logger   *slog.Logger
}

// NewStore creates a settings Store.
func NewStore(pool *pgxpool.Pool, defaults config.RetrievalDefaults, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid deployment defaults: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: pool, defaults: defaults, logger: logger}, nil
}

// Defaults returns the deployment-level retrieval defaults.
func (s *Store) Defaults() Retrieval {
	return fromDefaults(s.defaults)
}

// Resolve returns the retrieval settings for ownerID, falling back to the
// deployment defaults when the owner has no stored override.
func (s *Store) Resolve(ctx context.Context, ownerID string) (Retrieval, error) {
	if ownerID == "" {
		return Retrieval{}, fmt.Errorf("owner ID is required")
	}

	var r Retrieval
	err := s.db.QueryRow(ctx, `
		SELECT embedding_dimensions, similarity_threshold, chunk_size,
		       chunk_overlap, max_chunks_in_context, memory_top_k, knowledge_top_k
		FROM retrieval_settings
		WHERE owner_id = $1`, ownerID,
	).Scan(&r.EmbeddingDimensions, &r.SimilarityThreshold, &r.ChunkSize,
		&r.ChunkOverlap, &r.MaxChunksInContext, &r.MemoryTopK, &r.KnowledgeTopK)
	if errors.Is(err, pgx.ErrNoRows) {
		return fromDefaults(s.defaults), nil
	}
	if err != nil {
		return Retrieval{}, fmt.Errorf("loading retrieval settings: %w", err)
	}
	return r, nil
}

// Update validates and stores the owner's retrieval settings, replacing any
// previous override. Changing EmbeddingDimensions returns ErrDimensionsFixed.
func (s *Store) Update(ctx context.Context, ownerID string, r Retrieval) error {
	if ownerID == "" {
		return fmt.Errorf("owner ID is required")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if r.EmbeddingDimensions != s.defaults.EmbeddingDimensions {
		return fmt.Errorf("%w: got %d, deployment uses %d",
			ErrDimensionsFixed, r.EmbeddingDimensions, s.defaults.EmbeddingDimensions)
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO retrieval_settings (owner_id, embedding_dimensions, similarity_threshold,
			chunk_size, chunk_overlap, max_chunks_in_context, memory_top_k, knowledge_top_k, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id) DO UPDATE SET
			embedding_dimensions  = EXCLUDED.embedding_dimensions,
			similarity_threshold  = EXCLUDED.similarity_threshold,
			chunk_size            = EXCLUDED.chunk_size,
			chunk_overlap         = EXCLUDED.chunk_overlap,
			max_chunks_in_context = EXCLUDED.max_chunks_in_context,
			memory_top_k          = EXCLUDED.memory_top_k,
			knowledge_top_k       = EXCLUDED.knowledge_top_k,
			updated_at            = EXCLUDED.updated_at`,
		ownerID, r.EmbeddingDimensions, r.SimilarityThreshold,
		r.ChunkSize, r.ChunkOverlap, r.MaxChunksInContext,
		r.MemoryTopK, r.KnowledgeTopK, time.Now())
	if err != nil {
		return fmt.Errorf("storing retrieval settings: %w", err)
	}
	return nil
}

// Reset removes the owner's override so defaults apply again.
func (s *Store) Reset(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("owner ID is required")
	}
	if _, err := s.db.Exec(ctx,
		`DELETE FROM retrieval_settings WHERE owner_id = $1`, ownerID); err != nil {
		return fmt.Errorf("resetting retrieval settings: %w", err)
	}
	return nil
}
