package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/parleyline/parley/internal/embed"
)

const documentCols = `id, owner_id, filename, status, COALESCE(failure_reason, ''),
	chunk_count, created_at, updated_at`

// IngestOpts carries per-ingest chunking parameters, resolved from the
// owner's retrieval settings by the caller.
type IngestOpts struct {
	ChunkSize    int
	ChunkOverlap int
}

// Store manages knowledge documents and chunks backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool     *pgxpool.Pool
	provider embed.Provider
	logger   *slog.Logger
}

// NewStore creates a knowledge Store.
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

// Ingest chunks, embeds, and stores a document. Re-ingesting the same
// (owner, filename) replaces the previous chunks atomically: searches see
// either the old content or the new, never a mix.
//
// Unlike message writes, knowledge ingestion does not degrade on embedding
// failure: a document whose chunks cannot be embedded is unreachable by
// search, so the document is marked failed and the error returned.
func (s *Store) Ingest(ctx context.Context, ownerID, filename, content string, opts IngestOpts) (*Document, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner ID is required")
	}
	if filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyDocument
	}
	if opts.ChunkSize < 1 || opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		return nil, fmt.Errorf("invalid chunking: size %d overlap %d", opts.ChunkSize, opts.ChunkOverlap)
	}

	docID, err := s.upsertPending(ctx, ownerID, filename)
	if err != nil {
		return nil, err
	}

	// Embed outside the transaction so no connection is held across
	// provider calls.
	pieces := SplitText(content, opts.ChunkSize, opts.ChunkOverlap)
	vectors := make([]pgvector.Vector, len(pieces))
	for i, piece := range pieces {
		raw, err := s.provider.Embed(ctx, piece)
		if err != nil {
			return nil, s.markFailed(ctx, docID, fmt.Errorf("embedding chunk %d: %w", i, err))
		}
		vectors[i] = pgvector.NewVector(raw)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx,
		`DELETE FROM knowledge_chunks WHERE document_id = $1`, docID); err != nil {
		return nil, fmt.Errorf("removing previous chunks: %w", err)
	}

	for i, piece := range pieces {
		if _, err := tx.Exec(ctx, `
			INSERT INTO knowledge_chunks (document_id, owner_id, content, embedding, position)
			VALUES ($1, $2, $3, $4, $5)`,
			docID, ownerID, piece, vectors[i], i); err != nil {
			return nil, fmt.Errorf("storing chunk %d: %w", i, err)
		}
	}

	row := tx.QueryRow(ctx, `
		UPDATE knowledge_documents
		SET status = $2, failure_reason = NULL, chunk_count = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+documentCols,
		docID, StatusProcessed, len(pieces))

	doc, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("finalizing document: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing ingest: %w", err)
	}

	s.logger.Info("document ingested",
		"document_id", doc.ID, "owner_id", ownerID,
		"filename", filename, "chunks", doc.ChunkCount)
	return doc, nil
}

// upsertPending creates or resets the document row to pending.
func (s *Store) upsertPending(ctx context.Context, ownerID, filename string) (uuid.UUID, error) {
	var docID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM knowledge_documents
		WHERE owner_id = $1 AND filename = $2`, ownerID, filename).Scan(&docID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		err = s.pool.QueryRow(ctx, `
			INSERT INTO knowledge_documents (owner_id, filename, status)
			VALUES ($1, $2, $3)
			RETURNING id`, ownerID, filename, StatusPending).Scan(&docID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("creating document: %w", err)
		}
	case err != nil:
		return uuid.Nil, fmt.Errorf("looking up document: %w", err)
	default:
		if _, err := s.pool.Exec(ctx, `
			UPDATE knowledge_documents
			SET status = $2, failure_reason = NULL, updated_at = now()
			WHERE id = $1`, docID, StatusPending); err != nil {
			return uuid.Nil, fmt.Errorf("resetting document: %w", err)
		}
	}
	return docID, nil
}

// markFailed records the failure reason and returns the original error.
func (s *Store) markFailed(ctx context.Context, docID uuid.UUID, cause error) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE knowledge_documents
		SET status = $2, failure_reason = $3, updated_at = now()
		WHERE id = $1`, docID, StatusFailed, cause.Error()); err != nil {
		s.logger.Warn("recording ingest failure", "document_id", docID, "error", err)
	}
	return fmt.Errorf("ingesting document: %w", cause)
}

// Search returns up to topK chunks owned by ownerID whose cosine similarity
// to the query meets threshold, highest similarity first. Only processed
// documents' chunks are searched; a search can never cross owners.
func (s *Store) Search(ctx context.Context, ownerID, query string, topK int, threshold float64) ([]*Chunk, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner ID is required")
	}
	if query == "" || topK <= 0 {
		return nil, nil
	}

	raw, err := s.provider.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, embed.ErrUnavailable) {
			s.logger.Warn("knowledge search degraded, provider unavailable",
				"owner_id", ownerID, "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	vec := pgvector.NewVector(raw)

	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.document_id, c.owner_id, c.content, c.position,
		       1 - (c.embedding <=> $2) AS similarity
		FROM knowledge_chunks c
		JOIN knowledge_documents d ON d.id = c.document_id
		WHERE c.owner_id = $1
		  AND d.status = 'processed'
		  AND 1 - (c.embedding <=> $2) >= $3
		ORDER BY similarity DESC, c.position ASC
		LIMIT $4`,
		ownerID, vec, threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.OwnerID, &c.Content,
			&c.Position, &c.Similarity); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return chunks, nil
}

// AssembleContext joins chunks into a prompt context block, keeping at most
// maxChunks chunks and maxChars total characters. A chunk that would cross
// the character budget is dropped whole; chunks are never truncated
// mid-content.
func AssembleContext(chunks []*Chunk, maxChunks, maxChars int) string {
	if len(chunks) == 0 || maxChunks < 1 || maxChars < 1 {
		return ""
	}

	var b strings.Builder
	used := 0
	for i, c := range chunks {
		if i >= maxChunks {
			break
		}
		cost := len(c.Content)
		if used > 0 {
			cost += 2 // separator
		}
		if used+cost > maxChars {
			break
		}
		if used > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(c.Content)
		used += cost
	}
	return b.String()
}

// ListDocuments returns the owner's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, ownerID string) ([]*Document, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner ID is required")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+documentCols+`
		FROM knowledge_documents
		WHERE owner_id = $1
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, nil
}

// Delete removes a document and, via cascade, its chunks. The owner scope
// makes it impossible to delete another owner's document by guessing IDs.
func (s *Store) Delete(ctx context.Context, ownerID string, docID uuid.UUID) error {
	if ownerID == "" {
		return fmt.Errorf("owner ID is required")
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM knowledge_documents WHERE id = $1 AND owner_id = $2`,
		docID, ownerID)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}
	return nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Filename, &d.Status,
		&d.FailureReason, &d.ChunkCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}
