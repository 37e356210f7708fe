// Package knowledge manages the retrieval-augmented knowledge base: document
// ingestion with overlapping chunking, owner-scoped semantic search, and
// context assembly for prompts.
package knowledge

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDocumentNotFound indicates no document exists with the given ID.
var ErrDocumentNotFound = errors.New("document not found")

// ErrEmptyDocument indicates an ingest attempt with no content.
var ErrEmptyDocument = errors.New("document content is empty")

// Status values for Document.Status.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// Document is an ingested knowledge document. Content lives in its chunks;
// the document row tracks identity and processing state.
type Document struct {
	ID            uuid.UUID
	OwnerID       string
	Filename      string
	Status        string
	FailureReason string
	ChunkCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Chunk is one embedded slice of a document.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	OwnerID    string
	Content    string
	Position   int
	Similarity float64 // populated by Search, 0 otherwise
}
