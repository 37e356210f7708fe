package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/parleyline/parley/internal/knowledge"
)

type ingestRequest struct {
	OwnerID      string `json:"owner_id"`
	Filename     string `json:"filename"`
	Content      string `json:"content"`
	ChunkSize    int    `json:"chunk_size,omitempty"`
	ChunkOverlap int    `json:"chunk_overlap,omitempty"`
}

type documentBody struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Filename      string    `json:"filename"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	ChunkCount    int       `json:"chunk_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toDocumentBody(d *knowledge.Document) documentBody {
	return documentBody{
		ID:            d.ID.String(),
		OwnerID:       d.OwnerID,
		Filename:      d.Filename,
		Status:        d.Status,
		FailureReason: d.FailureReason,
		ChunkCount:    d.ChunkCount,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OwnerID == "" || req.Filename == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "owner_id and filename are required")
		return
	}

	opts := knowledge.IngestOpts{ChunkSize: req.ChunkSize, ChunkOverlap: req.ChunkOverlap}
	if opts.ChunkSize <= 0 {
		resolved, err := s.cfg.Settings.Resolve(r.Context(), req.OwnerID)
		if err != nil {
			s.logger.Error("resolving settings for ingest failed", "error", err, "owner_id", req.OwnerID)
			writeError(w, http.StatusInternalServerError, "ingest_failed", "failed to resolve chunking settings")
			return
		}
		opts.ChunkSize = resolved.ChunkSize
		opts.ChunkOverlap = resolved.ChunkOverlap
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		writeError(w, http.StatusBadRequest, "invalid_request", "chunk_overlap must be smaller than chunk_size")
		return
	}

	doc, err := s.cfg.Knowledge.Ingest(r.Context(), req.OwnerID, req.Filename, req.Content, opts)
	if err != nil {
		if errors.Is(err, knowledge.ErrEmptyDocument) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.logger.Error("document ingestion failed", "error", err, "owner_id", req.OwnerID, "filename", req.Filename)
		writeError(w, http.StatusInternalServerError, "ingest_failed", "failed to ingest document")
		return
	}

	status := http.StatusCreated
	if doc.Status == knowledge.StatusFailed {
		// Document row exists but embedding failed; the caller should retry.
		status = http.StatusAccepted
	}
	writeJSON(w, status, toDocumentBody(doc))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "owner_id query parameter is required")
		return
	}

	docs, err := s.cfg.Knowledge.ListDocuments(r.Context(), ownerID)
	if err != nil {
		s.logger.Error("listing documents failed", "error", err, "owner_id", ownerID)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list documents")
		return
	}

	out := make([]documentBody, 0, len(docs))
	for _, d := range docs {
		out = append(out, toDocumentBody(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "owner_id query parameter is required")
		return
	}
	docID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid document ID")
		return
	}

	if err := s.cfg.Knowledge.Delete(r.Context(), ownerID, docID); err != nil {
		if errors.Is(err, knowledge.ErrDocumentNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		s.logger.Error("deleting document failed", "error", err, "document_id", docID)
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
