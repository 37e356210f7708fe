package api

import (
	"errors"
	"net/http"

	"github.com/parleyline/parley/internal/settings"
)

type settingsBody struct {
	EmbeddingDimensions int     `json:"embedding_dimensions"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	ChunkSize           int     `json:"chunk_size"`
	ChunkOverlap        int     `json:"chunk_overlap"`
	MaxChunksInContext  int     `json:"max_chunks_in_context"`
	MemoryTopK          int     `json:"memory_top_k"`
	KnowledgeTopK       int     `json:"knowledge_top_k"`
}

func toSettingsBody(r settings.Retrieval) settingsBody {
	return settingsBody{
		EmbeddingDimensions: r.EmbeddingDimensions,
		SimilarityThreshold: r.SimilarityThreshold,
		ChunkSize:           r.ChunkSize,
		ChunkOverlap:        r.ChunkOverlap,
		MaxChunksInContext:  r.MaxChunksInContext,
		MemoryTopK:          r.MemoryTopK,
		KnowledgeTopK:       r.KnowledgeTopK,
	}
}

func (b settingsBody) toRetrieval() settings.Retrieval {
	return settings.Retrieval{
		EmbeddingDimensions: b.EmbeddingDimensions,
		SimilarityThreshold: b.SimilarityThreshold,
		ChunkSize:           b.ChunkSize,
		ChunkOverlap:        b.ChunkOverlap,
		MaxChunksInContext:  b.MaxChunksInContext,
		MemoryTopK:          b.MemoryTopK,
		KnowledgeTopK:       b.KnowledgeTopK,
	}
}

func ownerFromQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "owner_id query parameter is required")
		return "", false
	}
	return ownerID, true
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromQuery(w, r)
	if !ok {
		return
	}

	resolved, err := s.cfg.Settings.Resolve(r.Context(), ownerID)
	if err != nil {
		s.logger.Error("resolving settings failed", "error", err, "owner_id", ownerID)
		writeError(w, http.StatusInternalServerError, "settings_failed", "failed to resolve settings")
		return
	}
	writeJSON(w, http.StatusOK, toSettingsBody(resolved))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromQuery(w, r)
	if !ok {
		return
	}
	var body settingsBody
	if !decodeJSON(w, r, &body) {
		return
	}

	retrieval := body.toRetrieval()
	if err := retrieval.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_settings", err.Error())
		return
	}
	if err := s.cfg.Settings.Update(r.Context(), ownerID, retrieval); err != nil {
		if errors.Is(err, settings.ErrDimensionsFixed) {
			writeError(w, http.StatusBadRequest, "invalid_settings", err.Error())
			return
		}
		s.logger.Error("updating settings failed", "error", err, "owner_id", ownerID)
		writeError(w, http.StatusInternalServerError, "settings_failed", "failed to update settings")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDeleteSettings(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromQuery(w, r)
	if !ok {
		return
	}
	if err := s.cfg.Settings.Reset(r.Context(), ownerID); err != nil {
		s.logger.Error("resetting settings failed", "error", err, "owner_id", ownerID)
		writeError(w, http.StatusInternalServerError, "settings_failed", "failed to reset settings")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
