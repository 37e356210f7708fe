package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parleyline/parley/internal/thread"
)

type threadBody struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	RemoteJID      string    `json:"remote_jid"`
	AgentName      string    `json:"agent_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type threadStatsBody struct {
	MessageCount   int        `json:"message_count"`
	EmbeddedCount  int        `json:"embedded_count"`
	UserMessages   int        `json:"user_messages"`
	TotalTokens    int64      `json:"total_tokens"`
	FirstMessageAt *time.Time `json:"first_message_at,omitempty"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerFromQuery(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	threads, err := s.cfg.Threads.ListByOwner(r.Context(), ownerID, limit)
	if err != nil {
		s.logger.Error("listing threads failed", "error", err, "owner_id", ownerID)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list threads")
		return
	}

	out := make([]threadBody, 0, len(threads))
	for _, th := range threads {
		out = append(out, threadBody{
			ID:             th.ID.String(),
			OwnerID:        th.OwnerID,
			RemoteJID:      th.RemoteJID,
			AgentName:      th.AgentName,
			CreatedAt:      th.CreatedAt,
			LastActivityAt: th.LastActivityAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": out})
}

func (s *Server) handleThreadStats(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid thread ID")
		return
	}
	if _, err := s.cfg.Threads.Get(r.Context(), id); err != nil {
		if errors.Is(err, thread.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		s.logger.Error("loading thread failed", "error", err, "thread_id", id)
		writeError(w, http.StatusInternalServerError, "stats_failed", "failed to load thread")
		return
	}

	stats, err := s.cfg.Messages.Stats(r.Context(), id)
	if err != nil {
		s.logger.Error("computing thread stats failed", "error", err, "thread_id", id)
		writeError(w, http.StatusInternalServerError, "stats_failed", "failed to compute thread stats")
		return
	}

	body := threadStatsBody{
		MessageCount:  stats.MessageCount,
		EmbeddedCount: stats.EmbeddedCount,
		UserMessages:  stats.UserMessages,
		TotalTokens:   stats.TotalTokens,
	}
	if !stats.FirstMessageAt.IsZero() {
		body.FirstMessageAt = &stats.FirstMessageAt
	}
	if !stats.LastMessageAt.IsZero() {
		body.LastMessageAt = &stats.LastMessageAt
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid thread ID")
		return
	}
	if err := s.cfg.Threads.Delete(r.Context(), id); err != nil {
		if errors.Is(err, thread.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "thread not found")
			return
		}
		s.logger.Error("deleting thread failed", "error", err, "thread_id", id)
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete thread")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
