package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/parleyline/parley/internal/agent"
)

type turnRequest struct {
	OwnerID      string `json:"owner_id"`
	RemoteJID    string `json:"remote_jid"`
	AgentName    string `json:"agent_name,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Content      string `json:"content"`
}

type turnResponse struct {
	ThreadID   string    `json:"thread_id"`
	Text       string    `json:"text"`
	NeedsReply bool      `json:"needs_reply"`
	Blocked    bool      `json:"blocked,omitempty"`
	BlockedBy  string    `json:"blocked_by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ToolRounds int       `json:"tool_rounds,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
	Usage      usageBody `json:"usage"`
	RequestID  string    `json:"request_id,omitempty"`
}

type usageBody struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OwnerID == "" || req.RemoteJID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "owner_id and remote_jid are required")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}

	resp, err := s.cfg.Orchestrator.Turn(r.Context(), agent.TurnRequest{
		OwnerID:      req.OwnerID,
		RemoteJID:    req.RemoteJID,
		AgentName:    req.AgentName,
		SystemPrompt: req.SystemPrompt,
		Content:      req.Content,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// 499-style: the caller went away, nothing useful to report.
			writeError(w, http.StatusServiceUnavailable, "cancelled", "request cancelled")
			return
		}
		s.logger.Error("turn failed", "error", err, "owner_id", req.OwnerID)
		writeError(w, http.StatusInternalServerError, "turn_failed", "failed to process turn")
		return
	}

	writeJSON(w, http.StatusOK, turnResponse{
		ThreadID:   resp.ThreadID.String(),
		Text:       resp.Text,
		NeedsReply: resp.NeedsReply,
		Blocked:    resp.Blocked,
		BlockedBy:  resp.BlockedBy,
		Reason:     resp.Reason,
		ToolRounds: resp.ToolRounds,
		Degraded:   resp.Degraded,
		Usage: usageBody{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		RequestID: RequestID(r.Context()),
	})
}
