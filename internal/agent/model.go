// Package agent orchestrates conversation turns: context assembly from
// memory and knowledge, guardrail evaluation, model invocation with retry,
// bounded tool dispatch, and checkpointing. Turns on the same thread are
// strictly serialized; turns on different threads run concurrently.
package agent

import (
	"context"
	"encoding/json"

	"github.com/parleyline/parley/internal/memory"
	"github.com/parleyline/parley/internal/tool"
)

// ChatMessage is one message in a model request.
type ChatMessage struct {
	Role    memory.Role
	Content string
}

// ToolResult pairs a dispatched call with its outcome for the next model
// round.
type ToolResult struct {
	Call   tool.Call
	Result tool.Result
}

// ModelRequest is a single model invocation.
type ModelRequest struct {
	System      string
	Messages    []ChatMessage
	Knowledge   string // assembled knowledge context, empty when none
	Tools       []*tool.Tool
	ToolResults []ToolResult // results from the previous round, if any
}

// ModelResponse is what a model invocation produced: either final text or a
// set of tool calls to execute before the next round.
type ModelResponse struct {
	Text       string
	NeedsReply bool
	ToolCalls  []tool.Call
	Usage      memory.TokenUsage
	ModelName  string
}

// Model generates responses. Implementations must be safe for concurrent
// use; the orchestrator invokes one model from many threads.
type Model interface {
	Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// structuredReply is the JSON envelope models are prompted to answer with.
// Parsing is best-effort: plain text answers are accepted verbatim and
// treated as needing a reply.
type structuredReply struct {
	Response   string `json:"response"`
	NeedsReply *bool  `json:"needs_reply"`
}

// parseReply extracts the reply text and needs-reply flag from raw model
// output.
func parseReply(raw string) (text string, needsReply bool) {
	var sr structuredReply
	if err := json.Unmarshal([]byte(raw), &sr); err == nil && sr.Response != "" {
		if sr.NeedsReply != nil {
			return sr.Response, *sr.NeedsReply
		}
		return sr.Response, true
	}
	return raw, true
}
