// Package memory stores conversation messages with vector embeddings and
// serves both recency-based and semantic retrieval over them.
//
// Every stored message is embedded at write time when the embedding provider
// is available; when it is not, the message is still persisted (with a NULL
// embedding) so the conversational record never loses turns, and the write
// reports ErrEmbeddingUnavailable so callers know retrieval quality is
// degraded until a backfill pass re-embeds the gap.
package memory

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parleyline/parley/internal/embed"
)

// ErrEmbeddingUnavailable reports that a message was persisted without an
// embedding because the provider failed. The message itself is durable.
var ErrEmbeddingUnavailable = fmt.Errorf("message stored without embedding: %w", embed.ErrUnavailable)

// ErrEmptyContent indicates an attempt to store a message with no content.
var ErrEmptyContent = errors.New("message content is empty")

// ErrInvalidRole indicates an unknown message role.
var ErrInvalidRole = errors.New("invalid message role")

// Role identifies the author of a message.
type Role string

// Message roles. These match the CHECK constraint on the messages table.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return true
	}
	return false
}

// TokenUsage records provider token accounting for a message.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Message is a stored conversation message.
type Message struct {
	ID         uuid.UUID
	ThreadID   uuid.UUID
	Role       Role
	Content    string
	HasVector  bool
	Metadata   map[string]any
	Usage      TokenUsage
	ModelName  string
	CreatedAt  time.Time
	Similarity float64 // populated by semantic search, 0 otherwise
}

// Stats summarizes a thread's stored conversation.
type Stats struct {
	MessageCount   int
	EmbeddedCount  int
	UserMessages   int
	TotalTokens    int64
	FirstMessageAt time.Time
	LastMessageAt  time.Time
}

// AddOpts carries optional per-message fields for AddMessage.
type AddOpts struct {
	Metadata  map[string]any
	Usage     TokenUsage
	ModelName string
}
