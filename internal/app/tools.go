package app

import (
	"context"
	"fmt"

	"github.com/parleyline/parley/internal/knowledge"
	"github.com/parleyline/parley/internal/memory"
	"github.com/parleyline/parley/internal/settings"
	"github.com/parleyline/parley/internal/tool"
)

// memorySearchArgs are the model-facing arguments for the memory search tool.
type memorySearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type knowledgeSearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type searchHit struct {
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	Role       string  `json:"role,omitempty"`
	Position   int     `json:"position,omitempty"`
}

// registerBuiltinTools registers the tools every deployment carries: semantic
// search over the calling thread's memory and over the owner's knowledge
// base. Both read the turn identity from the dispatch context.
func registerBuiltinTools(reg *tool.Registry, messages *memory.Store, kb *knowledge.Store, sets *settings.Store) error {
	memSearch, err := tool.New("memory_search",
		"Search earlier messages in this conversation by meaning. Use when the user refers to something discussed before.",
		func(ctx context.Context, in memorySearchArgs) (any, error) {
			tc, ok := tool.TurnFromContext(ctx)
			if !ok {
				return nil, fmt.Errorf("no active conversation")
			}
			if in.Query == "" {
				return nil, fmt.Errorf("query is required")
			}
			resolved, err := sets.Resolve(ctx, tc.OwnerID)
			if err != nil {
				return nil, fmt.Errorf("resolving retrieval settings: %w", err)
			}
			limit := in.Limit
			if limit <= 0 || limit > resolved.MemoryTopK {
				limit = resolved.MemoryTopK
			}
			msgs, err := messages.Relevant(ctx, tc.ThreadID, in.Query, limit, resolved.SimilarityThreshold)
			if err != nil {
				return nil, fmt.Errorf("searching memory: %w", err)
			}
			hits := make([]searchHit, 0, len(msgs))
			for _, m := range msgs {
				hits = append(hits, searchHit{
					Content:    m.Content,
					Similarity: m.Similarity,
					Role:       string(m.Role),
				})
			}
			return map[string]any{"matches": hits}, nil
		})
	if err != nil {
		return fmt.Errorf("creating memory_search: %w", err)
	}
	if err := reg.Register(memSearch); err != nil {
		return err
	}

	kbSearch, err := tool.New("knowledge_search",
		"Search the owner's ingested documents for facts relevant to a question.",
		func(ctx context.Context, in knowledgeSearchArgs) (any, error) {
			tc, ok := tool.TurnFromContext(ctx)
			if !ok {
				return nil, fmt.Errorf("no active conversation")
			}
			if in.Query == "" {
				return nil, fmt.Errorf("query is required")
			}
			resolved, err := sets.Resolve(ctx, tc.OwnerID)
			if err != nil {
				return nil, fmt.Errorf("resolving retrieval settings: %w", err)
			}
			limit := in.Limit
			if limit <= 0 || limit > resolved.KnowledgeTopK {
				limit = resolved.KnowledgeTopK
			}
			chunks, err := kb.Search(ctx, tc.OwnerID, in.Query, limit, resolved.SimilarityThreshold)
			if err != nil {
				return nil, fmt.Errorf("searching knowledge base: %w", err)
			}
			hits := make([]searchHit, 0, len(chunks))
			for _, c := range chunks {
				hits = append(hits, searchHit{
					Content:    c.Content,
					Similarity: c.Similarity,
					Position:   c.Position,
				})
			}
			return map[string]any{"matches": hits}, nil
		})
	if err != nil {
		return fmt.Errorf("creating knowledge_search: %w", err)
	}
	return reg.Register(kbSearch)
}
