package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/parleyline/parley/internal/memory"
	"github.com/parleyline/parley/internal/tool"
)

// generateTimeout bounds a single model invocation.
const generateTimeout = 60 * time.Second

// GenkitModel adapts a Genkit model to the Model interface.
//
// Tool calls are returned to the orchestrator instead of being executed by
// Genkit, so guardrail evaluation and the dispatch loop stay under the
// orchestrator's control. The same shared semaphore and rate limiter pattern
// as the embedding provider bounds model calls across all threads.
type GenkitModel struct {
	g         *genkit.Genkit
	modelName string
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// GenkitModelConfig configures a GenkitModel.
type GenkitModelConfig struct {
	Genkit      *genkit.Genkit
	ModelName   string
	Concurrency int64   // max in-flight calls (default 8)
	RateLimit   float64 // sustained calls/sec (default 10)
	Logger      *slog.Logger
}

// NewGenkitModel creates a Model backed by a Genkit model. Tools from the
// registry are defined in Genkit so the model sees their signatures; their
// handlers never run because generation returns tool requests unexecuted.
func NewGenkitModel(cfg GenkitModelConfig, tools []*tool.Tool) (*GenkitModel, error) {
	if cfg.Genkit == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, t := range tools {
		name := t.Name()
		genkit.DefineTool(cfg.Genkit, name, t.Description(),
			func(_ *ai.ToolContext, _ map[string]any) (string, error) {
				return "", fmt.Errorf("tool %q must be dispatched by the orchestrator", name)
			})
	}

	return &GenkitModel{
		g:         cfg.Genkit,
		modelName: cfg.ModelName,
		sem:       semaphore.NewWeighted(cfg.Concurrency),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.Concurrency)*2),
		logger:    logger,
	}, nil
}

// Generate implements Model.
func (m *GenkitModel) Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring model slot: %w", err)
	}
	defer m.sem.Release(1)

	genCtx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	opts := []ai.GenerateOption{
		ai.WithModelName(m.modelName),
		ai.WithMessages(buildMessages(req)...),
		ai.WithReturnToolRequests(true),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}
	if len(req.Tools) > 0 {
		refs := make([]ai.ToolRef, len(req.Tools))
		for i, t := range req.Tools {
			refs[i] = ai.ToolName(t.Name())
		}
		opts = append(opts, ai.WithTools(refs...))
	}
	if req.Knowledge != "" {
		opts = append(opts, ai.WithDocs(ai.DocumentFromText(req.Knowledge, nil)))
	}

	resp, err := genkit.Generate(genCtx, m.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generating response: %w", err)
	}

	out := &ModelResponse{ModelName: m.modelName}
	if resp.Usage != nil {
		out.Usage = memory.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}

	for _, tr := range resp.ToolRequests() {
		args, err := json.Marshal(tr.Input)
		if err != nil {
			return nil, fmt.Errorf("encoding tool arguments for %q: %w", tr.Name, err)
		}
		out.ToolCalls = append(out.ToolCalls, tool.Call{Name: tr.Name, Args: args})
	}

	if len(out.ToolCalls) == 0 {
		out.Text, out.NeedsReply = parseReply(resp.Text())
	}
	return out, nil
}

// buildMessages converts the request into Genkit's message list, folding
// prior tool results into tool-role messages.
func buildMessages(req ModelRequest) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(req.Messages)+len(req.ToolResults))
	for _, m := range req.Messages {
		switch m.Role {
		case memory.RoleAssistant:
			msgs = append(msgs, ai.NewModelMessage(ai.NewTextPart(m.Content)))
		case memory.RoleSystem:
			msgs = append(msgs, ai.NewSystemMessage(ai.NewTextPart(m.Content)))
		case memory.RoleTool:
			msgs = append(msgs, ai.NewMessage(ai.RoleTool, nil, ai.NewTextPart(m.Content)))
		default:
			msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(m.Content)))
		}
	}
	for _, tr := range req.ToolResults {
		msgs = append(msgs, ai.NewMessage(ai.RoleTool, nil, ai.NewToolResponsePart(&ai.ToolResponse{
			Name:   tr.Result.ToolName,
			Output: tr.Result.Content,
		})))
	}
	return msgs
}
