package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/parleyline/parley/internal/checkpoint"
	"github.com/parleyline/parley/internal/guardrail"
	"github.com/parleyline/parley/internal/knowledge"
	"github.com/parleyline/parley/internal/memory"
	"github.com/parleyline/parley/internal/settings"
	"github.com/parleyline/parley/internal/thread"
	"github.com/parleyline/parley/internal/tool"
)

// Phase is a turn's position in the state machine. Transitions only move
// forward, except the model/tool loop which alternates between invoked and
// pending until the round budget runs out.
type Phase string

const (
	PhaseReceived         Phase = "received"
	PhaseContextAssembled Phase = "context_assembled"
	PhaseModelInvoked     Phase = "model_invoked"
	PhaseToolPending      Phase = "tool_pending"
	PhaseFinalized        Phase = "finalized"
)

// recentWindow is how many recent messages enter the context before
// semantic retrieval adds older ones.
const recentWindow = 10

// apologyText is the fallback reply when the model is unreachable after all
// retries. The turn still finalizes; the conversation is not wedged.
const apologyText = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."

// TurnRequest is one inbound user message.
type TurnRequest struct {
	OwnerID      string
	RemoteJID    string
	AgentName    string
	SystemPrompt string
	Content      string
}

// TurnResponse is the finalized outcome of a turn. Every turn reaches
// PhaseFinalized and produces one of these, even blocked or degraded ones.
type TurnResponse struct {
	ThreadID   uuid.UUID
	Text       string
	NeedsReply bool
	Blocked    bool
	BlockedBy  string
	Reason     string
	ToolRounds int
	Degraded   bool // embedding or model fallback was taken
	Usage      memory.TokenUsage
}

// turnState is the checkpoint envelope. It is restored at the start of every
// turn, snapshotted before tool dispatch so an interrupted turn leaves its
// pending calls behind, and persisted again at finalization.
type turnState struct {
	Phase            Phase       `json:"phase"`
	Turn             int         `json:"turn"`
	ToolRounds       int         `json:"tool_rounds"`
	NeedsReply       bool        `json:"needs_reply"`
	Degraded         bool        `json:"degraded"`
	PendingToolCalls []tool.Call `json:"pending_tool_calls,omitempty"`
	CompletedAt      time.Time   `json:"completed_at"`
}

// Config wires an Orchestrator.
type Config struct {
	Threads     *thread.Store
	Messages    *memory.Store
	Knowledge   *knowledge.Store
	Settings    *settings.Store
	Checkpoints *checkpoint.Store
	Guardrails  *guardrail.Engine
	Tools       *tool.Registry
	Model       Model

	MaxToolRounds    int
	MaxContextTokens int
	Retry            RetryConfig
	Logger           *slog.Logger
}

// Orchestrator runs the per-turn state machine.
//
// Orchestrator is safe for concurrent use: turns on distinct threads proceed
// in parallel, turns on the same thread are serialized in arrival order.
type Orchestrator struct {
	threads     *thread.Store
	messages    *memory.Store
	kb          *knowledge.Store
	settings    *settings.Store
	checkpoints *checkpoint.Store
	guard       *guardrail.Engine
	registry    *tool.Registry
	model       Model

	maxToolRounds    int
	maxContextTokens int
	retry            RetryConfig
	locks            *keyedMutex
	logger           *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Threads == nil:
		return nil, fmt.Errorf("thread store is required")
	case cfg.Messages == nil:
		return nil, fmt.Errorf("message store is required")
	case cfg.Knowledge == nil:
		return nil, fmt.Errorf("knowledge store is required")
	case cfg.Settings == nil:
		return nil, fmt.Errorf("settings store is required")
	case cfg.Checkpoints == nil:
		return nil, fmt.Errorf("checkpoint store is required")
	case cfg.Guardrails == nil:
		return nil, fmt.Errorf("guardrail engine is required")
	case cfg.Tools == nil:
		return nil, fmt.Errorf("tool registry is required")
	case cfg.Model == nil:
		return nil, fmt.Errorf("model is required")
	}
	if cfg.MaxToolRounds < 1 {
		cfg.MaxToolRounds = 5
	}
	if cfg.MaxContextTokens < 500 {
		cfg.MaxContextTokens = 8000
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		threads:          cfg.Threads,
		messages:         cfg.Messages,
		kb:               cfg.Knowledge,
		settings:         cfg.Settings,
		checkpoints:      cfg.Checkpoints,
		guard:            cfg.Guardrails,
		registry:         cfg.Tools,
		model:            cfg.Model,
		maxToolRounds:    cfg.MaxToolRounds,
		maxContextTokens: cfg.MaxContextTokens,
		retry:            cfg.Retry,
		locks:            newKeyedMutex(),
		logger:           logger,
	}, nil
}

// Turn processes one user message end to end and returns the finalized
// response.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("turn content is empty")
	}

	th, err := o.threads.GetOrCreate(ctx, req.OwnerID, req.RemoteJID, req.AgentName, req.SystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("resolving thread: %w", err)
	}

	// One turn at a time per thread; other threads proceed concurrently.
	o.locks.Lock(th.ID)
	defer o.locks.Unlock(th.ID)

	resp, st, err := o.runTurn(ctx, th, req)
	if err != nil {
		return nil, err
	}

	o.finalize(ctx, th.ID, resp, st)
	return resp, nil
}

// runTurn drives the state machine from RECEIVED to the finalized response.
func (o *Orchestrator) runTurn(ctx context.Context, th *thread.Thread, req TurnRequest) (*TurnResponse, turnState, error) {
	resp := &TurnResponse{ThreadID: th.ID, NeedsReply: true}
	logger := o.logger.With("thread_id", th.ID, "owner_id", th.OwnerID)

	// RECEIVED: restore where the thread left off. A missing, incompatible,
	// or unreadable checkpoint means the thread starts from zero; a phase
	// short of finalized means the previous turn was cut off mid-flight.
	st := o.loadState(ctx, logger, th.ID)
	st.Turn++
	st.Phase = PhaseReceived
	st.ToolRounds = 0
	st.NeedsReply = false
	st.Degraded = false
	st.PendingToolCalls = nil

	// CONTEXT_ASSEMBLED. The live message is not stored yet, so neither the
	// recency window nor semantic recall can hand it back as history.
	modelReq, err := o.assembleContext(ctx, th, req.Content)
	if err != nil {
		return nil, st, err
	}
	st.Phase = PhaseContextAssembled

	// Guardrails judge the fully assembled request before the first model
	// call; the tool loop re-runs them before every later call.
	verdict, err := o.evalPreModel(ctx, th, modelReq)
	if err != nil {
		return nil, st, fmt.Errorf("pre-model guardrails: %w", err)
	}
	content := req.Content
	if verdict.Modified {
		content = verdict.Content
		modelReq.Messages[len(modelReq.Messages)-1].Content = content
	}

	// The user message is part of the record even when blocked.
	if degraded := o.storeMessage(ctx, logger, th.ID, memory.RoleUser, content, memory.AddOpts{}); degraded {
		resp.Degraded = true
	}

	if verdict.Blocked {
		logger.Info("turn blocked before model",
			"rule", verdict.BlockedBy, "reason", verdict.Reason)
		resp.Blocked = true
		resp.BlockedBy = verdict.BlockedBy
		resp.Reason = verdict.Reason
		resp.Text = verdict.Substitute
		resp.NeedsReply = verdict.Substitute != ""
		o.storeMessage(ctx, logger, th.ID, memory.RoleAssistant, resp.Text, memory.AddOpts{})
		return resp, st, nil
	}

	// MODEL_INVOKED / TOOL_PENDING loop.
	final, err := o.modelLoop(ctx, logger, th, modelReq, resp, &st)
	if err != nil {
		return nil, st, err
	}

	if final != nil {
		resp.Text = final.Text
		resp.NeedsReply = final.NeedsReply
		resp.Usage = final.Usage

		o.storeMessage(ctx, logger, th.ID, memory.RoleAssistant, final.Text, memory.AddOpts{
			Usage:     final.Usage,
			ModelName: final.ModelName,
		})
	}
	return resp, st, nil
}

// loadState restores the thread's checkpoint. Threads without one, or with
// one this build cannot read, start fresh.
func (o *Orchestrator) loadState(ctx context.Context, logger *slog.Logger, threadID uuid.UUID) turnState {
	cp, err := o.checkpoints.Load(ctx, threadID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return turnState{}
	case errors.Is(err, checkpoint.ErrSchemaVersion):
		logger.Warn("discarding checkpoint from incompatible build", "error", err)
		return turnState{}
	case err != nil:
		logger.Warn("checkpoint load failed, starting fresh", "error", err)
		return turnState{}
	}

	var st turnState
	if err := json.Unmarshal(cp.State, &st); err != nil {
		logger.Warn("checkpoint state unreadable, starting fresh", "error", err)
		return turnState{}
	}
	if st.Phase != "" && st.Phase != PhaseFinalized {
		logger.Info("previous turn did not finalize",
			"phase", st.Phase, "pending_tool_calls", len(st.PendingToolCalls))
	}
	return st
}

// saveState checkpoints the in-progress state. Best-effort: a failed save
// costs resumability, not the turn.
func (o *Orchestrator) saveState(ctx context.Context, logger *slog.Logger, threadID uuid.UUID, st turnState) {
	raw, err := json.Marshal(st)
	if err == nil {
		err = o.checkpoints.Save(ctx, threadID, raw)
	}
	if err != nil {
		logger.Warn("checkpoint save failed", "phase", st.Phase, "error", err)
	}
}

// evalPreModel runs the pre-model chain over the assembled request. The
// content under review is the live user message, always last in the request.
func (o *Orchestrator) evalPreModel(ctx context.Context, th *thread.Thread, req ModelRequest) (guardrail.Result, error) {
	last := len(req.Messages) - 1
	history := make([]string, 0, last)
	for _, m := range req.Messages[:last] {
		history = append(history, string(m.Role)+": "+m.Content)
	}
	return o.guard.Evaluate(ctx, guardrail.StagePreModel, guardrail.Input{
		ThreadID:  th.ID,
		OwnerID:   th.OwnerID,
		Content:   req.Messages[last].Content,
		System:    req.System,
		Context:   history,
		Knowledge: req.Knowledge,
	})
}

// assembleContext builds the model request: recent history, semantic
// recall, and knowledge base context, trimmed to the token budget.
func (o *Orchestrator) assembleContext(ctx context.Context, th *thread.Thread, content string) (ModelRequest, error) {
	rs, err := o.settings.Resolve(ctx, th.OwnerID)
	if err != nil {
		return ModelRequest{}, fmt.Errorf("resolving retrieval settings: %w", err)
	}

	recent, err := o.messages.Recent(ctx, th.ID, recentWindow)
	if err != nil {
		return ModelRequest{}, fmt.Errorf("loading recent history: %w", err)
	}

	relevant, err := o.messages.Relevant(ctx, th.ID, content, rs.MemoryTopK, rs.SimilarityThreshold)
	if err != nil {
		return ModelRequest{}, fmt.Errorf("semantic recall: %w", err)
	}

	// Semantic hits already covered by recency are dropped; the live user
	// message goes last and cannot collide because it is not stored yet.
	inRecent := make(map[uuid.UUID]struct{}, len(recent))
	recentChat := make([]ChatMessage, 0, len(recent))
	for _, m := range recent {
		inRecent[m.ID] = struct{}{}
		recentChat = append(recentChat, ChatMessage{Role: m.Role, Content: m.Content})
	}
	kept := make([]*memory.Message, 0, len(relevant))
	for _, m := range relevant {
		if _, ok := inRecent[m.ID]; ok {
			continue
		}
		kept = append(kept, m)
	}
	// Relevant returns matches scored best-first; context order and trim
	// priority are chronological, oldest first.
	sortByCreation(kept)
	semantic := make([]ChatMessage, 0, len(kept))
	for _, m := range kept {
		semantic = append(semantic, ChatMessage{Role: m.Role, Content: m.Content})
	}

	chunks, err := o.kb.Search(ctx, th.OwnerID, content, rs.KnowledgeTopK, rs.SimilarityThreshold)
	if err != nil {
		return ModelRequest{}, fmt.Errorf("knowledge search: %w", err)
	}
	kbContext := knowledge.AssembleContext(chunks, rs.MaxChunksInContext, rs.MaxChunksInContext*rs.ChunkSize)

	budget := o.maxContextTokens - estimateTokens(content) - estimateTokens(kbContext)
	semantic, recentChat = trimToBudget(semantic, recentChat, budget)

	msgs := make([]ChatMessage, 0, len(semantic)+len(recentChat)+1)
	msgs = append(msgs, semantic...)
	msgs = append(msgs, recentChat...)
	msgs = append(msgs, ChatMessage{Role: memory.RoleUser, Content: content})

	return ModelRequest{
		System:    th.SystemPrompt,
		Messages:  msgs,
		Knowledge: kbContext,
		Tools:     o.registry.Tools(),
	}, nil
}

// sortByCreation orders messages oldest first, breaking creation-time ties
// by ID so the order is stable across runs.
func sortByCreation(msgs []*memory.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID.String() < msgs[j].ID.String()
	})
}

// modelLoop alternates model invocations and tool dispatch until the model
// produces text or the round budget forces a tool-free final call. The
// pre-model chain re-runs before every invocation after the first, so rules
// see tool results accumulate. A model failure after retries yields the
// apology fallback instead of an error.
func (o *Orchestrator) modelLoop(ctx context.Context, logger *slog.Logger, th *thread.Thread, req ModelRequest, resp *TurnResponse, st *turnState) (*ModelResponse, error) {
	forced := false
	first := true
	for {
		if !first {
			verdict, err := o.evalPreModel(ctx, th, req)
			if err != nil {
				return nil, fmt.Errorf("pre-model guardrails: %w", err)
			}
			if verdict.Blocked {
				logger.Info("turn blocked between tool rounds",
					"rule", verdict.BlockedBy, "reason", verdict.Reason)
				resp.Blocked = true
				resp.BlockedBy = verdict.BlockedBy
				resp.Reason = verdict.Reason
				return &ModelResponse{
					Text:       verdict.Substitute,
					NeedsReply: verdict.Substitute != "",
				}, nil
			}
			if verdict.Modified {
				req.Messages[len(req.Messages)-1].Content = verdict.Content
			}
		}
		first = false

		st.Phase = PhaseModelInvoked
		out, err := o.generateWithRetry(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Error("model unreachable, using fallback reply", "error", err)
			resp.Degraded = true
			return &ModelResponse{Text: apologyText, NeedsReply: true}, nil
		}

		if len(out.ToolCalls) == 0 {
			return out, nil
		}

		if forced {
			// The model requested tools even with none offered; give up on
			// this round rather than loop.
			logger.Error("model ignored withheld tools, using fallback reply")
			resp.Degraded = true
			return &ModelResponse{Text: apologyText, NeedsReply: true}, nil
		}

		if resp.ToolRounds >= o.maxToolRounds {
			// Round budget exhausted: one last call with tools withheld
			// forces a text answer.
			logger.Warn("tool round budget exhausted, forcing final answer",
				"rounds", resp.ToolRounds)
			req.Tools = nil
			forced = true
			continue
		}
		resp.ToolRounds++

		// Snapshot the pending calls so an interrupted turn leaves a
		// resumable record behind.
		st.Phase = PhaseToolPending
		st.ToolRounds = resp.ToolRounds
		st.PendingToolCalls = out.ToolCalls
		o.saveState(ctx, logger, th.ID, *st)

		results := o.dispatchTools(ctx, logger, th, out.ToolCalls)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st.PendingToolCalls = nil
		req.ToolResults = append(req.ToolResults, results...)
	}
}

// dispatchTools runs the round's tool calls sequentially in the order the
// model requested them, each behind the pre-tool guardrail chain.
func (o *Orchestrator) dispatchTools(ctx context.Context, logger *slog.Logger, th *thread.Thread, calls []tool.Call) []ToolResult {
	ctx = tool.WithTurnContext(ctx, tool.TurnContext{ThreadID: th.ID, OwnerID: th.OwnerID})
	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		verdict, err := o.guard.Evaluate(ctx, guardrail.StagePreTool, guardrail.Input{
			ThreadID: th.ID,
			OwnerID:  th.OwnerID,
			Content:  string(call.Args),
			ToolName: call.Name,
		})

		var res tool.Result
		switch {
		case err != nil:
			logger.Warn("pre-tool guardrails failed", "tool", call.Name, "error", err)
			res = tool.Result{ToolName: call.Name, IsError: true,
				Content: fmt.Sprintf("tool %q rejected: guardrail evaluation failed", call.Name)}
		case verdict.Blocked:
			logger.Info("tool call blocked",
				"tool", call.Name, "rule", verdict.BlockedBy, "reason", verdict.Reason)
			// The model sees a normal-shaped result so it answers from the
			// substitute instead of treating the block as a tool failure.
			content := verdict.Substitute
			if content == "" {
				content = fmt.Sprintf("tool %q was not run: %s", call.Name, verdict.Reason)
			}
			res = tool.Result{ToolName: call.Name, Content: content}
		default:
			if verdict.Modified {
				call.Args = json.RawMessage(verdict.Content)
			}
			res, err = o.registry.Dispatch(ctx, call)
			if err != nil {
				// Context cancellation; the loop's caller checks ctx.
				return results
			}
		}

		// Tool results join the durable record like any other message.
		o.storeMessage(ctx, logger, th.ID, memory.RoleTool, res.Content, memory.AddOpts{
			Metadata: map[string]any{"tool": call.Name, "is_error": res.IsError},
		})
		results = append(results, ToolResult{Call: call, Result: res})
	}
	return results
}

// storeMessage persists a message, tolerating embedding degradation.
// Returns true when the write was degraded. Storage failures for non-user
// content are logged, not fatal; the user message path treats them the same
// way because losing a turn is worse than losing its embedding.
func (o *Orchestrator) storeMessage(ctx context.Context, logger *slog.Logger, threadID uuid.UUID, role memory.Role, content string, opts memory.AddOpts) bool {
	if content == "" {
		return false
	}
	_, err := o.messages.AddMessage(ctx, threadID, role, content, opts)
	switch {
	case errors.Is(err, memory.ErrEmbeddingUnavailable):
		return true
	case err != nil:
		logger.Error("storing message failed", "role", role, "error", err)
	}
	return false
}

// finalize checkpoints the turn and touches the thread. Both are
// best-effort: a checkpoint failure degrades the response, never fails it.
func (o *Orchestrator) finalize(ctx context.Context, threadID uuid.UUID, resp *TurnResponse, st turnState) {
	st.Phase = PhaseFinalized
	st.ToolRounds = resp.ToolRounds
	st.NeedsReply = resp.NeedsReply
	st.Degraded = resp.Degraded
	st.PendingToolCalls = nil
	st.CompletedAt = time.Now().UTC()

	state, err := json.Marshal(st)
	if err == nil {
		err = o.checkpoints.Save(ctx, threadID, state)
	}
	if err != nil {
		o.logger.Warn("checkpoint save failed", "thread_id", threadID, "error", err)
		resp.Degraded = true
	}

	if err := o.threads.Touch(ctx, threadID); err != nil {
		o.logger.Debug("thread touch failed", "thread_id", threadID, "error", err)
	}
}
