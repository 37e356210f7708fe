// Package guardrail evaluates safety rules before model and tool calls.
//
// Rules are registered per stage and evaluated in registration order. A
// Block decision short-circuits the chain and may carry a substitute reply
// delivered in place of the blocked operation's output; Modify rewrites the
// content seen by every later rule and by the caller. Rules can keep
// per-thread scratch state (rate counters, seen-topic sets) through the
// State passed to each evaluation.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Stage identifies where in the turn a chain runs.
type Stage string

const (
	// StagePreModel runs on user input before any model invocation.
	StagePreModel Stage = "pre_model"
	// StagePreTool runs on each tool call before dispatch.
	StagePreTool Stage = "pre_tool"
)

// Action is the outcome kind of a rule evaluation.
type Action int

const (
	// ActionAllow passes content through unchanged.
	ActionAllow Action = iota
	// ActionModify replaces the content and continues the chain.
	ActionModify
	// ActionBlock stops the chain and the guarded operation.
	ActionBlock
)

// Decision is a rule's verdict on one input.
type Decision struct {
	Action     Action
	Content    string // replacement content when Action == ActionModify
	Reason     string // human-readable cause when Action == ActionBlock
	Substitute string // reply delivered instead of the blocked operation's output
}

// Allow returns a pass-through decision.
func Allow() Decision { return Decision{Action: ActionAllow} }

// Modify returns a decision replacing the content.
func Modify(content string) Decision {
	return Decision{Action: ActionModify, Content: content}
}

// Block returns a decision stopping the operation. The substitute, when not
// empty, is delivered in place of what the blocked operation would have
// produced: the final reply at StagePreModel, the tool output at StagePreTool.
func Block(reason, substitute string) Decision {
	return Decision{Action: ActionBlock, Reason: reason, Substitute: substitute}
}

// Input is what a rule evaluates. Content is the text under review: the
// user message at StagePreModel, the call arguments at StagePreTool. At
// StagePreModel the rest of the assembled model request travels alongside so
// rules judge the message in the context it will be sent with.
type Input struct {
	Stage     Stage
	ThreadID  uuid.UUID
	OwnerID   string
	Content   string
	System    string   // assembled system prompt (StagePreModel)
	Context   []string // assembled history, oldest first (StagePreModel)
	Knowledge string   // assembled knowledge context (StagePreModel)
	ToolName  string   // set only at StagePreTool
	State     *State
}

// Rule is a single guardrail check.
type Rule interface {
	// Name identifies the rule in logs and block results.
	Name() string
	// Evaluate returns the rule's decision. An error fails the whole
	// evaluation closed: the guarded operation does not run.
	Evaluate(ctx context.Context, in Input) (Decision, error)
}

// RuleFunc adapts a function to the Rule interface.
type RuleFunc struct {
	RuleName string
	Fn       func(ctx context.Context, in Input) (Decision, error)
}

// Name implements Rule.
func (r RuleFunc) Name() string { return r.RuleName }

// Evaluate implements Rule.
func (r RuleFunc) Evaluate(ctx context.Context, in Input) (Decision, error) {
	return r.Fn(ctx, in)
}

// Result is the outcome of running a chain.
type Result struct {
	Blocked    bool
	BlockedBy  string // rule name when Blocked
	Reason     string
	Substitute string // blocking rule's replacement output, may be empty
	Content    string // final content after any modifications
	Modified   bool
}

// State is per-thread scratch storage shared by all rules.
//
// State is safe for concurrent use, though within one thread evaluations are
// already serialized by the turn orchestrator.
type State struct {
	mu     sync.Mutex
	values map[string]any
}

// Get returns the stored value for key, or nil.
func (s *State) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Set stores a value under key.
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Counter increments and returns the integer stored under key.
func (s *State) Counter(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.values[key].(int)
	n++
	s.values[key] = n
	return n
}

// Engine holds the registered rule chains and per-thread state.
//
// Register is not safe to call concurrently with Evaluate; register all
// rules during startup, then evaluate freely.
type Engine struct {
	chains map[Stage][]Rule

	mu    sync.Mutex
	state map[uuid.UUID]*State
}

// NewEngine creates an empty guardrail engine.
func NewEngine() *Engine {
	return &Engine{
		chains: make(map[Stage][]Rule),
		state:  make(map[uuid.UUID]*State),
	}
}

// Register appends a rule to the stage's chain. Evaluation order is
// registration order.
func (e *Engine) Register(stage Stage, rule Rule) error {
	if rule == nil {
		return errors.New("rule is nil")
	}
	if rule.Name() == "" {
		return errors.New("rule name is empty")
	}
	for _, existing := range e.chains[stage] {
		if existing.Name() == rule.Name() {
			return fmt.Errorf("rule %q already registered for stage %s", rule.Name(), stage)
		}
	}
	e.chains[stage] = append(e.chains[stage], rule)
	return nil
}

// Rules returns the names of the stage's chain in evaluation order.
func (e *Engine) Rules(stage Stage) []string {
	names := make([]string, len(e.chains[stage]))
	for i, r := range e.chains[stage] {
		names[i] = r.Name()
	}
	return names
}

// threadState returns the scratch state for a thread, creating it on first use.
func (e *Engine) threadState(threadID uuid.UUID) *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[threadID]
	if !ok {
		st = &State{values: make(map[string]any)}
		e.state[threadID] = st
	}
	return st
}

// ReleaseThread drops a thread's scratch state. Call when the thread is
// deleted; otherwise state lives as long as the process.
func (e *Engine) ReleaseThread(threadID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.state, threadID)
}

// Evaluate runs the stage's chain over in.Content.
//
// The first Block decision stops the chain immediately; later rules never
// see the input. Modify decisions rewrite the content for the remaining
// rules and the final result. A rule error fails closed.
func (e *Engine) Evaluate(ctx context.Context, stage Stage, in Input) (Result, error) {
	in.Stage = stage
	in.State = e.threadState(in.ThreadID)

	result := Result{Content: in.Content}
	for _, rule := range e.chains[stage] {
		in.Content = result.Content
		decision, err := rule.Evaluate(ctx, in)
		if err != nil {
			return Result{}, fmt.Errorf("rule %q: %w", rule.Name(), err)
		}

		switch decision.Action {
		case ActionAllow:
		case ActionModify:
			result.Content = decision.Content
			result.Modified = true
		case ActionBlock:
			result.Blocked = true
			result.BlockedBy = rule.Name()
			result.Reason = decision.Reason
			result.Substitute = decision.Substitute
			return result, nil
		default:
			return Result{}, fmt.Errorf("rule %q returned unknown action %d", rule.Name(), decision.Action)
		}
	}
	return result, nil
}
