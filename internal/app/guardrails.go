package app

import (
	"context"
	"fmt"

	"github.com/parleyline/parley/internal/guardrail"
)

// maxInputRunes caps inbound message length before the model sees it. Longer
// input is truncated, not rejected; chat transports routinely concatenate
// forwarded content.
const maxInputRunes = 8000

// maxToolCallsPerThread caps how many calls a single tool may make within one
// thread's lifetime. It is a flood guard against a model stuck in a tool
// loop across turns, not a quota.
const maxToolCallsPerThread = 100

// defaultGuardrails builds the engine with the rules every deployment
// carries. Deployments add their own rules on top before serving.
func defaultGuardrails() (*guardrail.Engine, error) {
	engine := guardrail.NewEngine()

	err := engine.Register(guardrail.StagePreModel, guardrail.RuleFunc{
		RuleName: "input-length",
		Fn: func(_ context.Context, in guardrail.Input) (guardrail.Decision, error) {
			runes := []rune(in.Content)
			if len(runes) <= maxInputRunes {
				return guardrail.Allow(), nil
			}
			return guardrail.Modify(string(runes[:maxInputRunes])), nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registering input-length: %w", err)
	}

	err = engine.Register(guardrail.StagePreTool, guardrail.RuleFunc{
		RuleName: "tool-budget",
		Fn: func(_ context.Context, in guardrail.Input) (guardrail.Decision, error) {
			if in.State == nil {
				return guardrail.Allow(), nil
			}
			if n := in.State.Counter("tool_calls:" + in.ToolName); n > maxToolCallsPerThread {
				return guardrail.Block(
					fmt.Sprintf("tool %q exceeded its call budget for this conversation", in.ToolName),
					fmt.Sprintf("tool %q is no longer available in this conversation; answer from what is already known", in.ToolName),
				), nil
			}
			return guardrail.Allow(), nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registering tool-budget: %w", err)
	}

	return engine, nil
}
