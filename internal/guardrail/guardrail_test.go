package guardrail

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func allowRule(name string) Rule {
	return RuleFunc{RuleName: name, Fn: func(_ context.Context, _ Input) (Decision, error) {
		return Allow(), nil
	}}
}

func TestRegisterValidation(t *testing.T) {
	e := NewEngine()

	if err := e.Register(StagePreModel, nil); err == nil {
		t.Error("Register(nil) should fail")
	}
	if err := e.Register(StagePreModel, allowRule("")); err == nil {
		t.Error("Register() with empty name should fail")
	}
	if err := e.Register(StagePreModel, allowRule("dup")); err != nil {
		t.Fatalf("Register() unexpected error: %v", err)
	}
	if err := e.Register(StagePreModel, allowRule("dup")); err == nil {
		t.Error("Register() duplicate name should fail")
	}
	// Same name on a different stage is a different chain.
	if err := e.Register(StagePreTool, allowRule("dup")); err != nil {
		t.Errorf("Register() same name on other stage: %v", err)
	}
}

func TestEvaluateOrderAndModify(t *testing.T) {
	e := NewEngine()
	var order []string

	mustRegister(t, e, StagePreModel, RuleFunc{RuleName: "redact", Fn: func(_ context.Context, in Input) (Decision, error) {
		order = append(order, "redact")
		return Modify(strings.ReplaceAll(in.Content, "secret", "[redacted]")), nil
	}})
	mustRegister(t, e, StagePreModel, RuleFunc{RuleName: "observe", Fn: func(_ context.Context, in Input) (Decision, error) {
		order = append(order, "observe")
		// Later rules must see the modified content.
		if strings.Contains(in.Content, "secret") {
			t.Errorf("second rule saw unmodified content: %q", in.Content)
		}
		return Allow(), nil
	}})

	res, err := e.Evaluate(context.Background(), StagePreModel, Input{
		ThreadID: uuid.New(),
		Content:  "the secret plan",
	})
	if err != nil {
		t.Fatalf("Evaluate() unexpected error: %v", err)
	}

	if got, want := strings.Join(order, ","), "redact,observe"; got != want {
		t.Errorf("evaluation order = %q, want %q", got, want)
	}
	if !res.Modified || res.Content != "the [redacted] plan" {
		t.Errorf("Evaluate() result = %+v, want modified content", res)
	}
	if res.Blocked {
		t.Error("Evaluate() blocked an allowed input")
	}
}

func TestEvaluateBlockShortCircuits(t *testing.T) {
	e := NewEngine()
	reached := false

	mustRegister(t, e, StagePreModel, RuleFunc{RuleName: "blocker", Fn: func(_ context.Context, _ Input) (Decision, error) {
		return Block("policy violation", "I can't discuss that topic."), nil
	}})
	mustRegister(t, e, StagePreModel, RuleFunc{RuleName: "after", Fn: func(_ context.Context, _ Input) (Decision, error) {
		reached = true
		return Allow(), nil
	}})

	res, err := e.Evaluate(context.Background(), StagePreModel, Input{
		ThreadID: uuid.New(),
		Content:  "anything",
	})
	if err != nil {
		t.Fatalf("Evaluate() unexpected error: %v", err)
	}

	if !res.Blocked || res.BlockedBy != "blocker" || res.Reason != "policy violation" {
		t.Errorf("Evaluate() = %+v, want block by %q", res, "blocker")
	}
	if res.Substitute != "I can't discuss that topic." {
		t.Errorf("Evaluate() substitute = %q, want the blocker's replacement reply", res.Substitute)
	}
	if reached {
		t.Error("rule after a block was evaluated")
	}
}

func TestEvaluateRuleErrorFailsClosed(t *testing.T) {
	e := NewEngine()
	ruleErr := errors.New("backend down")

	mustRegister(t, e, StagePreModel, RuleFunc{RuleName: "broken", Fn: func(_ context.Context, _ Input) (Decision, error) {
		return Decision{}, ruleErr
	}})

	_, err := e.Evaluate(context.Background(), StagePreModel, Input{ThreadID: uuid.New()})
	if !errors.Is(err, ruleErr) {
		t.Errorf("Evaluate() error = %v, want wrapped rule error", err)
	}
}

func TestEvaluateEmptyChainAllows(t *testing.T) {
	e := NewEngine()

	res, err := e.Evaluate(context.Background(), StagePreTool, Input{
		ThreadID: uuid.New(),
		Content:  "untouched",
	})
	if err != nil {
		t.Fatalf("Evaluate() unexpected error: %v", err)
	}
	if res.Blocked || res.Modified || res.Content != "untouched" {
		t.Errorf("Evaluate() empty chain = %+v, want pass-through", res)
	}
}

func TestThreadStateIsolation(t *testing.T) {
	e := NewEngine()

	mustRegister(t, e, StagePreModel, RuleFunc{RuleName: "limiter", Fn: func(_ context.Context, in Input) (Decision, error) {
		if in.State.Counter("turns") > 2 {
			return Block("too many turns", ""), nil
		}
		return Allow(), nil
	}})

	threadA := uuid.New()
	threadB := uuid.New()
	eval := func(id uuid.UUID) Result {
		res, err := e.Evaluate(context.Background(), StagePreModel, Input{ThreadID: id, Content: "x"})
		if err != nil {
			t.Fatalf("Evaluate() unexpected error: %v", err)
		}
		return res
	}

	eval(threadA)
	eval(threadA)
	if res := eval(threadA); !res.Blocked {
		t.Error("third evaluation on thread A should be blocked")
	}
	// Thread B has its own counter.
	if res := eval(threadB); res.Blocked {
		t.Error("thread B inherited thread A's state")
	}

	// Releasing resets the counter.
	e.ReleaseThread(threadA)
	if res := eval(threadA); res.Blocked {
		t.Error("ReleaseThread() did not reset scratch state")
	}
}

func TestRulesLists(t *testing.T) {
	e := NewEngine()
	mustRegister(t, e, StagePreTool, allowRule("first"))
	mustRegister(t, e, StagePreTool, allowRule("second"))

	got := e.Rules(StagePreTool)
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("Rules() = %v, want [first second]", got)
	}
}

func mustRegister(t *testing.T, e *Engine, stage Stage, rule Rule) {
	t.Helper()
	if err := e.Register(stage, rule); err != nil {
		t.Fatalf("Register(%q) unexpected error: %v", rule.Name(), err)
	}
}
