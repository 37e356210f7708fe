// Package tool implements the tool registry and dispatcher.
//
// The registry is closed: every tool a model may call is registered during
// startup, and a call naming anything else is answered with an error-shaped
// result instead of an execution attempt. Argument payloads are validated
// against each tool's JSON schema before the handler runs, so handlers only
// ever see well-formed input.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// execTimeout bounds a single tool execution.
const execTimeout = 30 * time.Second

// Call is a model-requested tool invocation.
type Call struct {
	Name string
	Args json.RawMessage
}

// Result is the outcome of one tool call, always shaped as a result even
// when the call failed; the model sees failures as content, the turn
// continues.
type Result struct {
	ToolName string
	Content  string
	IsError  bool
}

func errorResult(name, format string, args ...any) Result {
	return Result{ToolName: name, Content: fmt.Sprintf(format, args...), IsError: true}
}

// Handler executes a validated tool call. Input is the argument payload
// already checked against the tool's schema.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool couples metadata, an argument schema, and a handler.
type Tool struct {
	name        string
	description string
	schema      *jsonschema.Schema
	resolved    *jsonschema.Resolved
	handler     Handler
}

// Name returns the tool's unique identifier.
func (t *Tool) Name() string { return t.name }

// Description returns what the model reads to decide when to call the tool.
func (t *Tool) Description() string { return t.description }

// Schema returns the argument schema advertised to the model.
func (t *Tool) Schema() *jsonschema.Schema { return t.schema }

// New creates a tool whose argument schema is inferred from In.
//
// The handler receives a decoded In value; schema validation has already
// run, so decoding cannot encounter unknown shapes.
func New[In any](name, description string, handler func(ctx context.Context, in In) (any, error)) (*Tool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("tool %q: handler is required", name)
	}

	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("tool %q: deriving schema: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("tool %q: resolving schema: %w", name, err)
	}

	return &Tool{
		name:        name,
		description: description,
		schema:      schema,
		resolved:    resolved,
		handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in In
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("decoding arguments: %w", err)
				}
			}
			return handler(ctx, in)
		},
	}, nil
}

// Registry is the closed set of dispatchable tools.
//
// Register all tools during startup; Dispatch is then safe for concurrent
// use.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]*Tool), logger: logger}
}

// Register adds a tool. Names are unique across the registry.
func (r *Registry) Register(t *Tool) error {
	if t == nil {
		return fmt.Errorf("tool is nil")
	}
	if _, exists := r.tools[t.name]; exists {
		return fmt.Errorf("tool %q already registered", t.name)
	}
	r.tools[t.name] = t
	r.order = append(r.order, t.name)
	return nil
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []*Tool {
	out := make([]*Tool, len(r.order))
	for i, name := range r.order {
		out[i] = r.tools[name]
	}
	return out
}

// Dispatch validates and executes one tool call.
//
// Every failure mode — unknown tool, schema violation, handler error,
// handler panic — produces an error-shaped Result rather than an error
// return, so a misbehaving tool can never abort the turn. The error return
// is reserved for context cancellation.
func (r *Registry) Dispatch(ctx context.Context, call Call) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	t, ok := r.tools[call.Name]
	if !ok {
		r.logger.Warn("unknown tool requested", "tool", call.Name)
		return errorResult(call.Name, "unknown tool %q", call.Name), nil
	}

	if err := validateArgs(t, call.Args); err != nil {
		r.logger.Warn("tool arguments rejected", "tool", call.Name, "error", err)
		return errorResult(call.Name, "invalid arguments for %q: %v", call.Name, err), nil
	}

	execCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	out, err := r.execute(execCtx, t, call.Args)
	if err != nil {
		// Cancellation propagates; everything else is a tool-level failure.
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		r.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return errorResult(call.Name, "tool %q failed: %v", call.Name, err), nil
	}

	content, err := json.Marshal(out)
	if err != nil {
		return errorResult(call.Name, "tool %q produced unencodable output: %v", call.Name, err), nil
	}
	return Result{ToolName: call.Name, Content: string(content)}, nil
}

// execute runs the handler with panic recovery.
func (r *Registry) execute(ctx context.Context, t *Tool, args json.RawMessage) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked",
				"tool", t.name, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return t.handler(ctx, args)
}

// validateArgs checks the payload against the tool's resolved schema.
func validateArgs(t *Tool, args json.RawMessage) error {
	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return t.resolved.Validate(decoded)
}
