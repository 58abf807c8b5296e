package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"harness/internal/llm"
	"harness/internal/metrics"
)

// ErrNotFound is the failure text for an invocation of an unknown tool.
const ErrNotFound = "not found"

type Tool interface {
	Name() string
	Description() string
	// InputSchema is a JSON schema object for the input, or nil to accept
	// anything.
	InputSchema() map[string]any
	Execute(ctx context.Context, input json.RawMessage) (any, error)
}

// Handler is the plain-function form of a tool.
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

// InvocationResult is the outcome of Invoke. Exactly one of Output and Error
// is meaningful, depending on Success.
type InvocationResult struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

type handlerTool struct {
	name string
	fn   Handler
}

func (h handlerTool) Name() string                { return h.name }
func (h handlerTool) Description() string         { return "" }
func (h handlerTool) InputSchema() map[string]any { return nil }
func (h handlerTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	return h.fn(ctx, input)
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maps tool names to tools. The last registration for a name wins.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register installs fn under name without input validation.
func (r *Registry) Register(name string, fn Handler) {
	r.put(entry{tool: handlerTool{name: name, fn: fn}})
}

// RegisterTool installs t, compiling its input schema when it has one.
func (r *Registry) RegisterTool(t Tool) error {
	e := entry{tool: t}
	if s := t.InputSchema(); s != nil {
		sch, err := compileSchema(s)
		if err != nil {
			return fmt.Errorf("tool %s: %w", t.Name(), err)
		}
		e.schema = sch
	}
	r.put(e)
	return nil
}

func (r *Registry) put(e entry) {
	r.mu.Lock()
	r.tools[e.tool.Name()] = e
	r.mu.Unlock()
}

// Unregister removes name and reports whether it was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// All returns the registered tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Schemas describes the registered tools for a model request.
func (r *Registry) Schemas() []llm.ToolSchema {
	tools := r.All()
	out := make([]llm.ToolSchema, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema()
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, llm.ToolSchema{Name: t.Name(), Description: t.Description(), InputSchema: schema})
	}
	return out
}

// Scope returns a registry holding only the named tools. An empty list
// copies every tool.
func (r *Registry) Scope(names []string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scoped := NewRegistry()
	if len(names) == 0 {
		for name, e := range r.tools {
			scoped.tools[name] = e
		}
		return scoped
	}
	for _, name := range names {
		if e, ok := r.tools[name]; ok {
			scoped.tools[name] = e
		}
	}
	return scoped
}

// Invoke runs the named tool. It never panics and never returns an error:
// unknown names, invalid input, handler errors and handler panics all
// become failed results.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (res InvocationResult) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()

	defer func() {
		if p := recover(); p != nil {
			slog.Warn("tool panicked", "tool", name, "panic", p)
			res = InvocationResult{Error: fmt.Sprint(p)}
		}
		metrics.RecordToolCall(name, res.Success)
	}()

	if !ok {
		slog.Warn("unknown tool call", "tool", name)
		return InvocationResult{Error: ErrNotFound}
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if !json.Valid(input) {
		slog.Warn("tool input is not valid JSON", "tool", name)
		return InvocationResult{Error: "invalid input: arguments are not valid JSON"}
	}
	if e.schema != nil {
		if err := validateInput(e.schema, input); err != nil {
			return InvocationResult{Error: "invalid input: " + err.Error()}
		}
	}

	out, err := withTrace(e.tool).Execute(ctx, input)
	if err != nil {
		slog.Warn("tool execution failed", "tool", name, "error", err)
		return InvocationResult{Error: err.Error()}
	}
	return InvocationResult{Success: true, Output: out}
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so the compiler only sees decoded JSON values.
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

func validateInput(sch *jsonschema.Schema, input json.RawMessage) error {
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}
