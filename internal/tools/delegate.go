package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"harness/internal/agent"
	"harness/internal/event"
)

const maxDelegationDepth = 3

// Delegate runs a task on a scoped sub-agent and returns its text output.
// The sub-agent's stream is not relayed; the parent only sees progress.
type Delegate struct {
	factory *agent.LoopFactory
}

func NewDelegate(factory *agent.LoopFactory) *Delegate {
	return &Delegate{factory: factory}
}

func (d *Delegate) Name() string        { return "delegate" }
func (d *Delegate) Description() string { return "Delegate a task to a specialized sub-agent" }

func (d *Delegate) InputSchema() map[string]any {
	profiles := d.factory.Profiles()
	names := make([]any, len(profiles))
	for i, p := range profiles {
		names[i] = p
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent": map[string]any{
				"type":        "string",
				"description": "Name of the agent profile to delegate to",
				"enum":        names,
			},
			"task": map[string]any{
				"type":        "string",
				"description": "The task description for the sub-agent",
			},
		},
		"required":             []string{"agent", "task"},
		"additionalProperties": false,
	}
}

func (d *Delegate) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var args struct {
		Agent string `json:"agent"`
		Task  string `json:"task"`
	}
	if err := decode(input, &args, "delegate"); err != nil {
		return nil, err
	}

	depth := agent.DelegationDepthFromContext(ctx)
	if depth >= maxDelegationDepth {
		return nil, fmt.Errorf("maximum delegation depth (%d) exceeded", maxDelegationDepth)
	}

	loop, err := d.factory.Build(args.Agent)
	if err != nil {
		return nil, fmt.Errorf("building sub-agent: %w", err)
	}

	parent := agent.EmitFromContext(ctx)
	step := "delegate:" + args.Agent
	if parent != nil {
		parent(event.Progress{Step: step, Percentage: 0})
	}

	var buf strings.Builder
	collect := func(ev event.Event) {
		if t, ok := ev.(event.Text); ok {
			buf.WriteString(t.Content)
		}
	}

	subCtx := agent.ContextWithDelegationDepth(ctx, depth+1)
	res, err := loop.Run(subCtx, agent.Input{
		Prompt:    args.Task,
		SessionID: fmt.Sprintf("%s:delegate:%s", agent.SessionIDFromContext(ctx), args.Agent),
	}, collect)
	if err != nil {
		return nil, fmt.Errorf("sub-agent %s failed: %w", args.Agent, err)
	}
	if res.Outcome == agent.OutcomeCancelled {
		return nil, fmt.Errorf("sub-agent %s was cancelled", args.Agent)
	}
	if parent != nil {
		parent(event.Progress{Step: step, Percentage: 100})
	}

	out := buf.String()
	if out == "" {
		out = "(sub-agent produced no output)"
	}
	if res.Outcome == agent.OutcomeTruncated {
		out += "\n(sub-agent stopped at its iteration limit)"
	}
	return out, nil
}
