package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"harness/internal/agent"
)

// AskUser asks the connected user a question and returns the answer. It
// only works on interactive transports.
type AskUser struct{}

func (a *AskUser) Name() string { return "ask_user" }
func (a *AskUser) Description() string {
	return "Ask the user a question and wait for the answer. Only available in interactive sessions."
}

func (a *AskUser) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "The question to show the user",
			},
		},
		"required":             []string{"question"},
		"additionalProperties": false,
	}
}

func (a *AskUser) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var args struct {
		Question string `json:"question"`
	}
	if err := decode(input, &args, "ask_user"); err != nil {
		return nil, err
	}

	p := agent.PrompterFromContext(ctx)
	if p == nil {
		return nil, errors.New("no interactive user attached to this execution")
	}
	answer, err := p.Ask(ctx, args.Question)
	if err != nil {
		return nil, fmt.Errorf("asking user: %w", err)
	}
	return answer, nil
}
