package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"harness/internal/agent"
	"harness/internal/event"
)

// Message pushes text to the user in the middle of an execution.
type Message struct{}

func (m *Message) Name() string        { return "message" }
func (m *Message) Description() string { return "Send a message to the user" }

func (m *Message) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type": "string",
			},
		},
		"required":             []string{"text"},
		"additionalProperties": false,
	}
}

func (m *Message) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := decode(input, &args, "message"); err != nil {
		return nil, err
	}

	emit := agent.EmitFromContext(ctx)
	if emit == nil {
		return nil, errors.New("no output stream attached")
	}
	slog.Debug("message: sending", "text_len", len(args.Text))
	emit(event.Text{Content: args.Text})
	return "message sent", nil
}
