// Package llm adapts model backends to the execution event stream. Every
// provider yields text, thinking, tool_call_* and a closing done or error
// event for one model turn.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"harness/internal/config"
	"harness/internal/conversation"
	"harness/internal/stream"
)

// Stop reasons carried on the done event of a model turn.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type Request struct {
	Model        string              `json:"model,omitempty"`
	SystemPrompt string              `json:"system_prompt,omitempty"`
	MaxTokens    int64               `json:"max_tokens,omitempty"`
	Turns        []conversation.Turn `json:"turns"`
	Tools        []ToolSchema        `json:"tools,omitempty"`
}

type Provider interface {
	// Stream starts one model turn. The iterator ends after the turn's
	// terminal event or with the transport error.
	Stream(ctx context.Context, req Request) *stream.Iterator
}

// New builds the provider described by cfg.
func New(cfg *config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.MaxTokens), nil
	case "anthropic":
		return NewAnthropic(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.MaxTokens), nil
	case "http":
		return NewHTTP(cfg.BaseURL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// toolInput normalizes accumulated tool arguments to a JSON object.
func toolInput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage("{}")
	}
	return raw
}
