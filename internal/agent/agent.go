// Package agent runs the bounded tool-use loop: it streams a model turn,
// relays its events, dispatches requested tool calls through a Registry and
// feeds the results back until the model stops, the iteration limit is
// reached or the execution is cancelled.
package agent

import (
	"context"
	"encoding/json"

	"harness/internal/conversation"
	"harness/internal/event"
	"harness/internal/stream"
)

// DefaultMaxIterations bounds tool-dispatch rounds per execution.
const DefaultMaxIterations = 25

// Outcome is the terminal state of an execution.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTruncated Outcome = "truncated"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

type Input struct {
	Prompt      string
	SessionID   string
	ExecutionID string
	// History seeds the conversation with turns from earlier executions.
	History []conversation.Turn
}

type Result struct {
	Outcome    Outcome
	Iterations int
	Usage      event.Usage
	// Turns holds the turns this execution added, starting with the prompt.
	Turns []conversation.Turn
	// Error is set when Outcome is OutcomeFailed.
	Error string
}

// PendingToolCall is a tool call requested during the current model turn.
type PendingToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Runner is what the gateway and the delegate tool need from a loop.
type Runner interface {
	Run(ctx context.Context, in Input, emit func(event.Event)) (*Result, error)
	Stream(ctx context.Context, in Input) *stream.Iterator
}
