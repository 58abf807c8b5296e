// Package duplex carries execution traffic over a websocket: the client
// sends message, stdin and cancel envelopes; the server answers with the
// execution's output as typed envelopes.
package duplex

import (
	"encoding/json"
	"fmt"

	"harness/internal/event"
)

// Client envelope types.
const (
	TypeMessage = "message"
	TypeStdin   = "stdin"
	TypeCancel  = "cancel"
)

// Server envelope types.
const (
	TypeText     = "text"
	TypeThinking = "thinking"
	TypeToolCall = "tool_call"
	TypeStdout   = "stdout"
	TypeStderr   = "stderr"
	TypePrompt   = "prompt"
	TypeArtifact = "artifact"
	TypeError    = "error"
	TypeDone     = "done"
)

// Tool call phases carried in Envelope.Status.
const (
	ToolStarted   = "started"
	ToolCompleted = "completed"
	ToolFailed    = "failed"
)

// Envelope is one websocket message in either direction. Which fields are
// set depends on Type.
type Envelope struct {
	Type string `json:"type"`
	// ID correlates a prompt with its stdin answer and the phases of one
	// tool call.
	ID          string          `json:"id,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	AgentID     string          `json:"agent_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Content     string          `json:"content,omitempty"`
	Name        string          `json:"name,omitempty"`
	Status      string          `json:"status,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      any             `json:"output,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Usage       *event.Usage    `json:"usage,omitempty"`
	Truncated   bool            `json:"truncated,omitempty"`
}

// FromEvent maps an execution event onto a server envelope. Tool-call
// deltas and ends have no envelope; the input is reported once the call
// runs.
func FromEvent(ev event.Event) (Envelope, bool) {
	switch e := ev.(type) {
	case event.Text:
		return Envelope{Type: TypeText, Content: e.Content}, true
	case event.Thinking:
		return Envelope{Type: TypeThinking, Content: e.Thinking}, true
	case event.ToolCallStart:
		return Envelope{Type: TypeToolCall, ID: e.ID, Name: e.Name, Status: ToolStarted, Input: e.Input}, true
	case event.ToolResult:
		env := Envelope{Type: TypeToolCall, ID: e.ID, Status: ToolCompleted, Output: e.Output}
		if !e.Success {
			env.Status = ToolFailed
			env.Message = e.Error
		}
		return env, true
	case event.Progress:
		content := e.Step
		if e.Percentage > 0 {
			content = fmt.Sprintf("%s (%.0f%%)", e.Step, e.Percentage)
		}
		return Envelope{Type: TypeStdout, Content: content}, true
	case event.Artifact:
		return Envelope{Type: TypeArtifact, ID: e.ID, Name: e.Name, ContentType: e.ContentType, Content: e.Content}, true
	case event.Error:
		return Envelope{Type: TypeError, Code: e.Code, Message: e.Message}, true
	case event.Done:
		return Envelope{Type: TypeDone, Usage: e.Usage, Truncated: e.Truncated, Status: e.StopReason}, true
	}
	return Envelope{}, false
}

// Terminal reports whether env ends an execution.
func (env Envelope) Terminal() bool {
	return env.Type == TypeDone || env.Type == TypeError
}
