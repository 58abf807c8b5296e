// Package event defines the closed set of execution events carried by an
// execution stream and their JSON wire form.
package event

import "encoding/json"

type Kind string

const (
	KindText          Kind = "text"
	KindThinking      Kind = "thinking"
	KindToolCallStart Kind = "tool_call_start"
	KindToolCallDelta Kind = "tool_call_delta"
	KindToolCallEnd   Kind = "tool_call_end"
	KindToolResult    Kind = "tool_result"
	KindArtifact      Kind = "artifact"
	KindProgress      Kind = "progress"
	KindError         Kind = "error"
	KindDone          Kind = "done"
)

// Event is implemented only by the types of this package.
type Event interface {
	Kind() Kind
	sealed()
}

type Text struct {
	Content string `json:"content"`
}

type Thinking struct {
	Thinking string `json:"thinking"`
}

// ToolCallStart opens a tool call. Input may be empty when the arguments
// arrive as ToolCallDelta fragments.
type ToolCallStart struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolCallDelta carries a fragment of the call's JSON arguments.
type ToolCallDelta struct {
	ID           string `json:"id"`
	PartialInput string `json:"partial_input"`
}

type ToolCallEnd struct {
	ID string `json:"id"`
}

type ToolResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Artifact struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

type Progress struct {
	Percentage float64 `json:"percentage"`
	Step       string  `json:"step,omitempty"`
	StepNumber int     `json:"step_number,omitempty"`
	TotalSteps int     `json:"total_steps,omitempty"`
}

// Error is the failure terminal. Code "cancelled" marks cancellation.
type Error struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Done is the success terminal. Truncated is set when the loop stopped at
// its iteration limit; the execution still counts as successful.
type Done struct {
	Usage      *Usage `json:"usage,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
	DurationMs   int64 `json:"duration_ms,omitempty"`
}

// Add returns the field-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
		DurationMs:   u.DurationMs + o.DurationMs,
	}
}

const CodeCancelled = "cancelled"

func (Text) Kind() Kind          { return KindText }
func (Thinking) Kind() Kind      { return KindThinking }
func (ToolCallStart) Kind() Kind { return KindToolCallStart }
func (ToolCallDelta) Kind() Kind { return KindToolCallDelta }
func (ToolCallEnd) Kind() Kind   { return KindToolCallEnd }
func (ToolResult) Kind() Kind    { return KindToolResult }
func (Artifact) Kind() Kind      { return KindArtifact }
func (Progress) Kind() Kind      { return KindProgress }
func (Error) Kind() Kind         { return KindError }
func (Done) Kind() Kind          { return KindDone }

func (Text) sealed()          {}
func (Thinking) sealed()      {}
func (ToolCallStart) sealed() {}
func (ToolCallDelta) sealed() {}
func (ToolCallEnd) sealed()   {}
func (ToolResult) sealed()    {}
func (Artifact) sealed()      {}
func (Progress) sealed()      {}
func (Error) sealed()         {}
func (Done) sealed()          {}

// IsTerminal reports whether e ends an execution.
func IsTerminal(e Event) bool {
	switch e.Kind() {
	case KindDone, KindError:
		return true
	}
	return false
}

// Cancelled reports whether e is the cancellation terminal.
func Cancelled(e Event) bool {
	ev, ok := e.(Error)
	return ok && ev.Code == CodeCancelled
}
