// Package conversation holds the ordered turns of one execution.
package conversation

import "encoding/json"

type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one piece of turn content. Which fields are set depends on Type.
type Block struct {
	Type       BlockType       `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

type Turn struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// Text concatenates the turn's text blocks.
func (t Turn) Text() string {
	var s string
	for _, b := range t.Blocks {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// ToolUses returns the turn's tool_use blocks in order.
func (t Turn) ToolUses() []Block {
	var out []Block
	for _, b := range t.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// State is the conversation owned by a single agent loop. It is not safe
// for concurrent use.
type State struct {
	turns []Turn
}

// New seeds a state with prior turns, e.g. from a stored session.
func New(prior ...Turn) *State {
	return &State{turns: append([]Turn(nil), prior...)}
}

func (s *State) AppendUser(text string) {
	s.turns = append(s.turns, Turn{Role: RoleUser, Blocks: []Block{{Type: BlockText, Text: text}}})
}

// AppendAssistant appends the accumulated model output. Empty turns are
// skipped.
func (s *State) AppendAssistant(blocks []Block) {
	if len(blocks) == 0 {
		return
	}
	s.turns = append(s.turns, Turn{Role: RoleAssistant, Blocks: blocks})
}

func (s *State) AppendToolResults(blocks []Block) {
	if len(blocks) == 0 {
		return
	}
	s.turns = append(s.turns, Turn{Role: RoleToolResult, Blocks: blocks})
}

// Turns returns a copy of the turns in order.
func (s *State) Turns() []Turn {
	return append([]Turn(nil), s.turns...)
}

func (s *State) Len() int { return len(s.turns) }

// Since returns the turns appended after the first n.
func (s *State) Since(n int) []Turn {
	if n >= len(s.turns) {
		return nil
	}
	return append([]Turn(nil), s.turns[n:]...)
}
