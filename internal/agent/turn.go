package agent

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"harness/internal/conversation"
	"harness/internal/event"
)

type callState struct {
	PendingToolCall
	block int
	args  strings.Builder
}

// turnBuilder accumulates one model turn and enforces tool-call ordering:
// a call must start before it receives deltas or ends, an id starts at most
// once per turn, and nothing is accepted for a call after its end.
type turnBuilder struct {
	blocks []conversation.Block
	calls  []*callState
	open   map[string]*callState
	seen   map[string]bool
	// anon is the id generated for the latest start that carried none;
	// id-less deltas and ends belong to it.
	anon string
}

func newTurnBuilder() *turnBuilder {
	return &turnBuilder{
		open: make(map[string]*callState),
		seen: make(map[string]bool),
	}
}

func (b *turnBuilder) text(s string) {
	b.appendText(conversation.BlockText, s)
}

func (b *turnBuilder) thinking(s string) {
	b.appendText(conversation.BlockThinking, s)
}

func (b *turnBuilder) appendText(typ conversation.BlockType, s string) {
	if n := len(b.blocks); n > 0 && b.blocks[n-1].Type == typ {
		b.blocks[n-1].Text += s
		return
	}
	b.blocks = append(b.blocks, conversation.Block{Type: typ, Text: s})
}

// start opens a call. It returns the event to relay, with a generated id
// when the backend sent none, or false when the start is a duplicate.
func (b *turnBuilder) start(e event.ToolCallStart) (event.ToolCallStart, bool) {
	if e.ID == "" {
		e.ID = "call_" + uuid.NewString()
		b.anon = e.ID
	}
	if b.seen[e.ID] {
		slog.Warn("dropping duplicate tool_call_start", "id", e.ID, "tool", e.Name)
		return e, false
	}
	b.seen[e.ID] = true

	c := &callState{PendingToolCall: PendingToolCall{ID: e.ID, Name: e.Name, Input: e.Input}, block: len(b.blocks)}
	b.blocks = append(b.blocks, conversation.Block{Type: conversation.BlockToolUse, ToolCallID: e.ID, ToolName: e.Name})
	b.calls = append(b.calls, c)
	b.open[e.ID] = c
	return e, true
}

// resolve maps an empty id onto the generated id of the open id-less call.
func (b *turnBuilder) resolve(id string) string {
	if id == "" {
		return b.anon
	}
	return id
}

func (b *turnBuilder) delta(e *event.ToolCallDelta) bool {
	e.ID = b.resolve(e.ID)
	c, ok := b.open[e.ID]
	if !ok {
		slog.Warn("dropping orphan tool_call_delta", "id", e.ID)
		return false
	}
	c.args.WriteString(e.PartialInput)
	return true
}

func (b *turnBuilder) end(e *event.ToolCallEnd) bool {
	e.ID = b.resolve(e.ID)
	if _, ok := b.open[e.ID]; !ok {
		slog.Warn("dropping orphan tool_call_end", "id", e.ID)
		return false
	}
	delete(b.open, e.ID)
	return true
}

// closeOpen ends every call still open, in start order, and returns the
// synthetic end events.
func (b *turnBuilder) closeOpen() []event.ToolCallEnd {
	var out []event.ToolCallEnd
	for _, c := range b.calls {
		if _, ok := b.open[c.ID]; ok {
			delete(b.open, c.ID)
			out = append(out, event.ToolCallEnd{ID: c.ID})
		}
	}
	return out
}

// finish resolves call inputs and returns the assistant blocks and the
// calls in arrival order. Arguments that are not valid JSON stay on the
// call, where the registry rejects them; the block records {} so the turn
// can still be encoded.
func (b *turnBuilder) finish() ([]conversation.Block, []PendingToolCall) {
	calls := make([]PendingToolCall, 0, len(b.calls))
	for _, c := range b.calls {
		in := c.Input
		if c.args.Len() > 0 {
			in = json.RawMessage(c.args.String())
		}
		if len(in) == 0 {
			in = json.RawMessage("{}")
		}
		c.Input = in
		b.blocks[c.block].Input = in
		if !json.Valid(in) {
			slog.Warn("tool call arguments are not valid JSON", "id", c.ID, "tool", c.Name)
			b.blocks[c.block].Input = json.RawMessage("{}")
		}
		calls = append(calls, c.PendingToolCall)
	}
	return b.blocks, calls
}
