package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	anthropicsse "github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	openaisse "github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/openai/openai-go/v3/responses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harness/internal/conversation"
	"harness/internal/event"
	"harness/internal/sse"
)

// fakeDecoder replays a fixed list of server-sent events.
type fakeDecoder[E any] struct {
	events []E
	i      int
}

func (d *fakeDecoder[E]) Event() E     { return d.events[d.i-1] }
func (d *fakeDecoder[E]) Close() error { return nil }
func (d *fakeDecoder[E]) Err() error   { return nil }
func (d *fakeDecoder[E]) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func collectEvents(emitTo func(emit func(event.Event)) error) ([]event.Event, error) {
	var out []event.Event
	err := emitTo(func(ev event.Event) { out = append(out, ev) })
	return out, err
}

func TestOpenAIStreamTranslation(t *testing.T) {
	raw := []string{
		`{"type":"response.created","response":{"id":"resp_1","status":"in_progress"}}`,
		`{"type":"response.output_text.delta","item_id":"msg_1","output_index":0,"content_index":0,"delta":"Let me look"}`,
		`{"type":"response.output_item.added","output_index":1,"item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"web","arguments":""}}`,
		`{"type":"response.function_call_arguments.delta","item_id":"fc_1","output_index":1,"delta":"{\"query\":"}`,
		`{"type":"response.function_call_arguments.delta","item_id":"fc_1","output_index":1,"delta":"\"go\"}"}`,
		`{"type":"response.output_item.done","output_index":1,"item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"web","arguments":"{\"query\":\"go\"}"}}`,
		`{"type":"response.output_item.added","output_index":2,"item":{"type":"function_call","id":"fc_2","call_id":"call_2","name":"file","arguments":""}}`,
		`{"type":"response.output_item.done","output_index":2,"item":{"type":"function_call","id":"fc_2","call_id":"call_2","name":"file","arguments":"{\"path\":\"a\"}"}}`,
		`{"type":"response.completed","response":{"id":"resp_1","status":"completed","usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15}}}`,
	}
	var evs []openaisse.Event
	for _, r := range raw {
		evs = append(evs, openaisse.Event{Data: []byte(r)})
	}
	s := openaisse.NewStream[responses.ResponseStreamEventUnion](&fakeDecoder[openaisse.Event]{events: evs}, nil)

	got, err := collectEvents(func(emit func(event.Event)) error { return pumpOpenAI(s, emit) })
	require.NoError(t, err)
	assert.Equal(t, []event.Event{
		event.Text{Content: "Let me look"},
		event.ToolCallStart{ID: "call_1", Name: "web"},
		event.ToolCallDelta{ID: "call_1", PartialInput: `{"query":`},
		event.ToolCallDelta{ID: "call_1", PartialInput: `"go"}`},
		event.ToolCallEnd{ID: "call_1"},
		event.ToolCallStart{ID: "call_2", Name: "file"},
		event.ToolCallDelta{ID: "call_2", PartialInput: `{"path":"a"}`},
		event.ToolCallEnd{ID: "call_2"},
		event.Done{StopReason: StopToolUse, Usage: &event.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
	}, got)
}

func TestAnthropicStreamTranslation(t *testing.T) {
	raw := []struct{ typ, data string }{
		{"message_start", `{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","content":[],"usage":{"input_tokens":12,"output_tokens":1}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"plan"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"hello"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		{"content_block_start", `{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"file","input":{}}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"path\":\"x\"}"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":2}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`},
		{"message_stop", `{"type":"message_stop"}`},
	}
	var evs []anthropicsse.Event
	for _, r := range raw {
		evs = append(evs, anthropicsse.Event{Type: r.typ, Data: []byte(r.data)})
	}
	s := anthropicsse.NewStream[sdk.MessageStreamEventUnion](&fakeDecoder[anthropicsse.Event]{events: evs}, nil)

	got, err := collectEvents(func(emit func(event.Event)) error { return pumpAnthropic(s, emit) })
	require.NoError(t, err)
	assert.Equal(t, []event.Event{
		event.Thinking{Thinking: "plan"},
		event.Text{Content: "hello"},
		event.ToolCallStart{ID: "toolu_1", Name: "file"},
		event.ToolCallDelta{ID: "toolu_1", PartialInput: `{"path":"x"}`},
		event.ToolCallEnd{ID: "toolu_1"},
		event.Done{StopReason: StopToolUse, Usage: &event.Usage{InputTokens: 12, OutputTokens: 7, TotalTokens: 19}},
	}, got)
}

func TestAnthropicMessagesFromTurns(t *testing.T) {
	turns := []conversation.Turn{
		{Role: conversation.RoleUser, Blocks: []conversation.Block{{Type: conversation.BlockText, Text: "read x"}}},
		{Role: conversation.RoleAssistant, Blocks: []conversation.Block{
			{Type: conversation.BlockThinking, Text: "hmm"},
			{Type: conversation.BlockToolUse, ToolCallID: "t1", ToolName: "file", Input: json.RawMessage(`{"path":"x"}`)},
		}},
		{Role: conversation.RoleToolResult, Blocks: []conversation.Block{
			{Type: conversation.BlockToolResult, ToolCallID: "t1", Output: "contents", IsError: false},
		}},
	}
	msgs := anthropicMessages(turns)
	require.Len(t, msgs, 3)

	b, err := json.Marshal(msgs)
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "user", decoded[0]["role"])
	assert.Equal(t, "assistant", decoded[1]["role"])
	assert.Len(t, decoded[1]["content"], 1, "thinking without a signature is not replayed")
	assert.Equal(t, "user", decoded[2]["role"])
}

func TestOpenAIInputFromTurns(t *testing.T) {
	turns := []conversation.Turn{
		{Role: conversation.RoleUser, Blocks: []conversation.Block{{Type: conversation.BlockText, Text: "hi"}}},
		{Role: conversation.RoleAssistant, Blocks: []conversation.Block{
			{Type: conversation.BlockText, Text: "checking"},
			{Type: conversation.BlockToolUse, ToolCallID: "c1", ToolName: "web"},
		}},
		{Role: conversation.RoleToolResult, Blocks: []conversation.Block{
			{Type: conversation.BlockToolResult, ToolCallID: "c1", Output: "results"},
		}},
	}
	items := openaiInput(turns)
	require.Len(t, items, 4)
	require.NotNil(t, items[2].OfFunctionCall)
	assert.Equal(t, "{}", items[2].OfFunctionCall.Arguments)
	assert.Equal(t, "c1", items[2].OfFunctionCall.CallID)
	require.NotNil(t, items[3].OfFunctionCallOutput)
	assert.Equal(t, "c1", items[3].OfFunctionCallOutput.CallID)
}

func TestHTTPProviderPostsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req Request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be brief", req.SystemPrompt)
		assert.Len(t, req.Turns, 1)

		sw := sse.NewWriter(w)
		for i, ev := range []event.Event{event.Text{Content: "ok"}, event.Done{StopReason: StopEndTurn}} {
			b, _ := event.Encode(ev)
			_ = sw.Send(sse.Frame{ID: string(rune('1' + i)), Data: string(b)})
		}
	}))
	defer srv.Close()

	state := conversation.New()
	state.AppendUser("hello")
	it := NewHTTP(srv.URL, "k").Stream(context.Background(), Request{SystemPrompt: "be brief", Turns: state.Turns()})
	defer it.Close()

	var got []event.Event
	for {
		ev, err := it.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, ev)
	}
	assert.Equal(t, []event.Event{event.Text{Content: "ok"}, event.Done{StopReason: StopEndTurn}}, got)
}
