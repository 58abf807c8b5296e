package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harness/internal/sse"
)

func TestDecodeVariants(t *testing.T) {
	cases := []struct {
		in   string
		want Event
	}{
		{`{"type":"text","content":"hi"}`, Text{Content: "hi"}},
		{`{"type":"thinking","thinking":"hmm"}`, Thinking{Thinking: "hmm"}},
		{`{"type":"tool_call_start","id":"c1","name":"web","input":{"q":"go"}}`,
			ToolCallStart{ID: "c1", Name: "web", Input: json.RawMessage(`{"q":"go"}`)}},
		{`{"type":"tool_call_delta","id":"c1","partial_input":"{\"q\""}`,
			ToolCallDelta{ID: "c1", PartialInput: `{"q"`}},
		{`{"type":"tool_call_end","id":"c1"}`, ToolCallEnd{ID: "c1"}},
		{`{"type":"tool_result","id":"c1","success":false,"error":"boom"}`,
			ToolResult{ID: "c1", Error: "boom"}},
		{`{"type":"progress","percentage":50,"step":"fetch","step_number":1,"total_steps":2}`,
			Progress{Percentage: 50, Step: "fetch", StepNumber: 1, TotalSteps: 2}},
		{`{"type":"error","code":"cancelled","message":"stop","recoverable":false}`,
			Error{Code: CodeCancelled, Message: "stop"}},
		{`{"type":"done","usage":{"input_tokens":3,"output_tokens":4,"total_tokens":7}}`,
			Done{Usage: &Usage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7}}},
	}
	for _, tc := range cases {
		t.Run(string(tc.want.Kind()), func(t *testing.T) {
			got, err := Decode([]byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"content":"no type"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"type":"heartbeat"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`{"type":"text","content":42}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeAddsDiscriminator(t *testing.T) {
	b, err := Encode(Artifact{ID: "a1", Name: "out.txt", ContentType: "text/plain", Content: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"artifact","id":"a1","name":"out.txt","content_type":"text/plain","content":"x"}`, string(b))

	back, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, KindArtifact, back.Kind())
}

func TestAdaptDropsUnparseableFrames(t *testing.T) {
	_, ok := Adapt(sse.Frame{ID: "1", Data: "[DONE]"})
	assert.False(t, ok)

	ev, ok := Adapt(sse.Frame{ID: "2", Data: `{"type":"done"}`})
	require.True(t, ok)
	assert.True(t, IsTerminal(ev))
	assert.False(t, Cancelled(ev))
}

func TestAdaptFallsBackToEventName(t *testing.T) {
	ev, ok := Adapt(sse.Frame{ID: "1", Event: "text", Data: `{"content":"hi"}`})
	require.True(t, ok)
	assert.Equal(t, Text{Content: "hi"}, ev)

	// The payload discriminator wins over the event name.
	ev, ok = Adapt(sse.Frame{Event: "text", Data: `{"type":"done"}`})
	require.True(t, ok)
	assert.Equal(t, KindDone, ev.Kind())

	_, ok = Adapt(sse.Frame{Event: "message", Data: `{"content":"hi"}`})
	assert.False(t, ok)

	_, ok = Adapt(sse.Frame{Event: "text", Data: `"hi"`})
	assert.False(t, ok)
}

func TestTerminalClassification(t *testing.T) {
	assert.True(t, IsTerminal(Error{Code: "boom"}))
	assert.True(t, Cancelled(Error{Code: CodeCancelled}))
	assert.False(t, IsTerminal(ToolResult{ID: "x"}))
}
