package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harness/internal/conversation"
	"harness/internal/event"
	"harness/internal/llm"
	"harness/internal/sse"
)

// backendServer answers the i-th posted request with turns[i] as a frame
// stream and records the decoded requests.
type backendServer struct {
	mu       sync.Mutex
	turns    [][]event.Event
	requests []llm.Request
}

func (b *backendServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req llm.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	n := len(b.requests)
	b.requests = append(b.requests, req)
	turn := b.turns[min(n, len(b.turns)-1)]
	b.mu.Unlock()

	sw := sse.NewWriter(w)
	for i, ev := range turn {
		data, err := event.Encode(ev)
		if err != nil {
			return
		}
		_ = sw.Send(sse.Frame{ID: strconv.Itoa(i + 1), Data: string(data)})
	}
}

func TestLoopMalformedToolArgumentsOverHTTP(t *testing.T) {
	backend := &backendServer{turns: [][]event.Event{
		{
			event.ToolCallStart{ID: "c1", Name: "t"},
			event.ToolCallDelta{ID: "c1", PartialInput: `{"a":`},
			event.ToolCallEnd{ID: "c1"},
			done(llm.StopToolUse, 1, 1),
		},
		{event.Text{Content: "recovered"}, done(llm.StopEndTurn, 1, 1)},
	}}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	reg := NewRegistry()
	called := false
	reg.Register("t", func(context.Context, json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})
	rec := &recorder{}

	res, err := NewLoop(llm.NewHTTP(srv.URL, ""), reg).Run(context.Background(), Input{Prompt: "go"}, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.False(t, called)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.requests, 2)
	var result event.ToolResult
	for _, ev := range rec.events {
		if r, ok := ev.(event.ToolResult); ok {
			result = r
		}
	}
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "invalid input")

	// The assistant turn resent to the backend carries a valid placeholder.
	var use *conversation.Block
	for _, turn := range backend.requests[1].Turns {
		for i, b := range turn.Blocks {
			if b.Type == conversation.BlockToolUse {
				use = &turn.Blocks[i]
			}
		}
	}
	require.NotNil(t, use)
	assert.JSONEq(t, `{}`, string(use.Input))

	// The turns can be stored.
	_, err = json.Marshal(res.Turns)
	assert.NoError(t, err)
}
