package duplex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harness/internal/event"
)

// echoServer answers each message with a text envelope, then a done, and
// each stdin with a stdout echo. A cancel closes the connection.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		c, err := Upgrade(w, r)
		if !assert.NoError(t, err) {
			return
		}
		defer c.Close()

		ctx := r.Context()
		for env, err := range c.Listen(ctx) {
			if err != nil {
				return
			}
			switch env.Type {
			case TypeMessage:
				_ = c.Send(ctx, Envelope{Type: TypeText, Content: "re: " + env.Content})
				_ = c.Send(ctx, Envelope{Type: TypeDone})
			case TypeStdin:
				_ = c.Send(ctx, Envelope{Type: TypeStdout, ID: env.ID, Content: env.Content})
			case TypeCancel:
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSendReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(echoServer(t)), "k", nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(ctx, Envelope{Type: TypeMessage, Content: "hi"}))
	env, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, TypeText, env.Type)
	assert.Equal(t, "re: hi", env.Content)

	env, err = c.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, env.Terminal())
}

func TestRequestResponseFilters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(echoServer(t)), "k", nil)
	require.NoError(t, err)
	defer c.Close()

	env, err := c.RequestResponse(ctx, Envelope{Type: TypeMessage, Content: "q"}, func(e Envelope) bool {
		return e.Type == TypeDone
	})
	require.NoError(t, err)
	assert.Equal(t, TypeDone, env.Type)

	env, err = c.RequestResponse(ctx, Envelope{Type: TypeStdin, ID: "p1", Content: "yes"}, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeStdout, env.Type)
	assert.Equal(t, "p1", env.ID)
}

func TestListenEndsOnPeerClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(echoServer(t)), "k", nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(ctx, Envelope{Type: TypeCancel}))
	n := 0
	for _, err := range c.Listen(ctx) {
		require.NoError(t, err)
		n++
	}
	assert.Zero(t, n)

	_, err = c.RequestResponse(ctx, Envelope{Type: TypeMessage}, nil)
	assert.Error(t, err)
}

func TestReceiveHonoursContext(t *testing.T) {
	c, err := Dial(context.Background(), wsURL(echoServer(t)), "k", nil)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseIdempotent(t *testing.T) {
	c, err := Dial(context.Background(), wsURL(echoServer(t)), "k", nil)
	require.NoError(t, err)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestFromEvent(t *testing.T) {
	usage := &event.Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}
	tests := []struct {
		name string
		ev   event.Event
		want Envelope
		ok   bool
	}{
		{"text", event.Text{Content: "a"}, Envelope{Type: TypeText, Content: "a"}, true},
		{"thinking", event.Thinking{Thinking: "t"}, Envelope{Type: TypeThinking, Content: "t"}, true},
		{"start", event.ToolCallStart{ID: "c", Name: "file"}, Envelope{Type: TypeToolCall, ID: "c", Name: "file", Status: ToolStarted}, true},
		{"delta", event.ToolCallDelta{ID: "c", PartialInput: "{"}, Envelope{}, false},
		{"end", event.ToolCallEnd{ID: "c"}, Envelope{}, false},
		{"result ok", event.ToolResult{ID: "c", Success: true, Output: "x"}, Envelope{Type: TypeToolCall, ID: "c", Status: ToolCompleted, Output: "x"}, true},
		{"result failed", event.ToolResult{ID: "c", Error: "boom"}, Envelope{Type: TypeToolCall, ID: "c", Status: ToolFailed, Message: "boom"}, true},
		{"progress", event.Progress{Percentage: 50, Step: "indexing"}, Envelope{Type: TypeStdout, Content: "indexing (50%)"}, true},
		{"error", event.Error{Code: "cancelled", Message: "m"}, Envelope{Type: TypeError, Code: "cancelled", Message: "m"}, true},
		{"done", event.Done{Usage: usage, StopReason: "end_turn"}, Envelope{Type: TypeDone, Usage: usage, Status: "end_turn"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FromEvent(tt.ev)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
