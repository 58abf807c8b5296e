package chat

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harness/internal/agent"
	"harness/internal/config"
	"harness/internal/duplex"
	"harness/internal/event"
	"harness/internal/gateway"
	"harness/internal/stream"
)

type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, in agent.Input, emit func(event.Event)) (*agent.Result, error) {
	emit(event.Text{Content: "echo: " + in.Prompt})
	emit(event.Done{StopReason: "end_turn"})
	return &agent.Result{Outcome: agent.OutcomeCompleted}, nil
}

func (r echoRunner) Stream(ctx context.Context, in agent.Input) *stream.Iterator {
	return stream.Pull(ctx, func(ctx context.Context, emit func(event.Event)) error {
		_, err := r.Run(ctx, in, emit)
		return err
	})
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestChatRoundTrip(t *testing.T) {
	srv := gateway.NewServer(echoRunner{}, config.GatewayConfig{})
	ts := httptest.NewServer(srv)
	defer func() {
		ts.Close()
		srv.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := duplex.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws", "", nil)
	require.NoError(t, err)
	defer conn.Close()

	in, w := io.Pipe()
	defer w.Close()
	var out syncBuffer
	errc := make(chan error, 1)
	go func() { errc <- chat(ctx, conn, in, &out) }()

	_, err = io.WriteString(w, "hello\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "echo: hello")
	}, 3*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(w, "/quit\n")
	require.NoError(t, err)
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("chat did not exit")
	}
}

func TestRender(t *testing.T) {
	var b bytes.Buffer
	render(&b, duplex.Envelope{Type: duplex.TypePrompt, Content: "name?"})
	render(&b, duplex.Envelope{Type: duplex.TypeToolCall, Status: duplex.ToolStarted, Name: "file"})
	render(&b, duplex.Envelope{Type: duplex.TypeError, Code: "cancelled", Message: "stop"})

	assert.Contains(t, b.String(), "? name?")
	assert.Contains(t, b.String(), "[tool] file")
	assert.Contains(t, b.String(), "[error] cancelled: stop")
}
