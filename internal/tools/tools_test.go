package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harness/internal/agent"
	"harness/internal/config"
	"harness/internal/event"
	"harness/internal/llm"
	"harness/internal/stream"
)

type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) emit(ev event.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestFileReadWriteList(t *testing.T) {
	root := t.TempDir()
	f := NewFile(root)
	var c collector
	ctx := agent.ContextWithEmit(context.Background(), c.emit)

	out, err := f.Execute(ctx, raw(`{"action":"write","path":"notes/a.txt","content":"hello"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 5 bytes")
	require.Len(t, c.events, 1)
	art, ok := c.events[0].(event.Artifact)
	require.True(t, ok)
	assert.Equal(t, "a.txt", art.Name)
	assert.Equal(t, "hello", art.Content)

	out, err = f.Execute(ctx, raw(`{"action":"read","path":"notes/a.txt"}`))
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = f.Execute(ctx, raw(`{"action":"list","path":"."}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"notes/"}, out)

	_, err = f.Execute(ctx, raw(`{"action":"read","path":"../escape"}`))
	assert.ErrorContains(t, err, "outside")

	_, err = f.Execute(ctx, raw(`{"action":"chmod","path":"x"}`))
	assert.ErrorContains(t, err, "unknown action")
}

func TestFileTruncatesLargeReads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big")
	require.NoError(t, os.WriteFile(path, make([]byte, maxOutputBytes+10), 0o644))

	out, err := NewFile("").Execute(context.Background(), raw(`{"action":"read","path":"`+path+`"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "(truncated)")
}

func TestFileSchemaRejectsMissingPath(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, reg.RegisterTool(NewFile(t.TempDir())))

	res := reg.Invoke(context.Background(), "file", raw(`{"action":"read"}`))
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestMessageEmitsText(t *testing.T) {
	var c collector
	ctx := agent.ContextWithEmit(context.Background(), c.emit)

	out, err := (&Message{}).Execute(ctx, raw(`{"text":"halfway there"}`))
	require.NoError(t, err)
	assert.Equal(t, "message sent", out)
	assert.Equal(t, []event.Event{event.Text{Content: "halfway there"}}, c.events)

	_, err = (&Message{}).Execute(context.Background(), raw(`{"text":"x"}`))
	assert.Error(t, err)
}

type prompterFunc func(ctx context.Context, q string) (string, error)

func (f prompterFunc) Ask(ctx context.Context, q string) (string, error) { return f(ctx, q) }

func TestAskUser(t *testing.T) {
	ask := &AskUser{}

	_, err := ask.Execute(context.Background(), raw(`{"question":"continue?"}`))
	assert.ErrorContains(t, err, "no interactive user")

	var asked string
	ctx := agent.ContextWithPrompter(context.Background(), prompterFunc(func(_ context.Context, q string) (string, error) {
		asked = q
		return "yes", nil
	}))
	out, err := ask.Execute(ctx, raw(`{"question":"continue?"}`))
	require.NoError(t, err)
	assert.Equal(t, "yes", out)
	assert.Equal(t, "continue?", asked)

	ctx = agent.ContextWithPrompter(context.Background(), prompterFunc(func(context.Context, string) (string, error) {
		return "", errors.New("gone")
	}))
	_, err = ask.Execute(ctx, raw(`{"question":"?"}`))
	assert.ErrorContains(t, err, "gone")
}

func TestWebFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "harness/1.0", r.UserAgent())
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><h1>Title</h1>\n\n<p>some   text</p></body></html>"))
	}))
	defer ts.Close()

	w := &Web{http: newFetchClient()}
	out, err := w.Execute(context.Background(), raw(`{"action":"fetch","url":"`+ts.URL+`"}`))
	require.NoError(t, err)
	assert.Equal(t, "Title some text", out)

	_, err = w.Execute(context.Background(), raw(`{"action":"fetch","url":"`+ts.URL+`/missing"}`))
	assert.ErrorContains(t, err, "404")

	_, err = w.Execute(context.Background(), raw(`{"action":"fetch"}`))
	assert.ErrorContains(t, err, "url is required")

	_, err = w.Execute(context.Background(), raw(`{"action":"search","query":"go"}`))
	assert.ErrorContains(t, err, "not configured")
}

// textProvider answers every request with a single text turn.
type textProvider struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (p *textProvider) Stream(ctx context.Context, _ llm.Request) *stream.Iterator {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return stream.Pull(ctx, func(ctx context.Context, emit func(event.Event)) error {
		emit(event.Text{Content: p.text})
		emit(event.Done{StopReason: llm.StopEndTurn})
		return nil
	})
}

func newFactory(p llm.Provider) *agent.LoopFactory {
	profiles := agent.ProfilesFromConfig(map[string]*config.AgentProfile{
		"researcher": {SystemPrompt: "research"},
	})
	return agent.NewLoopFactory(p, agent.NewRegistry(), profiles)
}

func TestDelegateRunsSubAgent(t *testing.T) {
	p := &textProvider{text: "found it"}
	d := NewDelegate(newFactory(p))

	props := d.InputSchema()["properties"].(map[string]any)
	assert.Equal(t, []any{"researcher"}, props["agent"].(map[string]any)["enum"])

	var c collector
	ctx := agent.ContextWithEmit(agent.ContextWithSessionID(context.Background(), "s1"), c.emit)
	out, err := d.Execute(ctx, raw(`{"agent":"researcher","task":"look"}`))
	require.NoError(t, err)
	assert.Equal(t, "found it", out)
	assert.Equal(t, 1, p.calls)

	// Only progress reaches the parent stream.
	require.Len(t, c.events, 2)
	for _, ev := range c.events {
		assert.Equal(t, event.KindProgress, ev.Kind())
	}
}

func TestDelegateDepthGuard(t *testing.T) {
	p := &textProvider{text: "x"}
	d := NewDelegate(newFactory(p))

	ctx := agent.ContextWithDelegationDepth(context.Background(), maxDelegationDepth)
	_, err := d.Execute(ctx, raw(`{"agent":"researcher","task":"look"}`))
	assert.ErrorContains(t, err, "maximum delegation depth")
	assert.Zero(t, p.calls)

	_, err = d.Execute(context.Background(), raw(`{"agent":"nobody","task":"look"}`))
	assert.ErrorContains(t, err, "building sub-agent")
}

func TestRegisterBuiltins(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, Options{FileRoot: t.TempDir(), Factory: newFactory(&textProvider{})}))

	var names []string
	for _, s := range reg.Schemas() {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"ask_user", "delegate", "file", "message"}, names)
}
