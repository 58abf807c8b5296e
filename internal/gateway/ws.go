package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"harness/internal/agent"
	"harness/internal/api"
	"harness/internal/duplex"
	"harness/internal/event"
)

// wsSession is one websocket client. It runs at most one execution at a
// time and answers prompts raised by that execution's tools.
type wsSession struct {
	srv  *Server
	conn *duplex.Conn
	ctx  context.Context

	mu      sync.Mutex
	current *execution
	pending map[string]chan string
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := duplex.Upgrade(w, r)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sess := &wsSession{srv: s, conn: conn, ctx: ctx, pending: make(map[string]chan string)}
	defer sess.cancelCurrent("client disconnected")

	for env, err := range conn.Listen(ctx) {
		if err != nil {
			slog.Debug("websocket read ended", "error", err)
			return
		}
		sess.handle(env)
	}
}

func (ws *wsSession) handle(env duplex.Envelope) {
	switch env.Type {
	case duplex.TypeMessage:
		ws.startExecution(env)
	case duplex.TypeStdin:
		ws.answer(env)
	case duplex.TypeCancel:
		ws.cancelCurrent("cancelled by client")
	default:
		ws.stderr("unknown envelope type: " + env.Type)
	}
}

func (ws *wsSession) startExecution(env duplex.Envelope) {
	if env.Content == "" {
		ws.stderr("message content is required")
		return
	}
	ws.mu.Lock()
	busy := ws.current != nil && !ws.current.finished()
	ws.mu.Unlock()
	if busy {
		ws.stderr("an execution is already running")
		return
	}

	x, err := ws.srv.start(ws.ctx, api.ExecuteRequest{
		Message:   env.Content,
		SessionID: env.SessionID,
		AgentID:   env.AgentID,
	}, func(ctx context.Context, x *execution) context.Context {
		return agent.ContextWithPrompter(ctx, &wsPrompter{sess: ws, x: x})
	})
	if err != nil {
		_ = ws.conn.Send(ws.ctx, duplex.Envelope{Type: duplex.TypeError, Code: "rejected", Message: err.Error()})
		return
	}

	ws.mu.Lock()
	ws.current = x
	ws.mu.Unlock()
	go ws.relay(x)
}

// relay forwards x's events as envelopes until its terminal event.
func (ws *wsSession) relay(x *execution) {
	var cursor uint64
	for {
		frames, wait, finished, _ := x.since(cursor)
		for _, f := range frames {
			cursor = parseCursor(f.ID)
			ev, err := event.Decode([]byte(f.Data))
			if err != nil {
				continue
			}
			env, ok := duplex.FromEvent(ev)
			if !ok {
				continue
			}
			env.ExecutionID = x.id
			if err := ws.conn.Send(ws.ctx, env); err != nil {
				slog.Debug("websocket send failed", "execution_id", x.id, "error", err)
				return
			}
		}
		if finished && len(frames) == 0 {
			return
		}
		if finished {
			continue
		}
		select {
		case <-wait:
		case <-ws.ctx.Done():
			return
		}
	}
}

func (ws *wsSession) answer(env duplex.Envelope) {
	ws.mu.Lock()
	ch, ok := ws.pending[env.ID]
	if !ok && env.ID == "" && len(ws.pending) == 1 {
		for id, c := range ws.pending {
			ch, ok = c, true
			env.ID = id
		}
	}
	if ok {
		delete(ws.pending, env.ID)
	}
	ws.mu.Unlock()

	if !ok {
		ws.stderr("no pending prompt for stdin")
		return
	}
	ch <- env.Content
}

func (ws *wsSession) cancelCurrent(reason string) {
	ws.mu.Lock()
	x := ws.current
	ws.mu.Unlock()
	if x != nil {
		x.tok.Cancel(reason)
	}
}

func (ws *wsSession) stderr(msg string) {
	_ = ws.conn.Send(ws.ctx, duplex.Envelope{Type: duplex.TypeStderr, Content: msg})
}

var errNoAnswer = errors.New("prompt abandoned")

// wsPrompter sends prompt envelopes and waits for the matching stdin.
type wsPrompter struct {
	sess *wsSession
	x    *execution
}

func (p *wsPrompter) Ask(ctx context.Context, question string) (string, error) {
	id := "prompt_" + uuid.NewString()
	ch := make(chan string, 1)

	ws := p.sess
	ws.mu.Lock()
	ws.pending[id] = ch
	ws.mu.Unlock()
	defer func() {
		ws.mu.Lock()
		delete(ws.pending, id)
		ws.mu.Unlock()
	}()

	if err := ws.conn.Send(ws.ctx, duplex.Envelope{
		Type:        duplex.TypePrompt,
		ID:          id,
		ExecutionID: p.x.id,
		Content:     question,
	}); err != nil {
		return "", err
	}

	select {
	case answer := <-ch:
		return answer, nil
	case <-p.x.tok.Done():
		return "", errNoAnswer
	case <-ws.ctx.Done():
		return "", errNoAnswer
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
