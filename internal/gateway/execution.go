package gateway

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"harness/internal/agent"
	"harness/internal/api"
	"harness/internal/cancel"
	"harness/internal/event"
	"harness/internal/sse"
)

// execution is a running or recently finished loop run. Its frames are
// numbered from 1 and kept in a bounded buffer for resuming clients.
type execution struct {
	id        string
	sessionID string
	prompt    string
	tok       *cancel.Token
	created   time.Time

	mu       sync.Mutex
	frames   []sse.Frame
	first    uint64 // sequence number of frames[0]
	next     uint64
	limit    int
	changed  chan struct{}
	response strings.Builder
	result   *agent.Result
	ended    time.Time
}

func newExecution(id, sessionID, prompt string, tok *cancel.Token, limit int) *execution {
	if limit <= 0 {
		limit = 1024
	}
	return &execution{
		id:        id,
		sessionID: sessionID,
		prompt:    prompt,
		tok:       tok,
		created:   time.Now().UTC(),
		first:     1,
		next:      1,
		limit:     limit,
		changed:   make(chan struct{}),
	}
}

// append records ev as the next frame and wakes followers.
func (x *execution) append(ev event.Event) {
	data, err := event.Encode(ev)
	if err != nil {
		slog.Error("encode event", "execution_id", x.id, "type", ev.Kind(), "error", err)
		return
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if t, ok := ev.(event.Text); ok {
		x.response.WriteString(t.Content)
	}
	x.frames = append(x.frames, sse.Frame{
		ID:    strconv.FormatUint(x.next, 10),
		Event: string(ev.Kind()),
		Data:  string(data),
	})
	x.next++
	if over := len(x.frames) - x.limit; over > 0 {
		x.frames = append(x.frames[:0:0], x.frames[over:]...)
		x.first += uint64(over)
	}
	x.broadcast()
}

func (x *execution) finish(res *agent.Result) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.result = res
	x.ended = time.Now().UTC()
	x.broadcast()
}

func (x *execution) broadcast() {
	close(x.changed)
	x.changed = make(chan struct{})
}

// since returns the buffered frames after cursor, a channel closed on the
// next change, whether the execution has finished, and whether frames
// after cursor were already evicted.
func (x *execution) since(cursor uint64) (frames []sse.Frame, wait <-chan struct{}, finished, dropped bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	from := cursor + 1
	if from < x.first {
		dropped = true
		from = x.first
	}
	if from < x.next {
		frames = append(frames, x.frames[from-x.first:]...)
	}
	return frames, x.changed, x.result != nil, dropped
}

func (x *execution) finished() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.result != nil
}

func (x *execution) snapshot() api.Execution {
	x.mu.Lock()
	defer x.mu.Unlock()

	out := api.Execution{
		ID:        x.id,
		Status:    api.StatusRunning,
		Message:   x.prompt,
		Response:  x.response.String(),
		SessionID: x.sessionID,
		CreatedAt: x.created,
	}
	if x.result != nil {
		out.Status = string(x.result.Outcome)
		out.Iterations = x.result.Iterations
		u := x.result.Usage
		out.Usage = &u
		out.Error = x.result.Error
		ended := x.ended
		out.CompletedAt = &ended
	}
	return out
}

// parseCursor reads a Last-Event-ID value. Anything unparsable replays
// from the start of the buffer.
func parseCursor(s string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
