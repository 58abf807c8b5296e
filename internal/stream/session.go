// Package stream opens execution streams over HTTP and surfaces their frames
// as typed events, either through a callback or as a pulled sequence.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"harness/internal/event"
	"harness/internal/sse"
)

const readChunk = 4096

// Session owns one logical execution stream. It keeps the resumption cursor
// and the set of surfaced frame ids across reconnects.
type Session struct {
	target  string
	body    any
	headers http.Header
	client  *http.Client
	onResp  func(*http.Response)

	mu     sync.Mutex
	cursor string
	seen   map[string]struct{}
	closed bool
	stop   context.CancelFunc
	rc     io.Closer
}

type Option func(*Session)

// WithBody makes the session POST v as JSON instead of issuing a GET.
func WithBody(v any) Option {
	return func(s *Session) { s.body = v }
}

// WithCursor seeds the resumption cursor, as if the frame with that id had
// already been seen.
func WithCursor(id string) Option {
	return func(s *Session) { s.cursor = id }
}

// WithSeen marks frame ids as already surfaced, so a session that resumes
// another one never re-emits them even if the peer ignores the cursor.
func WithSeen(ids ...string) Option {
	return func(s *Session) {
		for _, id := range ids {
			s.seen[id] = struct{}{}
		}
	}
}

func WithHeader(key, value string) Option {
	return func(s *Session) { s.headers.Add(key, value) }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.client = c }
}

// WithResponseHook calls fn with every successful response before its body
// is read.
func WithResponseHook(fn func(*http.Response)) Option {
	return func(s *Session) { s.onResp = fn }
}

func New(target string, opts ...Option) *Session {
	s := &Session{
		target:  target,
		headers: make(http.Header),
		seen:    make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		s.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return s
}

// Cursor returns the id of the last frame surfaced by this session.
func (s *Session) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Seen returns the ids of every frame surfaced so far, including those
// passed to WithSeen.
func (s *Session) Seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.seen))
	for id := range s.seen {
		ids = append(ids, id)
	}
	return ids
}

// Run opens the stream and calls fn for each decoded event, in wire order,
// until the body ends. Cancelling ctx or calling Close ends Run with a nil
// error; any other failure is returned. Calling Run again reconnects with
// the retained cursor sent as Last-Event-ID.
func (s *Session) Run(ctx context.Context, fn func(event.Event)) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.stop = stop
	cursor := s.cursor
	s.mu.Unlock()

	req, err := s.newRequest(ctx, cursor)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if s.stopped(ctx) {
			return nil
		}
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return NewStatusError(resp, body)
	}
	if s.onResp != nil {
		s.onResp(resp)
	}

	s.mu.Lock()
	s.rc = resp.Body
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.rc = nil
		s.mu.Unlock()
	}()

	var dec sse.Decoder
	buf := make([]byte, readChunk)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				if s.stopped(ctx) {
					return nil
				}
				s.deliver(f, fn)
			}
		}
		if rerr == nil {
			continue
		}
		if s.stopped(ctx) {
			return nil
		}
		if errors.Is(rerr, io.EOF) {
			if f, ok := dec.Flush(); ok {
				s.deliver(f, fn)
			}
			return nil
		}
		return fmt.Errorf("read stream: %w", rerr)
	}
}

// Close cancels the stream at any time. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
	}
	if s.rc != nil {
		return s.rc.Close()
	}
	return nil
}

// Events runs the session in the background and returns a pulled sequence
// over its events. Closing the iterator closes the session.
func (s *Session) Events(ctx context.Context) *Iterator {
	it := Pull(ctx, func(ctx context.Context, emit func(event.Event)) error {
		return s.Run(ctx, emit)
	})
	it.onClose = func() { _ = s.Close() }
	return it
}

func (s *Session) newRequest(ctx context.Context, cursor string) (*http.Request, error) {
	method := http.MethodGet
	var body io.Reader
	if s.body != nil {
		b, err := json.Marshal(s.body)
		if err != nil {
			return nil, fmt.Errorf("encode stream request: %w", err)
		}
		method = http.MethodPost
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.target, body)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	for k, vs := range s.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cursor != "" {
		req.Header.Set("Last-Event-ID", cursor)
	}
	return req, nil
}

// deliver updates the cursor and hands the frame's event to fn unless the
// frame id was already surfaced.
func (s *Session) deliver(f sse.Frame, fn func(event.Event)) {
	if f.ID != "" {
		s.mu.Lock()
		_, dup := s.seen[f.ID]
		if !dup {
			s.seen[f.ID] = struct{}{}
			s.cursor = f.ID
		}
		s.mu.Unlock()
		if dup {
			slog.Debug("skipping redelivered frame", "id", f.ID)
			return
		}
	}
	if ev, ok := event.Adapt(f); ok {
		fn(ev)
	}
}

// stopped reports whether the stream ended by intent rather than failure.
// A deadline is a failure.
func (s *Session) stopped(ctx context.Context) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return closed || errors.Is(ctx.Err(), context.Canceled)
}
