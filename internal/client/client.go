// Package client talks to an execution gateway over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"harness/internal/api"
	"harness/internal/stream"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithRateLimit spaces requests to at most perSecond, allowing bursts.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(cl *Client) {
		cl.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream is an execution stream. It embeds the underlying session, so Run,
// Events, Cursor and Close are available; calling Run again after a
// dropped connection resumes from the cursor.
type Stream struct {
	*stream.Session

	mu sync.Mutex
	id string
}

// ExecutionID returns the id announced by the gateway, once the stream has
// connected.
func (s *Stream) ExecutionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Stream) setID(resp *http.Response) {
	if id := resp.Header.Get(api.HeaderExecutionID); id != "" {
		s.mu.Lock()
		s.id = id
		s.mu.Unlock()
	}
}

// ExecuteStream prepares a new execution. Nothing is sent until Run or
// Events is called on the result.
func (c *Client) ExecuteStream(req api.ExecuteRequest) *Stream {
	s := &Stream{}
	s.Session = stream.New(c.baseURL+"/v1/execute/stream", c.sessionOpts(s, stream.WithBody(req))...)
	return s
}

// ResumeStream follows an existing execution, replaying frames after
// cursor. An empty cursor replays everything still buffered.
func (c *Client) ResumeStream(executionID, cursor string) *Stream {
	return c.resume(executionID, cursor)
}

// Reconnect continues s after a dropped connection. The new stream resumes
// from s's cursor and never re-emits a frame s already surfaced.
func (c *Client) Reconnect(s *Stream) *Stream {
	return c.resume(s.ExecutionID(), s.Cursor(), stream.WithSeen(s.Seen()...))
}

func (c *Client) resume(executionID, cursor string, extra ...stream.Option) *Stream {
	s := &Stream{id: executionID}
	opts := extra
	if cursor != "" {
		opts = append(opts, stream.WithCursor(cursor))
	}
	s.Session = stream.New(c.baseURL+"/v1/executions/"+url.PathEscape(executionID)+"/stream", c.sessionOpts(s, opts...)...)
	return s
}

func (c *Client) sessionOpts(s *Stream, extra ...stream.Option) []stream.Option {
	// Streams outlive the request timeout of the plain client.
	hc := &http.Client{Transport: c.http.Transport}
	opts := []stream.Option{
		stream.WithHTTPClient(hc),
		stream.WithResponseHook(s.setID),
	}
	if c.apiKey != "" {
		opts = append(opts, stream.WithHeader("Authorization", "Bearer "+c.apiKey))
	}
	return append(opts, extra...)
}

func (c *Client) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	var out api.Execution
	if err := c.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelExecution requests cancellation and returns the execution state the
// gateway reported.
func (c *Client) CancelExecution(ctx context.Context, id string) (*api.Execution, error) {
	var out api.Execution
	if err := c.do(ctx, http.MethodPost, "/v1/executions/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return stream.NewStatusError(resp, b)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
