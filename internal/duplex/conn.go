package duplex

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned once the connection has been closed by either side.
var ErrClosed = errors.New("duplex: connection closed")

const writeWait = 10 * time.Second

// Conn is one side of a duplex session. Send may be called from several
// goroutines; Receive, Listen and RequestResponse share a single reader.
type Conn struct {
	ws  *websocket.Conn
	wmu sync.Mutex

	closeOnce sync.Once
}

// Dial connects to url. A non-empty apiKey is sent as a bearer token.
func Dial(ctx context.Context, url, apiKey string, header http.Header) (*Conn, error) {
	h := http.Header{}
	for k, v := range header {
		h[k] = v
	}
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Conn{ws: ws}, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Upgrade accepts a websocket on an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: ws}, nil
}

func (c *Conn) Send(ctx context.Context, env Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(env); err != nil {
		return c.wrap("send", err)
	}
	return nil
}

// Receive reads the next envelope. Cancelling ctx interrupts the read and
// leaves the connection unusable.
func (c *Conn) Receive(ctx context.Context) (Envelope, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	var env Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		if ctx.Err() != nil {
			return Envelope{}, ctx.Err()
		}
		return Envelope{}, c.wrap("receive", err)
	}
	return env, nil
}

// Listen yields envelopes until the peer closes the connection, which ends
// the sequence without an error.
func (c *Conn) Listen(ctx context.Context) iter.Seq2[Envelope, error] {
	return func(yield func(Envelope, error) bool) {
		for {
			env, err := c.Receive(ctx)
			if errors.Is(err, ErrClosed) {
				return
			}
			if err != nil {
				yield(Envelope{}, err)
				return
			}
			if !yield(env, nil) {
				return
			}
		}
	}
}

// RequestResponse sends req and returns the first envelope accepted by
// match, or any envelope when match is nil.
func (c *Conn) RequestResponse(ctx context.Context, req Envelope, match func(Envelope) bool) (Envelope, error) {
	if err := c.Send(ctx, req); err != nil {
		return Envelope{}, err
	}
	for env, err := range c.Listen(ctx) {
		if err != nil {
			return Envelope{}, err
		}
		if match == nil || match(env) {
			return env, nil
		}
	}
	return Envelope{}, fmt.Errorf("%w before response received", ErrClosed)
}

// Close sends a close frame and releases the connection. It is safe to
// call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) wrap(op string, err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%s: %w", op, err)
}
