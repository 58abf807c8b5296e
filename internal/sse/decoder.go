// Package sse implements the text-event framing used by execution streams:
// frames separated by a blank line, made of id:, event:, data: and comment
// lines.
package sse

import (
	"bytes"
	"strings"
)

// Frame is one decoded unit of the wire protocol. ID and Event are empty
// when the frame did not carry them.
type Frame struct {
	ID    string
	Event string
	Data  string
}

var boundary = []byte("\n\n")

// Decoder turns arbitrarily split chunks into frames. It holds one buffer
// per connection and is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends chunk to the buffer and returns every frame completed by it.
// The trailing incomplete segment stays buffered for the next call.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf = normalize(append(d.buf, chunk...))

	var frames []Frame
	for {
		i := bytes.Index(d.buf, boundary)
		if i < 0 {
			break
		}
		block := string(d.buf[:i])
		d.buf = d.buf[i+len(boundary):]
		if f, ok := parse(block); ok {
			frames = append(frames, f)
		}
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Flush parses whatever remains in the buffer as a final frame. It is
// called once at stream end.
func (d *Decoder) Flush() (Frame, bool) {
	rest := string(bytes.TrimSuffix(d.buf, []byte("\r")))
	d.buf = nil
	if strings.TrimSpace(rest) == "" {
		return Frame{}, false
	}
	return parse(rest)
}

// Buffered reports how many bytes are waiting for a frame boundary.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// normalize rewrites "\r\n" and lone "\r" line endings to "\n" in place.
// A "\r" at the very end is kept: the next chunk decides whether it starts
// a "\r\n" pair.
func normalize(b []byte) []byte {
	if bytes.IndexByte(b, '\r') < 0 {
		return b
	}
	w := 0
	for r := 0; r < len(b); r++ {
		c := b[r]
		if c == '\r' {
			if r+1 == len(b) {
				b[w] = c
				w++
				break
			}
			if b[r+1] == '\n' {
				continue
			}
			c = '\n'
		}
		b[w] = c
		w++
	}
	return b[:w]
}

// parse decodes one frame block. A block without data lines yields no frame.
func parse(block string) (Frame, bool) {
	var (
		f    Frame
		data []string
	)
	for _, line := range strings.Split(block, "\n") {
		switch {
		case strings.HasPrefix(line, "id:"):
			f.ID = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "event:"):
			f.Event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(line[len("data:"):]))
		case strings.HasPrefix(line, ":"):
			// comment
		}
	}
	if len(data) == 0 {
		return Frame{}, false
	}
	f.Data = strings.Join(data, "\n")
	return f, true
}
