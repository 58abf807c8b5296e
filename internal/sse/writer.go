package sse

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Writer encodes frames onto an http.ResponseWriter and flushes after each.
type Writer struct {
	w  io.Writer
	rc *http.ResponseController
}

// NewWriter sets the streaming response headers and returns a Writer.
func NewWriter(w http.ResponseWriter) *Writer {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &Writer{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

// Send writes one frame. Multi-line data is split across several data:
// lines so that the decoder joins it back with "\n".
func (s *Writer) Send(f Frame) error {
	if _, err := io.WriteString(s.w, Encode(f)); err != nil {
		return err
	}
	return s.flush()
}

// Comment writes a comment frame, used as a keep-alive.
func (s *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.flush()
}

func (s *Writer) flush() error {
	if s.rc == nil {
		return nil
	}
	if err := s.rc.Flush(); err != nil && err != http.ErrNotSupported {
		return err
	}
	return nil
}

// Encode renders f in wire form, terminated by a blank line.
func Encode(f Frame) string {
	var b strings.Builder
	if f.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", f.ID)
	}
	if f.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", f.Event)
	}
	for _, line := range strings.Split(f.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return b.String()
}
