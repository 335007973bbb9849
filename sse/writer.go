// Package sse writes Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// reconnectMillis is the retry hint sent when a stream opens.
const reconnectMillis = 3000

// Writer frames Server-Sent Events onto a response. Any write error means
// the client is gone, and the caller should stop streaming.
type Writer struct {
	w     http.ResponseWriter
	flush func()
	seq   int
}

// NewWriter commits a 200 event-stream response with a retry hint. It
// returns nil, having written nothing, when w cannot flush.
func NewWriter(w http.ResponseWriter) *Writer {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &Writer{w: w, flush: f.Flush}
	s.frame("retry: %d\n\n", reconnectMillis)
	return s
}

// SendEvent writes a named event with a JSON payload. Ids increase per
// stream so a reconnecting client can report the last one it saw.
func (s *Writer) SendEvent(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	s.seq++
	return s.frame("id: %d\nevent: %s\ndata: %s\n\n", s.seq, event, payload)
}

// SendComment writes a comment line. Streams use it as a keep-alive.
func (s *Writer) SendComment(text string) error {
	return s.frame(": %s\n\n", text)
}

func (s *Writer) frame(format string, args ...any) error {
	if _, err := fmt.Fprintf(s.w, format, args...); err != nil {
		return err
	}
	s.flush()
	return nil
}
