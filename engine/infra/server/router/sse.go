package router

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
)

// SSEStream writes server-sent events to a flushing response writer.
type SSEStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// StartSSE sends the event-stream headers and returns a stream, or nil when
// the writer cannot flush.
func StartSSE(w http.ResponseWriter) *SSEStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEStream{w: w, flusher: flusher}
}

// WriteEvent emits one event. Multi-line data is split into several data
// fields.
func (s *SSEStream) WriteEvent(id int64, event string, data []byte) error {
	var buf bytes.Buffer
	buf.WriteString("id: ")
	buf.WriteString(strconv.FormatInt(id, 10))
	buf.WriteByte('\n')
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return s.write(buf.Bytes())
}

// WriteHeartbeat emits a comment line that keeps idle proxies from closing
// the connection.
func (s *SSEStream) WriteHeartbeat() error {
	return s.write([]byte(": ping\n\n"))
}

func (s *SSEStream) write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(p); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	s.flusher.Flush()
	return nil
}
