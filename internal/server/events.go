package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// eventWriter writes named server-sent events. Headers are sent with the
// first event so that errors before streaming can still be plain JSON.
type eventWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	closed  bool
}

func newEventWriter(w http.ResponseWriter) (*eventWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &eventWriter{w: w, flusher: flusher}, true
}

func (e *eventWriter) start() {
	if e.started {
		return
	}
	e.started = true
	e.w.Header().Set("Content-Type", "text/event-stream")
	e.w.Header().Set("Cache-Control", "no-cache")
	e.w.Header().Set("Connection", "keep-alive")
	e.w.Header().Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)
}

// send marshals payload as the event's data.
func (e *eventWriter) send(event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return e.sendRaw(event, data)
}

// sendRaw writes data, which must be a single line of JSON.
func (e *eventWriter) sendRaw(event string, data []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.start()
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		e.closed = true
		return false
	}
	e.flusher.Flush()
	return true
}

// close stops further writes. Callbacks of a cancelled turn may still fire
// after the handler returned.
func (e *eventWriter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}
