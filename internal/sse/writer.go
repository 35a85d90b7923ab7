// Package sse implements the gateway's server-sent-event framing and the
// adapter-side record debouncer that coalesces token noise into durable
// records.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Event names on the /api/chat stream.
const (
	EventMeta           = "meta"
	EventAssistantStart = "assistant_start"
	EventDelta          = "delta"
	EventAssistantEnd   = "assistant_end"
	EventToolCall       = "tool_call"
	EventToolResult     = "tool_result"
	EventFinal          = "final"
	EventError          = "error"
	EventDone           = "done"
)

// Event is one named SSE event with a JSON payload.
type Event struct {
	Name string
	Data interface{}
}

// Writer frames events onto a single HTTP response. Sends are serialized;
// each event is flushed immediately.
type Writer struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

// NewWriter prepares a response for SSE streaming.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &Writer{w: w, f: f}, nil
}

// Send writes one event: "event: <name>\ndata: <json>\n\n".
func (w *Writer) Send(evt Event) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", evt.Name, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", evt.Name, data); err != nil {
		return err
	}
	w.f.Flush()
	return nil
}
