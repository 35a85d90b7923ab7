package sse

import (
	"encoding/json"
	"time"

	"github.com/p3lera/eclia/internal/transcript"
)

// DefaultQuiet is the debounce quiescence window.
const DefaultQuiet = 250 * time.Millisecond

// Flush reasons, propagated on records for debuggability.
const (
	ReasonAssistantStart = "assistant_start"
	ReasonToolResult     = "tool_result"
	ReasonError          = "error"
	ReasonDone           = "done"
	ReasonDebounce       = "debounce"
	ReasonEOF            = "eof"
)

// Record is one durable assistant record, coalesced from a burst of deltas.
type Record struct {
	Type      string                `json:"type"` // always "assistant"
	Text      string                `json:"text"`
	ToolCalls []transcript.ToolCall `json:"toolCalls,omitempty"`
	Reason    string                `json:"reason"`
}

// RecordFunc receives flushed records in arrival order.
type RecordFunc func(rec Record)

type debMsg struct {
	evt      *Event
	timerGen int
	eof      bool
}

// Debouncer turns a gateway event stream into durable records: deltas and
// tool calls accumulate, assistant_end arms the buffer, and the record
// flushes after a quiet window or immediately on the next significant event.
// Handlers run on a single goroutine, so onRecord executes strictly in
// arrival order.
type Debouncer struct {
	msgs     chan debMsg
	onRecord RecordFunc
	quiet    time.Duration
	stopped  chan struct{}
}

// NewDebouncer starts a debouncer delivering records to onRecord. Close it
// to flush the tail and stop the worker.
func NewDebouncer(onRecord RecordFunc, quiet time.Duration) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	d := &Debouncer{
		msgs:     make(chan debMsg, 64),
		onRecord: onRecord,
		quiet:    quiet,
		stopped:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Handle enqueues one gateway event. Events arriving after Close are
// dropped.
func (d *Debouncer) Handle(evt Event) {
	select {
	case d.msgs <- debMsg{evt: &evt}:
	case <-d.stopped:
	}
}

// Close flushes any armed record with the eof reason and stops the worker.
func (d *Debouncer) Close() {
	select {
	case d.msgs <- debMsg{eof: true}:
		<-d.stopped
	case <-d.stopped:
	}
}

func (d *Debouncer) run() {
	defer close(d.stopped)

	var (
		text      string
		toolCalls []transcript.ToolCall
		armed     bool
		timerGen  int
	)

	flush := func(reason string) {
		if !armed {
			return
		}
		armed = false
		timerGen++
		d.onRecord(Record{Type: "assistant", Text: text, ToolCalls: toolCalls, Reason: reason})
		text = ""
		toolCalls = nil
	}

	for msg := range d.msgs {
		if msg.eof {
			flush(ReasonEOF)
			return
		}
		if msg.evt == nil {
			// Timer fired; only the latest generation counts.
			if msg.timerGen == timerGen {
				flush(ReasonDebounce)
			}
			continue
		}

		evt := *msg.evt
		switch evt.Name {
		case EventDelta:
			text += deltaText(evt.Data)
		case EventToolCall:
			if tc, ok := toolCallFromEvent(evt.Data); ok {
				toolCalls = append(toolCalls, tc)
			}
		case EventAssistantEnd:
			armed = true
			timerGen++
			gen := timerGen
			time.AfterFunc(d.quiet, func() {
				select {
				case d.msgs <- debMsg{timerGen: gen}:
				case <-d.stopped:
				}
			})
		case EventAssistantStart:
			flush(ReasonAssistantStart)
		case EventToolResult:
			flush(ReasonToolResult)
		case EventError:
			flush(ReasonError)
		case EventDone:
			flush(ReasonDone)
		}
	}
}

// deltaText extracts the text field from a delta payload, which may be a
// typed struct or decoded JSON.
func deltaText(data interface{}) string {
	switch v := data.(type) {
	case map[string]interface{}:
		if s, ok := v["text"].(string); ok {
			return s
		}
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return ""
		}
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &payload); err == nil {
			return payload.Text
		}
	}
	return ""
}

// toolCallFromEvent recovers the call identity from a tool_call payload.
func toolCallFromEvent(data interface{}) (transcript.ToolCall, bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		return transcript.ToolCall{}, false
	}
	var payload struct {
		CallID string `json:"callId"`
		Name   string `json:"name"`
		Args   struct {
			Raw string `json:"raw"`
		} `json:"args"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return transcript.ToolCall{}, false
	}
	return transcript.ToolCall{
		CallID:  payload.CallID,
		Index:   -1,
		Name:    payload.Name,
		ArgsRaw: payload.Args.Raw,
	}, true
}
