package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

// Anthropic SSE streaming response types.

type anthropicContentBlockStart struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type  string          `json:"type"` // "text" or "tool_use"
		Text  string          `json:"text,omitempty"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content_block"`
}

type anthropicContentBlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"` // "text_delta", "thinking_delta", "input_json_delta"
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
}

type anthropicStreamError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicBlockTracker reconstructs tool_use blocks. content_block_start
// often carries an empty input object with the real JSON arriving as
// input_json_delta shards; the two sources are kept separate and the deltas
// win — concatenating them would produce invalid "{}{…}".
type anthropicBlockTracker struct {
	blocks map[int]*anthropicToolBlock
}

type anthropicToolBlock struct {
	id        string
	name      string
	startArgs string
	deltaArgs strings.Builder
	flushed   bool
}

func newAnthropicBlockTracker() *anthropicBlockTracker {
	return &anthropicBlockTracker{blocks: make(map[int]*anthropicToolBlock)}
}

// parseAnthropicStream reads Messages API SSE events and emits StreamEvents.
//
// Anthropic SSE format:
//
//	event: message_start / content_block_start / content_block_delta /
//	       content_block_stop / message_delta / message_stop / error / ping
//	data: { JSON payload }
func parseAnthropicStream(ctx context.Context, reader io.Reader, ch chan<- StreamEvent) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	bt := newAnthropicBlockTracker()
	var currentEventType string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEventType {
		case "message_stop":
			bt.flushAll(ctx, ch)
			trySend(ctx, ch, StreamEvent{Type: EventDone})
			return
		case "content_block_start":
			if !bt.handleBlockStart(ctx, ch, data) {
				return
			}
		case "content_block_delta":
			if !bt.handleBlockDelta(ctx, ch, data) {
				return
			}
		case "content_block_stop":
			if !bt.handleBlockStop(ctx, ch, data) {
				return
			}
		case "message_delta":
			if !handleMessageDelta(ctx, ch, data) {
				return
			}
		case "error":
			handleStreamError(ctx, ch, data)
			return
		case "ping", "message_start":
			// Ignored
		}

		currentEventType = ""
	}

	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
		return
	}
	bt.flushAll(ctx, ch)
	trySend(ctx, ch, StreamEvent{Type: EventDone})
}

// handleBlockStart processes a content_block_start event. Returns false if
// ctx cancelled.
func (bt *anthropicBlockTracker) handleBlockStart(ctx context.Context, ch chan<- StreamEvent, data string) bool {
	var evt anthropicContentBlockStart
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		log.Warn().Err(err).Msg("Failed to parse anthropic content_block_start")
		return true // continue scanning
	}
	if evt.ContentBlock.Type != "tool_use" {
		return true
	}

	block := &anthropicToolBlock{id: evt.ContentBlock.ID, name: evt.ContentBlock.Name}
	if start := strings.TrimSpace(string(evt.ContentBlock.Input)); start != "" && start != "{}" && start != "null" {
		block.startArgs = start
	}
	bt.blocks[evt.Index] = block

	// Register the call now so arrival order is preserved; args follow at
	// block stop.
	return trySend(ctx, ch, StreamEvent{Type: EventToolCall, Tool: ToolCallDelta{
		HasIndex: true,
		Index:    evt.Index,
		ID:       evt.ContentBlock.ID,
		Name:     evt.ContentBlock.Name,
	}})
}

// handleBlockDelta processes a content_block_delta event. Returns false if
// ctx cancelled.
func (bt *anthropicBlockTracker) handleBlockDelta(ctx context.Context, ch chan<- StreamEvent, data string) bool {
	var evt anthropicContentBlockDelta
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		log.Warn().Err(err).Msg("Failed to parse anthropic content_block_delta")
		return true
	}
	switch evt.Delta.Type {
	case "text_delta":
		if evt.Delta.Text != "" {
			return trySend(ctx, ch, StreamEvent{Type: EventContent, Content: evt.Delta.Text})
		}
	case "input_json_delta":
		if block, ok := bt.blocks[evt.Index]; ok && evt.Delta.PartialJSON != "" {
			block.deltaArgs.WriteString(evt.Delta.PartialJSON)
		}
	}
	return true
}

// handleBlockStop emits the effective arguments for a finished tool_use
// block.
func (bt *anthropicBlockTracker) handleBlockStop(ctx context.Context, ch chan<- StreamEvent, data string) bool {
	var evt struct {
		Index int `json:"index"`
	}
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return true
	}
	block, ok := bt.blocks[evt.Index]
	if !ok || block.flushed {
		return true
	}
	block.flushed = true
	return trySend(ctx, ch, StreamEvent{Type: EventToolCall, Tool: ToolCallDelta{
		HasIndex: true,
		Index:    evt.Index,
		Args:     block.effectiveArgs(),
	}})
}

// flushAll emits arguments for any block that never saw a stop event.
func (bt *anthropicBlockTracker) flushAll(ctx context.Context, ch chan<- StreamEvent) {
	for index, block := range bt.blocks {
		if block.flushed {
			continue
		}
		block.flushed = true
		if !trySend(ctx, ch, StreamEvent{Type: EventToolCall, Tool: ToolCallDelta{
			HasIndex: true,
			Index:    index,
			Args:     block.effectiveArgs(),
		}}) {
			return
		}
	}
}

// effectiveArgs is deltaArgs when any shards arrived, else startArgs, else
// the empty object.
func (b *anthropicToolBlock) effectiveArgs() string {
	if s := b.deltaArgs.String(); s != "" {
		return s
	}
	if b.startArgs != "" {
		return b.startArgs
	}
	return "{}"
}

// handleMessageDelta extracts the stop reason. Returns false if ctx
// cancelled.
func handleMessageDelta(ctx context.Context, ch chan<- StreamEvent, data string) bool {
	var md anthropicMessageDelta
	if err := json.Unmarshal([]byte(data), &md); err != nil {
		return true
	}
	if md.Delta.StopReason != "" {
		return trySend(ctx, ch, StreamEvent{Type: EventFinish, FinishReason: md.Delta.StopReason})
	}
	return true
}

func handleStreamError(ctx context.Context, ch chan<- StreamEvent, data string) {
	var se anthropicStreamError
	if err := json.Unmarshal([]byte(data), &se); err != nil || se.Error.Message == "" {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: errors.New("upstream stream error")})
		return
	}
	trySend(ctx, ch, StreamEvent{Type: EventError, Err: errors.New("upstream stream error: " + se.Error.Message)})
}
