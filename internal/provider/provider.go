// Package provider normalizes the upstream LLM wire protocols into a single
// turn interface: stream text deltas out, collect tool calls, report a finish
// reason.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/p3lera/eclia/internal/transcript"
)

// Provider kinds, as they appear in route keys.
const (
	KindOpenAICompatible = "openai-compatible"
	KindAnthropic        = "anthropic"
	KindCodexOAuth       = "codex-oauth"
)

// Normalized finish reasons. tool_calls and tool_use continue the tool loop;
// stop ends it.
const (
	FinishToolCalls = "tool_calls"
	FinishToolUse   = "tool_use"
	FinishStop      = "stop"
)

// ErrProviderNotFound is returned when a requested profile doesn't exist.
var ErrProviderNotFound = errors.New("provider not found")

// Tool is a tool definition offered to the upstream.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// SamplingOverrides are optional per-request sampling parameters.
type SamplingOverrides struct {
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   *int
}

// TurnResult is the normalized outcome of one provider turn.
type TurnResult struct {
	AssistantText string
	ToolCalls     []transcript.ToolCall
	FinishReason  string
}

// WantsTools reports whether the turn ended asking for tool dispatch.
func (r *TurnResult) WantsTools() bool {
	return len(r.ToolCalls) > 0 &&
		(r.FinishReason == FinishToolCalls || r.FinishReason == FinishToolUse)
}

// DeltaFunc receives each new text fragment as it streams in.
type DeltaFunc func(text string)

// Provider is the uniform turn interface over the upstream kinds.
type Provider interface {
	// Name returns the profile identifier.
	Name() string

	// Kind returns the provider kind constant.
	Kind() string

	// TokenBudget returns the context budget used when building history.
	TokenBudget() int

	// StreamTurn runs one upstream turn. Text deltas are forwarded to
	// onDelta as they arrive; the normalized result is returned when the
	// stream ends.
	StreamTurn(ctx context.Context, headers map[string]string, messages []transcript.Message,
		tools []Tool, sampling SamplingOverrides, onDelta DeltaFunc) (*TurnResult, error)

	// AssistantMessage builds the canonical assistant message for a turn
	// that declared tool calls.
	AssistantMessage(text string, calls []transcript.ToolCall) transcript.Message

	// ToolResultMessages builds the canonical messages feeding tool results
	// back into history. Wire-level differences (per-call tool messages vs
	// one merged user message) are applied when the history is converted
	// for the upstream.
	ToolResultMessages(results []transcript.ToolResult) []transcript.Message

	// Close releases idle connections and other resources.
	Close() error
}

// base carries the canonical message builders shared by all providers.
type base struct{}

func (base) AssistantMessage(text string, calls []transcript.ToolCall) transcript.Message {
	return transcript.Message{
		Kind:      transcript.KindAssistant,
		Content:   text,
		ToolCalls: calls,
		CreatedAt: time.Now(),
	}
}

func (base) ToolResultMessages(results []transcript.ToolResult) []transcript.Message {
	out := make([]transcript.Message, 0, len(results))
	for _, r := range results {
		out = append(out, transcript.Message{
			Kind:       transcript.KindTool,
			Content:    string(r.Content),
			ToolCallID: r.CallID,
			CreatedAt:  time.Now(),
		})
	}
	return out
}

// StreamEventType identifies the kind of streaming event.
type StreamEventType int

const (
	// EventContent carries a text content value (delta or cumulative — the
	// collector decides which).
	EventContent StreamEventType = iota
	// EventToolCall carries a tool-call fragment.
	EventToolCall
	// EventFinish carries the upstream finish reason.
	EventFinish
	// EventDone signals the stream is complete.
	EventDone
	// EventError signals a stream error.
	EventError
)

// ToolCallDelta is one upstream tool-call fragment.
type ToolCallDelta struct {
	HasIndex bool
	Index    int
	ID       string
	Name     string
	Args     string
}

// StreamEvent represents a single event in a streamed upstream response.
type StreamEvent struct {
	Type         StreamEventType
	Content      string
	Tool         ToolCallDelta
	FinishReason string
	Err          error
}

// collectTurn drains a stream-event channel into a TurnResult, applying the
// cumulative-vs-delta text rule and the tool-call accumulator, and forwarding
// each new text suffix to onDelta.
func collectTurn(ch <-chan StreamEvent, onDelta DeltaFunc) (*TurnResult, error) {
	var text textMerger
	acc := newAccumulator()
	result := &TurnResult{}

	for evt := range ch {
		switch evt.Type {
		case EventContent:
			if suffix := text.apply(evt.Content); suffix != "" && onDelta != nil {
				onDelta(suffix)
			}
		case EventToolCall:
			acc.apply(evt.Tool)
		case EventFinish:
			if evt.FinishReason != "" {
				result.FinishReason = evt.FinishReason
			}
		case EventError:
			return nil, evt.Err
		case EventDone:
			// finalize below
		}
	}

	result.AssistantText = text.String()
	result.ToolCalls = acc.finalize()
	if len(result.ToolCalls) > 0 {
		log.Debug().Int("tool_calls", len(result.ToolCalls)).Str("finish", result.FinishReason).Msg("turn collected")
	}
	return result, nil
}

// textMerger implements the cumulative-vs-delta rule: a value that extends
// the accumulated text as a strict prefix-superset replaces it (only the new
// suffix is emitted); anything else appends.
type textMerger struct {
	acc string
}

// apply merges one incoming value and returns the newly added suffix.
func (m *textMerger) apply(next string) string {
	if next == "" {
		return ""
	}
	if len(next) > len(m.acc) && m.acc != "" && next[:len(m.acc)] == m.acc {
		suffix := next[len(m.acc):]
		m.acc = next
		return suffix
	}
	m.acc += next
	return next
}

func (m *textMerger) String() string { return m.acc }

// trySend sends an event on ch, aborting if ctx is cancelled. Returns false
// if cancelled.
func trySend(ctx context.Context, ch chan<- StreamEvent, evt StreamEvent) bool {
	select {
	case ch <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
