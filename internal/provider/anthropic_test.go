package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/p3lera/eclia/internal/transcript"
)

// anthropicFrames writes typed SSE events.
func anthropicFrames(w io.Writer, events [][2]string) {
	for _, e := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e[0], e[1])
	}
}

func streamAnthropic(t *testing.T, events [][2]string) (*TurnResult, []string) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		anthropicFrames(w, events)
	}))
	t.Cleanup(ts.Close)

	p := NewAnthropic("test", ts.URL, "test-model", 0.7, 0)
	t.Cleanup(func() { p.Close() })

	var deltas []string
	result, err := p.StreamTurn(context.Background(), nil,
		[]transcript.Message{{Kind: transcript.KindUser, Content: "Hi"}},
		nil, SamplingOverrides{}, func(text string) { deltas = append(deltas, text) })
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	return result, deltas
}

func TestAnthropicStream_Text(t *testing.T) {
	result, deltas := streamAnthropic(t, [][2]string{
		{"message_start", `{"message":{}}`},
		{"content_block_start", `{"index":0,"content_block":{"type":"text"}}`},
		{"content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"Hel"}}`},
		{"content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"lo"}}`},
		{"content_block_stop", `{"index":0}`},
		{"message_delta", `{"delta":{"stop_reason":"end_turn"}}`},
		{"message_stop", `{}`},
	})
	if result.AssistantText != "Hello" {
		t.Errorf("text = %q", result.AssistantText)
	}
	if result.FinishReason != "end_turn" {
		t.Errorf("finish = %q", result.FinishReason)
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestAnthropicStream_ToolUseInputReassembly(t *testing.T) {
	// The start block carries an empty input object; the real JSON arrives
	// in input_json_delta shards. The result must not be "{}{...}".
	result, _ := streamAnthropic(t, [][2]string{
		{"content_block_start", `{"index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"exec","input":{}}}`},
		{"content_block_delta", `{"index":1,"delta":{"type":"input_json_delta","partial_json":"{\"cmd\":\"l"}}`},
		{"content_block_delta", `{"index":1,"delta":{"type":"input_json_delta","partial_json":"s\"}"}}`},
		{"content_block_stop", `{"index":1}`},
		{"message_delta", `{"delta":{"stop_reason":"tool_use"}}`},
		{"message_stop", `{}`},
	})
	if len(result.ToolCalls) != 1 {
		t.Fatalf("got %d calls, want 1", len(result.ToolCalls))
	}
	call := result.ToolCalls[0]
	if call.CallID != "tu_1" || call.Name != "exec" {
		t.Errorf("call = %+v", call)
	}
	if call.ArgsRaw != `{"cmd":"ls"}` {
		t.Errorf("argsRaw = %q, want reassembled shards only", call.ArgsRaw)
	}
	if result.FinishReason != FinishToolCalls {
		t.Errorf("finish = %q, want tool_use mapped to tool_calls", result.FinishReason)
	}
}

func TestAnthropicStream_StartInputWithoutDeltas(t *testing.T) {
	result, _ := streamAnthropic(t, [][2]string{
		{"content_block_start", `{"index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"web","input":{"url":"example.com"}}}`},
		{"content_block_stop", `{"index":0}`},
		{"message_delta", `{"delta":{"stop_reason":"tool_use"}}`},
		{"message_stop", `{}`},
	})
	if len(result.ToolCalls) != 1 {
		t.Fatalf("got %d calls", len(result.ToolCalls))
	}
	if result.ToolCalls[0].ArgsRaw != `{"url":"example.com"}` {
		t.Errorf("argsRaw = %q, want the start input", result.ToolCalls[0].ArgsRaw)
	}
}

func TestAnthropicStream_EmptyToolInput(t *testing.T) {
	result, _ := streamAnthropic(t, [][2]string{
		{"content_block_start", `{"index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"web","input":{}}}`},
		{"content_block_stop", `{"index":0}`},
		{"message_delta", `{"delta":{"stop_reason":"tool_use"}}`},
		{"message_stop", `{}`},
	})
	if result.ToolCalls[0].ArgsRaw != "{}" {
		t.Errorf("argsRaw = %q, want {}", result.ToolCalls[0].ArgsRaw)
	}
}

func TestAnthropic_TopKRetryOn400(t *testing.T) {
	var calls int
	var bodies []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if strings.Contains(string(body), "top_k") {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"top_k is not supported"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		anthropicFrames(w, [][2]string{
			{"content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"ok"}}`},
			{"message_stop", `{}`},
		})
	}))
	t.Cleanup(ts.Close)

	p := NewAnthropic("test", ts.URL, "test-model", 0.7, 0)
	topK := 40
	result, err := p.StreamTurn(context.Background(), nil,
		[]transcript.Message{{Kind: transcript.KindUser, Content: "Hi"}},
		nil, SamplingOverrides{TopK: &topK}, nil)
	if err != nil {
		t.Fatalf("StreamTurn: %v", err)
	}
	if calls != 2 {
		t.Fatalf("made %d requests, want exactly 2 (one retry)", calls)
	}
	if strings.Contains(bodies[1], "top_k") {
		t.Error("retry still contained top_k")
	}
	if result.AssistantText != "ok" {
		t.Errorf("text = %q", result.AssistantText)
	}
}

func TestAnthropic_TransientStatusNotRetried(t *testing.T) {
	// Only the top_k 400 gets a second request; every other failure fails
	// the turn on the first response.
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	t.Cleanup(ts.Close)

	p := NewAnthropic("test", ts.URL, "test-model", 0.7, 0)
	topK := 40
	_, err := p.StreamTurn(context.Background(), nil,
		[]transcript.Message{{Kind: transcript.KindUser, Content: "Hi"}},
		nil, SamplingOverrides{TopK: &topK}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Upstream error: 429") || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("made %d requests, want exactly 1 (no silent retries)", calls)
	}
}

func TestAnthropic_UpstreamErrorSurface(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"invalid api key"}}`)
	}))
	t.Cleanup(ts.Close)

	p := NewAnthropic("test", ts.URL, "test-model", 0.7, 0)
	_, err := p.StreamTurn(context.Background(), nil,
		[]transcript.Message{{Kind: transcript.KindUser, Content: "Hi"}},
		nil, SamplingOverrides{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Upstream error: 403") || !strings.Contains(err.Error(), "invalid api key") {
		t.Errorf("err = %v", err)
	}
}

func TestToAnthropicMessages_HoistsSystemAndMergesToolResults(t *testing.T) {
	msgs := []transcript.Message{
		{Kind: transcript.KindSystem, Content: "be helpful"},
		{Kind: transcript.KindUser, Content: "run two things"},
		{Kind: transcript.KindAssistant, Content: "on it", ToolCalls: []transcript.ToolCall{
			{CallID: "c1", Name: "exec", ArgsRaw: `{"command":"ls"}`},
			{CallID: "c2", Name: "exec", ArgsRaw: `{"command":"pwd"}`},
		}},
		{Kind: transcript.KindTool, ToolCallID: "c1", Content: `{"ok":true}`},
		{Kind: transcript.KindTool, ToolCallID: "c2", Content: `{"ok":false}`},
	}

	system, wire := toAnthropicMessages(msgs)
	if len(system) != 1 || system[0].Text != "be helpful" {
		t.Fatalf("system = %+v", system)
	}
	if len(wire) != 3 {
		t.Fatalf("got %d wire messages, want user + assistant + merged tool results", len(wire))
	}

	blocks, ok := wire[2].Content.([]anthropicToolResultBlock)
	if !ok {
		t.Fatalf("last message content type %T", wire[2].Content)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d tool_result blocks, want 2 merged into one user message", len(blocks))
	}
	if wire[2].Role != "user" {
		t.Errorf("tool results carried role %q", wire[2].Role)
	}
	if !blocks[1].IsError {
		t.Error("second result should carry is_error")
	}
}

func TestToAnthropicMessages_DropsOrphanToolUse(t *testing.T) {
	// History truncated between the assistant call and its result: the
	// tool_use block must not be sent.
	msgs := []transcript.Message{
		{Kind: transcript.KindUser, Content: "hi"},
		{Kind: transcript.KindAssistant, Content: "calling", ToolCalls: []transcript.ToolCall{
			{CallID: "c1", Name: "exec", ArgsRaw: `{}`},
		}},
	}
	_, wire := toAnthropicMessages(msgs)
	if len(wire) != 2 {
		t.Fatalf("got %d messages", len(wire))
	}
	blocks, ok := wire[1].Content.([]interface{})
	if !ok {
		t.Fatalf("assistant content type %T", wire[1].Content)
	}
	for _, b := range blocks {
		if _, isToolUse := b.(anthropicToolUseBlock); isToolUse {
			t.Error("orphan tool_use block survived translation")
		}
	}
}

func TestToolUseInput_RepairsBrokenArgs(t *testing.T) {
	tests := []struct {
		raw  string
		want map[string]any
	}{
		{`{"a":1}`, map[string]any{"a": float64(1)}},
		{`{}{"a":1}`, map[string]any{"a": float64(1)}},
		{`garbage`, map[string]any{"__raw": "garbage"}},
	}
	for _, tt := range tests {
		var got map[string]any
		if err := json.Unmarshal(toolUseInput(tt.raw), &got); err != nil {
			t.Fatalf("toolUseInput(%q) produced invalid JSON: %v", tt.raw, err)
		}
		if len(got) != len(tt.want) {
			t.Errorf("toolUseInput(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
