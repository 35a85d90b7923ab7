package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/p3lera/eclia/internal/transcript"
)

// sseHandler writes scripted SSE frames for one POST.
func sseHandler(t *testing.T, frames []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func streamOpenAI(t *testing.T, frames []string) (*TurnResult, []string) {
	t.Helper()
	ts := httptest.NewServer(sseHandler(t, frames))
	t.Cleanup(ts.Close)

	p := NewOpenAICompat("test", ts.URL, "test-model", 0.7, 0)
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

func TestOpenAIStream_TextDeltas(t *testing.T) {
	result, deltas := streamOpenAI(t, []string{
		`{"choices":[{"delta":{"role":"assistant","content":"He"}}]}`,
		`{"choices":[{"delta":{"content":"llo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	})
	if result.AssistantText != "Hello" {
		t.Errorf("text = %q, want Hello", result.AssistantText)
	}
	if result.FinishReason != "stop" {
		t.Errorf("finish = %q", result.FinishReason)
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestOpenAIStream_CumulativeProxy(t *testing.T) {
	result, deltas := streamOpenAI(t, []string{
		`{"choices":[{"delta":{"content":"He"}}]}`,
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":"Hello!"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	})
	if result.AssistantText != "Hello!" {
		t.Errorf("text = %q, want Hello! without duplication", result.AssistantText)
	}
	if strings.Join(deltas, "") != "Hello!" {
		t.Errorf("deltas concatenation = %q", strings.Join(deltas, ""))
	}
}

func TestOpenAIStream_MessageContentVariant(t *testing.T) {
	// Some proxies put the text under message instead of delta.
	result, _ := streamOpenAI(t, []string{
		`{"choices":[{"message":{"content":"Hi there"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	})
	if result.AssistantText != "Hi there" {
		t.Errorf("text = %q", result.AssistantText)
	}
}

func TestOpenAIStream_ToolCalls(t *testing.T) {
	result, _ := streamOpenAI(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"exec"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"command\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"echo hi\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	if !result.WantsTools() {
		t.Fatalf("expected tool turn, got %+v", result)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("got %d calls", len(result.ToolCalls))
	}
	call := result.ToolCalls[0]
	if call.CallID != "c1" || call.Name != "exec" || call.ArgsRaw != `{"command":"echo hi"}` {
		t.Errorf("call = %+v", call)
	}
}

func TestOpenAIStream_LegacyFunctionCall(t *testing.T) {
	result, _ := streamOpenAI(t, []string{
		`{"choices":[{"delta":{"function_call":{"name":"exec"}}}]}`,
		`{"choices":[{"delta":{"function_call":{"arguments":"{\"command\":\"ls\"}"}}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	})
	if len(result.ToolCalls) != 1 {
		t.Fatalf("got %d calls, want 1", len(result.ToolCalls))
	}
	if result.ToolCalls[0].Name != "exec" || result.ToolCalls[0].ArgsRaw != `{"command":"ls"}` {
		t.Errorf("call = %+v", result.ToolCalls[0])
	}
}

func TestOpenAIStream_ErrorFrame(t *testing.T) {
	ts := httptest.NewServer(sseHandler(t, []string{
		`{"error":{"message":"overloaded"}}`,
	}))
	t.Cleanup(ts.Close)

	p := NewOpenAICompat("test", ts.URL, "test-model", 0.7, 0)
	_, err := p.StreamTurn(context.Background(), nil,
		[]transcript.Message{{Kind: transcript.KindUser, Content: "Hi"}},
		nil, SamplingOverrides{}, nil)
	if err == nil || !strings.Contains(err.Error(), "overloaded") {
		t.Fatalf("err = %v, want upstream stream error", err)
	}
}

func TestOpenAIStream_UpstreamStatusNotRetried(t *testing.T) {
	// A failing upstream fails the turn immediately; the user retries, the
	// gateway does not.
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
	}))
	t.Cleanup(ts.Close)

	p := NewOpenAICompat("test", ts.URL, "test-model", 0.7, 0)
	_, err := p.StreamTurn(context.Background(), nil,
		[]transcript.Message{{Kind: transcript.KindUser, Content: "Hi"}},
		nil, SamplingOverrides{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Upstream error: 503") {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("made %d requests, want exactly 1 (no silent retries)", calls)
	}
}

func TestOpenAIStream_HeadersForwarded(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(ts.Close)

	p := NewOpenAICompat("test", ts.URL, "test-model", 0.7, 0)
	p.StreamTurn(context.Background(), map[string]string{"Authorization": "Bearer sk-test"},
		[]transcript.Message{{Kind: transcript.KindUser, Content: "Hi"}},
		nil, SamplingOverrides{}, nil)
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}
