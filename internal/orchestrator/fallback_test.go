package orchestrator

import (
	"strings"
	"testing"
)

func TestParsePlaintextToolCalls(t *testing.T) {
	allowed := map[string]bool{"exec": true, "web": true}

	tests := []struct {
		name     string
		text     string
		want     int
		wantName string
		wantArgs string
	}{
		{"calling form", `Tool exec (calling): {"command":"ls"}`, 1, "exec", `{"command":"ls"}`},
		{"call form", `Tool exec (call): {"command":"ls"}`, 1, "exec", `{"command":"ls"}`},
		{"tag form", `[tool:web] {"url":"example.com"}`, 1, "web", `{"url":"example.com"}`},
		{"tag form with close", `[tool:web] {"url":"example.com"}</tool:web>`, 1, "web", `{"url":"example.com"}`},
		{"mismatched close tag", `[tool:web] {"url":"x"}</tool:exec>`, 0, "", ""},
		{"unknown tool", `Tool nuke (calling): {}`, 0, "", ""},
		{"invalid json", `Tool exec (calling): {not json}`, 0, "", ""},
		{"trailing text rejected", `[tool:exec] {"0":1} trailing`, 0, "", ""},
		{"plain prose", "I would run ls here.", 0, "", ""},
		{"embedded mid-line ignored", `see Tool exec (calling): {"a":1} inline`, 0, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := parsePlaintextToolCalls(tt.text, allowed)
			if len(calls) != tt.want {
				t.Fatalf("got %d calls, want %d", len(calls), tt.want)
			}
			if tt.want == 1 {
				if calls[0].Name != tt.wantName || calls[0].ArgsRaw != tt.wantArgs {
					t.Errorf("call = %+v", calls[0])
				}
				if !strings.HasPrefix(calls[0].CallID, "call_text_") {
					t.Errorf("callId = %q", calls[0].CallID)
				}
			}
		})
	}
}

func TestParsePlaintextToolCalls_OnePerLineOrdered(t *testing.T) {
	text := "Tool exec (calling): {\"command\":\"ls\"}\nsome prose\n[tool:web] {\"url\":\"example.com\"}"
	calls := parsePlaintextToolCalls(text, map[string]bool{"exec": true, "web": true})
	if len(calls) != 2 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].Name != "exec" || calls[1].Name != "web" {
		t.Errorf("order = %s, %s", calls[0].Name, calls[1].Name)
	}
	if calls[0].CallID == calls[1].CallID {
		t.Error("call ids must be unique")
	}
	if !strings.HasSuffix(calls[0].CallID, "_0") || !strings.HasSuffix(calls[1].CallID, "_1") {
		t.Errorf("ids = %s, %s", calls[0].CallID, calls[1].CallID)
	}
}
