package contextbuild

import (
	"strings"
	"testing"

	"github.com/p3lera/eclia/internal/transcript"
)

func user(text string) transcript.Message {
	return transcript.Message{Kind: transcript.KindUser, Content: text}
}

func assistant(text string) transcript.Message {
	return transcript.Message{Kind: transcript.KindAssistant, Content: text}
}

func toolRound(callID, args, result string) []transcript.Message {
	return []transcript.Message{
		{Kind: transcript.KindAssistant, ToolCalls: []transcript.ToolCall{
			{CallID: callID, Name: "exec", ArgsRaw: args},
		}},
		{Kind: transcript.KindTool, ToolCallID: callID, Content: result},
	}
}

func TestBuild_KeepsEverythingUnderBudget(t *testing.T) {
	msgs := []transcript.Message{user("hi"), assistant("hello")}
	res := Build(msgs, 10_000)
	if len(res.Messages) != 2 || res.Dropped != 0 {
		t.Fatalf("res = %+v", res)
	}
}

func TestBuild_AlwaysKeepsSystemAndLatestUser(t *testing.T) {
	msgs := []transcript.Message{
		{Kind: transcript.KindSystem, Content: "sys"},
		user(strings.Repeat("x", 4000)),
		assistant(strings.Repeat("y", 4000)),
		user("latest question"),
	}
	res := Build(msgs, 50) // tiny budget

	var kinds []string
	for _, m := range res.Messages {
		kinds = append(kinds, m.Kind)
	}
	if len(res.Messages) < 2 {
		t.Fatalf("messages = %v", kinds)
	}
	if res.Messages[0].Kind != transcript.KindSystem {
		t.Errorf("system prompt dropped: %v", kinds)
	}
	last := res.Messages[len(res.Messages)-1]
	if last.Kind != transcript.KindUser || last.Content != "latest question" {
		t.Errorf("latest user message dropped: %v", kinds)
	}
	if res.Dropped == 0 {
		t.Error("expected drops under a tiny budget")
	}
}

func TestBuild_DropsOldestRoundsWhole(t *testing.T) {
	var msgs []transcript.Message
	msgs = append(msgs, user("first"))
	msgs = append(msgs, toolRound("c1", `{"command":"ls"}`, strings.Repeat("a", 2000))...)
	msgs = append(msgs, user("second"))
	msgs = append(msgs, toolRound("c2", `{"command":"pwd"}`, "short")...)
	msgs = append(msgs, user("third"))

	budget := 0
	for _, m := range msgs {
		budget += EstimateTokens(m)
	}
	// Leave room for everything except the big first round.
	res := Build(msgs, budget-EstimateTokens(msgs[1])-EstimateTokens(msgs[2]))

	seen := map[string]bool{}
	for _, m := range res.Messages {
		if m.Kind == transcript.KindTool {
			seen[m.ToolCallID] = true
		}
		for _, tc := range m.ToolCalls {
			if !seen[tc.CallID] {
				seen[tc.CallID] = false
			}
		}
	}
	if seen["c1"] {
		t.Error("oversized oldest round should be dropped")
	}
	if !seen["c2"] {
		t.Error("fitting newer round should be kept")
	}

	// Rounds stay atomic: any kept assistant call has its tool result.
	declared := map[string]bool{}
	for _, m := range res.Messages {
		for _, tc := range m.ToolCalls {
			declared[tc.CallID] = true
		}
	}
	for id := range declared {
		found := false
		for _, m := range res.Messages {
			if m.Kind == transcript.KindTool && m.ToolCallID == id {
				found = true
			}
		}
		if !found {
			t.Errorf("call %s kept without its result", id)
		}
	}
}

func TestBuild_StripsOrphanToolCalls(t *testing.T) {
	// A partial turn left an assistant call with no tool result.
	msgs := []transcript.Message{
		user("go"),
		{Kind: transcript.KindAssistant, Content: "calling", ToolCalls: []transcript.ToolCall{
			{CallID: "lost", Name: "exec", ArgsRaw: `{}`},
		}},
		user("again"),
	}
	res := Build(msgs, 10_000)
	for _, m := range res.Messages {
		if len(m.ToolCalls) != 0 {
			t.Errorf("orphan tool call survived: %+v", m)
		}
	}
}

func TestBuild_DropsOrphanToolMessages(t *testing.T) {
	msgs := []transcript.Message{
		{Kind: transcript.KindTool, ToolCallID: "nowhere", Content: "{}"},
		user("hello"),
	}
	res := Build(msgs, 10_000)
	for _, m := range res.Messages {
		if m.Kind == transcript.KindTool {
			t.Errorf("orphan tool message survived: %+v", m)
		}
	}
}

func TestEstimateTokens_MonotonicInByteLength(t *testing.T) {
	small := EstimateTokens(user("ab"))
	big := EstimateTokens(user(strings.Repeat("ab", 100)))
	if big <= small {
		t.Errorf("estimator not monotonic: %d <= %d", big, small)
	}
}
