package provider

import (
	"context"

	"github.com/p3lera/eclia/internal/transcript"
)

// MockTurn scripts one StreamTurn invocation of a Mock provider.
type MockTurn struct {
	// Deltas are content values fed through the cumulative-vs-delta merge,
	// exactly as an upstream frame sequence would be.
	Deltas       []string
	ToolCalls    []transcript.ToolCall
	FinishReason string
	Err          error
}

// Mock is a scripted in-memory provider for tests.
type Mock struct {
	base
	ProfileName string
	Turns       []MockTurn
	Budget      int

	// Calls records the message history passed to each StreamTurn.
	Calls [][]transcript.Message

	next int
}

func (m *Mock) Name() string { return m.ProfileName }
func (m *Mock) Kind() string { return KindOpenAICompatible }
func (m *Mock) TokenBudget() int {
	if m.Budget > 0 {
		return m.Budget
	}
	return defaultOpenAIBudget
}
func (m *Mock) Close() error { return nil }

// StreamTurn implements Provider by replaying the next scripted turn.
func (m *Mock) StreamTurn(_ context.Context, _ map[string]string, messages []transcript.Message,
	_ []Tool, _ SamplingOverrides, onDelta DeltaFunc) (*TurnResult, error) {

	m.Calls = append(m.Calls, messages)

	if m.next >= len(m.Turns) {
		return &TurnResult{FinishReason: FinishStop}, nil
	}
	turn := m.Turns[m.next]
	m.next++

	if turn.Err != nil {
		return nil, turn.Err
	}

	var text textMerger
	for _, d := range turn.Deltas {
		if suffix := text.apply(d); suffix != "" && onDelta != nil {
			onDelta(suffix)
		}
	}

	return &TurnResult{
		AssistantText: text.String(),
		ToolCalls:     turn.ToolCalls,
		FinishReason:  turn.FinishReason,
	}, nil
}
