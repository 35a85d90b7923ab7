// Package contextbuild truncates conversation history to a token budget
// while keeping tool rounds intact.
package contextbuild

import (
	"github.com/rs/zerolog/log"

	"github.com/p3lera/eclia/internal/transcript"
)

// Result is the outcome of a build: the trimmed message list, the token
// estimate for it, and how many messages were dropped.
type Result struct {
	Messages   []transcript.Message
	UsedTokens int
	Dropped    int
}

// EstimateTokens is a byte-length estimate of a message's token cost. It is
// deliberately crude; the only requirement is monotonicity in byte length
// and consistent use at write and build time.
func EstimateTokens(m transcript.Message) int {
	n := len(m.Content)/4 + 4
	for _, tc := range m.ToolCalls {
		n += (len(tc.Name)+len(tc.ArgsRaw))/4 + 4
	}
	return n
}

// unit is an atomic slice of history: a single message, or an assistant
// message with tool calls together with its tool results.
type unit struct {
	msgs   []transcript.Message
	tokens int
}

// Build shortens msgs to fit budget. Invariants: the system prompt and the
// most recent user message are always kept; a tool round is kept or dropped
// whole; oldest rounds go first. Orphan tool messages, and assistant tool
// calls whose results were lost to a partial turn, are repaired in place.
func Build(msgs []transcript.Message, budget int) Result {
	msgs = sanitize(msgs)
	units := group(msgs)
	if len(units) == 0 {
		return Result{}
	}

	keep := make([]bool, len(units))
	used := 0

	// System prompt and the newest user-bearing unit are unconditional.
	if units[0].msgs[0].Kind == transcript.KindSystem {
		keep[0] = true
		used += units[0].tokens
	}
	lastUser := -1
	for i := len(units) - 1; i >= 0; i-- {
		if units[i].msgs[0].Kind == transcript.KindUser {
			lastUser = i
			break
		}
	}
	if lastUser >= 0 && !keep[lastUser] {
		keep[lastUser] = true
		used += units[lastUser].tokens
	}

	// Fill newest-first with whatever still fits.
	for i := len(units) - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		if used+units[i].tokens > budget {
			continue
		}
		keep[i] = true
		used += units[i].tokens
	}

	var out []transcript.Message
	dropped := 0
	for i, u := range units {
		if keep[i] {
			out = append(out, u.msgs...)
		} else {
			dropped += len(u.msgs)
		}
	}

	// Dropping interior units can orphan rounds at the seam.
	out = sanitize(out)

	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Int("used_tokens", used).Int("budget", budget).Msg("context truncated")
	}
	return Result{Messages: out, UsedTokens: used, Dropped: dropped}
}

// group partitions history into atomic units. Tool messages attach to the
// assistant unit that declared their calls.
func group(msgs []transcript.Message) []unit {
	var units []unit
	for _, m := range msgs {
		attach := m.Kind == transcript.KindTool && len(units) > 0 &&
			units[len(units)-1].msgs[0].Kind == transcript.KindAssistant
		if attach {
			last := &units[len(units)-1]
			last.msgs = append(last.msgs, m)
			last.tokens += EstimateTokens(m)
			continue
		}
		units = append(units, unit{msgs: []transcript.Message{m}, tokens: EstimateTokens(m)})
	}
	return units
}

// sanitize drops tool messages with no preceding assistant call and strips
// tool calls whose results never made it into history (partial turns are
// tolerated in the store; they must not reach an upstream).
func sanitize(msgs []transcript.Message) []transcript.Message {
	// callID -> true when a tool result exists after the declaring assistant.
	results := make(map[string]bool)
	for _, m := range msgs {
		if m.Kind == transcript.KindTool && m.ToolCallID != "" {
			results[m.ToolCallID] = true
		}
	}

	declared := make(map[string]bool)
	out := make([]transcript.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Kind {
		case transcript.KindAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, m)
				continue
			}
			kept := m.ToolCalls[:0:0]
			for _, tc := range m.ToolCalls {
				if results[tc.CallID] {
					kept = append(kept, tc)
					declared[tc.CallID] = true
				}
			}
			m.ToolCalls = kept
			if m.Content == "" && len(m.ToolCalls) == 0 {
				continue
			}
			out = append(out, m)
		case transcript.KindTool:
			if declared[m.ToolCallID] {
				out = append(out, m)
			}
		default:
			out = append(out, m)
		}
	}
	return out
}
