package orchestrator

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/p3lera/eclia/internal/transcript"
)

// Some models announce tool calls in prose instead of the structured
// channel. Two line formats are recognized:
//
//	Tool <name> (calling): {...}
//	[tool:<name>] {...}</tool:<name>>
var (
	fallbackCallingRe = regexp.MustCompile(`^Tool\s+([\w.-]+)\s*\(\s*(?:calling|call)\s*\)\s*:\s*(\{.*\})\s*$`)
	fallbackTagRe     = regexp.MustCompile(`^\[tool:([\w.-]+)\]\s*(\{.*\})\s*(?:</tool:([\w.-]+)>)?\s*$`)
)

// parsePlaintextToolCalls scans assistant text for textual tool invocations.
// At most one call per line, first pattern wins, and only names in allowed
// with object-shaped JSON arguments count. Synthetic call ids mark the calls
// as fallback-derived.
func parsePlaintextToolCalls(text string, allowed map[string]bool) []transcript.ToolCall {
	var calls []transcript.ToolCall
	prefix := "call_text_" + randSuffix() + "_"

	for _, line := range strings.Split(text, "\n") {
		name, argsRaw, ok := matchFallbackLine(strings.TrimRight(line, "\r"))
		if !ok || !allowed[name] {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(argsRaw), &obj); err != nil || obj == nil {
			continue
		}
		calls = append(calls, transcript.ToolCall{
			CallID:  fmt.Sprintf("%s%d", prefix, len(calls)),
			Index:   -1,
			Name:    name,
			ArgsRaw: argsRaw,
		})
	}
	return calls
}

func matchFallbackLine(line string) (name, argsRaw string, ok bool) {
	if m := fallbackCallingRe.FindStringSubmatch(line); m != nil {
		return m[1], m[2], true
	}
	if m := fallbackTagRe.FindStringSubmatch(line); m != nil {
		// The closing tag, when present, must name the same tool.
		if m[3] != "" && m[3] != m[1] {
			return "", "", false
		}
		return m[1], m[2], true
	}
	return "", "", false
}

func randSuffix() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "000000000000"
	}
	return hex.EncodeToString(b[:])
}
