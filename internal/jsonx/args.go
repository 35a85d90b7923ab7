// Package jsonx salvages malformed tool-call argument JSON captured from
// upstream streams.
package jsonx

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ParseArgs turns a verbatim argsRaw string into a JSON object. The ladder:
//
//  1. Parse as-is.
//  2. Strip a leading "{}" — some upstreams send an empty start object
//     followed by the real one ("{}{…}").
//  3. Run jsonrepair over the raw string and parse the result.
//  4. Wrap the unparseable raw string as {"__raw": argsRaw}.
//
// An empty raw string parses as the empty object.
func ParseArgs(argsRaw string) map[string]any {
	trimmed := strings.TrimSpace(argsRaw)
	if trimmed == "" {
		return map[string]any{}
	}

	if obj, ok := tryParse(trimmed); ok {
		return obj
	}

	if rest, ok := strings.CutPrefix(trimmed, "{}"); ok {
		if obj, ok := tryParse(strings.TrimSpace(rest)); ok {
			return obj
		}
	}

	if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil {
		if obj, ok := tryParse(repaired); ok {
			return obj
		}
	}

	return map[string]any{"__raw": argsRaw}
}

// RepairRaw normalizes argsRaw to a valid JSON object string using the same
// ladder as ParseArgs.
func RepairRaw(argsRaw string) string {
	data, err := json.Marshal(ParseArgs(argsRaw))
	if err != nil {
		return "{}"
	}
	return string(data)
}

func tryParse(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, true
}
