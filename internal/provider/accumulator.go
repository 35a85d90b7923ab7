package provider

import (
	"fmt"

	"github.com/p3lera/eclia/internal/transcript"
)

// accEntry is one tool call under reconstruction.
type accEntry struct {
	hasIndex bool
	index    int
	id       string
	name     string
	args     textMerger
	position int
}

// accumulator reassembles streamed tool-call fragments. Entries are keyed by
// index when the upstream provides one, by id otherwise, and anonymously as
// a last resort. The keying rules tolerate upstreams that send the id-bearing
// fragment without an index and later fragments with both the index and the
// id; an indexed fragment without the id opens its own "i:<n>" entry.
type accumulator struct {
	entries   map[string]*accEntry
	order     []string
	byIndex   map[int]string
	byID      map[string]string
	unindexed map[string]bool
	anonSeq   int
}

func newAccumulator() *accumulator {
	return &accumulator{
		entries:   make(map[string]*accEntry),
		byIndex:   make(map[int]string),
		byID:      make(map[string]string),
		unindexed: make(map[string]bool),
	}
}

// apply routes one fragment to its entry, creating it if needed.
func (a *accumulator) apply(d ToolCallDelta) {
	key := a.resolveKey(d)
	e, ok := a.entries[key]
	if !ok {
		e = &accEntry{hasIndex: d.HasIndex, index: d.Index, position: len(a.order)}
		a.entries[key] = e
		a.order = append(a.order, key)
	}

	if d.HasIndex {
		e.hasIndex = true
		e.index = d.Index
		a.byIndex[d.Index] = key
		delete(a.unindexed, key)
	}
	if d.ID != "" {
		e.id = d.ID
		a.byID[d.ID] = key
	}
	if d.Name != "" {
		e.name = d.Name
	}
	if d.Args != "" {
		e.args.apply(d.Args)
	}
}

// resolveKey implements the keying policy. Order matters: an indexed
// fragment first tries the index mapping, then the id mapping (promoting an
// unindexed entry), before minting "i:<n>". An unkeyed fragment binds to the
// single unindexed entry when there is exactly one.
func (a *accumulator) resolveKey(d ToolCallDelta) string {
	if d.HasIndex {
		if key, ok := a.byIndex[d.Index]; ok {
			return key
		}
		if d.ID != "" {
			if key, ok := a.byID[d.ID]; ok {
				return key
			}
		}
		return fmt.Sprintf("i:%d", d.Index)
	}

	if d.ID == "" {
		if len(a.unindexed) == 1 {
			for key := range a.unindexed {
				return key
			}
		}
		a.anonSeq++
		key := fmt.Sprintf("anon:%d:%d", a.anonSeq, len(a.order))
		a.unindexed[key] = true
		return key
	}

	if key, ok := a.byID[d.ID]; ok {
		return key
	}
	key := "id:" + d.ID
	a.unindexed[key] = true
	return key
}

// finalize returns the reconstructed calls in arrival order. Entries missing
// an upstream id get a positional fallback so callId stays a usable key.
func (a *accumulator) finalize() []transcript.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	calls := make([]transcript.ToolCall, 0, len(a.order))
	for _, key := range a.order {
		e := a.entries[key]
		id := e.id
		if id == "" {
			id = fmt.Sprintf("call_auto_%d", e.position)
		}
		index := -1
		if e.hasIndex {
			index = e.index
		}
		calls = append(calls, transcript.ToolCall{
			CallID:  id,
			Index:   index,
			Name:    e.name,
			ArgsRaw: e.args.String(),
		})
	}
	return calls
}
