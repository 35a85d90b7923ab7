package transcript

import (
	"time"

	"github.com/segmentio/ksuid"
)

// RecordVersion is the current on-disk record format version.
const RecordVersion = 1

// Record types.
const (
	RecordMsg   = "msg"
	RecordReset = "reset"
	RecordTurn  = "turn"
)

// TurnMeta captures per-turn bookkeeping: the resolved upstream, the token
// budget the context was built against, and any runtime sampling overrides.
type TurnMeta struct {
	Upstream    string             `json:"upstream"`
	TokenBudget int                `json:"token_budget"`
	UsedTokens  int                `json:"used_tokens"`
	Sampling    map[string]float64 `json:"sampling,omitempty"`
}

// Record is one versioned entry in a session's append-only log.
type Record struct {
	ID      string    `json:"id"`
	V       int       `json:"v"`
	Type    string    `json:"type"`
	Msg     *Message  `json:"msg,omitempty"`
	Turn    *TurnMeta `json:"turn,omitempty"`
	Created time.Time `json:"created"`
}

// NewMsgRecord wraps a message in a fresh record.
func NewMsgRecord(msg Message) Record {
	return Record{
		ID:      ksuid.New().String(),
		V:       RecordVersion,
		Type:    RecordMsg,
		Msg:     &msg,
		Created: time.Now(),
	}
}

// NewResetRecord returns a record that truncates effective history.
func NewResetRecord() Record {
	return Record{
		ID:      ksuid.New().String(),
		V:       RecordVersion,
		Type:    RecordReset,
		Created: time.Now(),
	}
}

// NewTurnRecord wraps turn metadata in a fresh record.
func NewTurnRecord(meta TurnMeta) Record {
	return Record{
		ID:      ksuid.New().String(),
		V:       RecordVersion,
		Type:    RecordTurn,
		Turn:    &meta,
		Created: time.Now(),
	}
}

// Fold replays records into the effective message sequence: the ordered msg
// payloads after the latest reset. Turn records carry no message content and
// are skipped.
func Fold(records []Record) []Message {
	start := 0
	for i, r := range records {
		if r.Type == RecordReset {
			start = i + 1
		}
	}
	var msgs []Message
	for _, r := range records[start:] {
		if r.Type == RecordMsg && r.Msg != nil {
			msgs = append(msgs, *r.Msg)
		}
	}
	return msgs
}
