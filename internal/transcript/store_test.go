package transcript

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestValidSessionID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"s1", true},
		{"abc-DEF_123", true},
		{"", false},
		{"has space", false},
		{"slash/bad", false},
		{string(make([]byte, 121)), false},
	}
	for _, tt := range tests {
		if got := ValidSessionID(tt.id); got != tt.want {
			t.Errorf("ValidSessionID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestEnsureSession_Idempotent(t *testing.T) {
	s := openTestStore(t)

	first, err := s.EnsureSession("s1", "hello", "web", "")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	second, err := s.EnsureSession("s1", "different title", "discord", "")
	if err != nil {
		t.Fatalf("EnsureSession again: %v", err)
	}
	if second.Title != first.Title || second.OriginKind != first.OriginKind {
		t.Errorf("second ensure mutated session: %+v vs %+v", second, first)
	}
}

func TestAppendAndEffective(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.EnsureSession("s1", "", "web", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	msgs := []Message{
		{Kind: KindUser, Content: "Hi", CreatedAt: time.Now()},
		{Kind: KindAssistant, Content: "Hello", CreatedAt: time.Now()},
	}
	for _, m := range msgs {
		if err := s.Append("s1", NewMsgRecord(m)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Turn records carry no message content.
	if err := s.Append("s1", NewTurnRecord(TurnMeta{Upstream: "openai-compatible:main", TokenBudget: 1000})); err != nil {
		t.Fatalf("Append turn: %v", err)
	}

	effective, err := s.Effective("s1")
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if len(effective) != 2 {
		t.Fatalf("got %d effective messages, want 2", len(effective))
	}
	if effective[0].Content != "Hi" || effective[1].Content != "Hello" {
		t.Errorf("unexpected contents: %q, %q", effective[0].Content, effective[1].Content)
	}
}

func TestReset_ClearsEffectiveRetainsRecords(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.EnsureSession("s1", "", "web", ""); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	s.Append("s1", NewMsgRecord(Message{Kind: KindUser, Content: "before"}))
	if err := s.Reset("s1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	s.Append("s1", NewMsgRecord(Message{Kind: KindUser, Content: "after"}))

	effective, err := s.Effective("s1")
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if len(effective) != 1 || effective[0].Content != "after" {
		t.Fatalf("effective after reset = %+v, want only the post-reset message", effective)
	}

	records, err := s.Records("s1")
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("raw records = %d, want 3 (msg, reset, msg)", len(records))
	}
}

func TestRecords_PrefixProperty(t *testing.T) {
	s := openTestStore(t)
	s.EnsureSession("s1", "", "web", "")

	s.Append("s1", NewMsgRecord(Message{Kind: KindUser, Content: "one"}))
	before, _ := s.Records("s1")

	s.Append("s1", NewMsgRecord(Message{Kind: KindUser, Content: "two"}))
	after, _ := s.Records("s1")

	if len(after) != len(before)+1 {
		t.Fatalf("appended one record, got %d -> %d", len(before), len(after))
	}
	for i := range before {
		if after[i].ID != before[i].ID {
			t.Errorf("record %d changed id: %s -> %s", i, before[i].ID, after[i].ID)
		}
	}
}

func TestFold_HonorsLatestReset(t *testing.T) {
	records := []Record{
		NewMsgRecord(Message{Kind: KindUser, Content: "a"}),
		NewResetRecord(),
		NewMsgRecord(Message{Kind: KindUser, Content: "b"}),
		NewResetRecord(),
		NewMsgRecord(Message{Kind: KindUser, Content: "c"}),
	}
	msgs := Fold(records)
	if len(msgs) != 1 || msgs[0].Content != "c" {
		t.Fatalf("Fold = %+v, want just %q", msgs, "c")
	}
}

func TestListSessions_OrdersByUpdate(t *testing.T) {
	s := openTestStore(t)
	s.EnsureSession("old", "", "web", "")
	s.EnsureSession("new", "", "web", "")

	// Appending bumps the updated timestamp.
	s.db.Exec("UPDATE sessions SET updated = updated - 100 WHERE id = 'old'")
	s.Append("new", NewMsgRecord(Message{Kind: KindUser, Content: "x"}))

	sessions, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "new" {
		t.Fatalf("sessions = %+v, want 'new' first", sessions)
	}
}
