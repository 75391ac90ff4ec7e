package historystore

import (
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndListBySession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := time.Now().UTC()
	msgs := []ChatMessage{
		{ID: "m1", SessionID: "s1", Timestamp: base, Type: "user", Content: "hello"},
		{ID: "m2", SessionID: "s1", Timestamp: base.Add(time.Second), Type: "assistant", Content: "hi there"},
		{ID: "m3", SessionID: "s2", Timestamp: base, Type: "user", Content: "other session"},
	}
	for _, m := range msgs {
		if err := s.Append(m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.ListBySession("s1")
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("order = [%s, %s], want [m1, m2]", got[0].ID, got[1].ID)
	}
}

func TestAppendDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Append(ChatMessage{ID: "m1", SessionID: "s1", Timestamp: time.Now(), Type: "user", Content: "before restart"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.ListBySession("s1")
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(got) != 1 || got[0].Content != "before restart" {
		t.Errorf("got %+v, want the message written before restart", got)
	}
}

func TestListBySessionEmptyForUnknownSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	got, err := s.ListBySession("does-not-exist")
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d messages, want 0", len(got))
	}
}
