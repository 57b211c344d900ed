package storage

import (
	"testing"
	"time"

	"github.com/MateGozner/SNIF-sub000/internal/proto"
)

func openTest(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSaveAndLoadConversation(t *testing.T) {
	a := openTest(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msgs := []proto.Message{
		{ID: "b", MatchID: "m1", SenderID: "u1", ReceiverID: "u2", Content: "second", CreatedAt: base.Add(time.Minute)},
		{ID: "a", MatchID: "m1", SenderID: "u2", ReceiverID: "u1", Content: "first", IsRead: true, CreatedAt: base},
		{ID: "x", MatchID: "m2", SenderID: "u1", ReceiverID: "u3", Content: "elsewhere", CreatedAt: base},
	}
	if err := a.SaveMessages(msgs); err != nil {
		t.Fatal(err)
	}

	got, err := a.LoadConversation("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	// Oldest first.
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("wrong order: %s, %s", got[0].ID, got[1].ID)
	}
	if !got[0].IsRead || got[1].IsRead {
		t.Fatal("read flags not round-tripped")
	}
	if !got[0].CreatedAt.Equal(base) {
		t.Fatalf("timestamp not round-tripped: %v", got[0].CreatedAt)
	}
}

func TestSaveIsUpsertWithMonotonicRead(t *testing.T) {
	a := openTest(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m := proto.Message{ID: "a", MatchID: "m1", SenderID: "u1", ReceiverID: "u2", Content: "v1", IsRead: true, CreatedAt: at}
	if err := a.SaveMessages([]proto.Message{m}); err != nil {
		t.Fatal(err)
	}

	// Saving an unread copy again must not clear the stored flag.
	m.Content = "v2"
	m.IsRead = false
	if err := a.SaveMessages([]proto.Message{m}); err != nil {
		t.Fatal(err)
	}

	got, err := a.LoadConversation("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Content != "v2" {
		t.Fatalf("content not updated: %q", got[0].Content)
	}
	if !got[0].IsRead {
		t.Fatal("read flag must stay set across upserts")
	}
}

func TestMarkRead(t *testing.T) {
	a := openTest(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := a.SaveMessages([]proto.Message{
		{ID: "a", MatchID: "m1", SenderID: "u1", ReceiverID: "u2", Content: "hi", CreatedAt: at},
	}); err != nil {
		t.Fatal(err)
	}

	if err := a.MarkRead("a"); err != nil {
		t.Fatal(err)
	}
	// Unknown id is a no-op.
	if err := a.MarkRead("ghost"); err != nil {
		t.Fatal(err)
	}

	got, _ := a.LoadConversation("m1")
	if !got[0].IsRead {
		t.Fatal("mark read did not persist")
	}
}

func TestDeleteConversation(t *testing.T) {
	a := openTest(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a.SaveMessages([]proto.Message{
		{ID: "a", MatchID: "m1", SenderID: "u1", ReceiverID: "u2", Content: "hi", CreatedAt: at},
		{ID: "b", MatchID: "m2", SenderID: "u1", ReceiverID: "u2", Content: "yo", CreatedAt: at},
	})
	if err := a.DeleteConversation("m1"); err != nil {
		t.Fatal(err)
	}

	if got, _ := a.LoadConversation("m1"); len(got) != 0 {
		t.Fatalf("m1 should be empty, got %d", len(got))
	}
	if got, _ := a.LoadConversation("m2"); len(got) != 1 {
		t.Fatalf("m2 should be untouched, got %d", len(got))
	}
}

func TestReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	a.SaveMessages([]proto.Message{
		{ID: "a", MatchID: "m1", SenderID: "u1", ReceiverID: "u2", Content: "hi", CreatedAt: at},
	})
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	got, err := b.LoadConversation("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("archive did not survive reopen: %+v", got)
	}
}
