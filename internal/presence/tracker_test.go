package presence

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/MateGozner/SNIF-sub000/internal/proto"
)

// fakeSource records handlers and lets tests fire events synchronously.
type fakeSource struct {
	handlers map[string][]func(json.RawMessage)
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[string][]func(json.RawMessage))}
}

func (f *fakeSource) On(event string, fn func(data json.RawMessage)) {
	f.handlers[event] = append(f.handlers[event], fn)
}

func (f *fakeSource) emit(t *testing.T, event string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	for _, fn := range f.handlers[event] {
		fn(b)
	}
}

func TestTrackerLifecycle(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src)

	t.Run("initial snapshot replaces the set", func(t *testing.T) {
		src.emit(t, proto.EventInitialOnlineUsers, proto.PresenceIDs{UserIDs: []string{"u1", "u2"}})

		if got := tr.Size(); got != 2 {
			t.Fatalf("expected 2 online, got %d", got)
		}
		if !tr.IsOnline("u1") || !tr.IsOnline("u2") {
			t.Fatal("u1 and u2 should be online")
		}
	})

	t.Run("user online adds", func(t *testing.T) {
		src.emit(t, proto.EventUserOnline, proto.PresenceUser{UserID: "u3"})
		if !tr.IsOnline("u3") {
			t.Fatal("u3 should be online")
		}
	})

	t.Run("user offline removes", func(t *testing.T) {
		src.emit(t, proto.EventUserOffline, proto.PresenceUser{UserID: "u1"})
		if tr.IsOnline("u1") {
			t.Fatal("u1 should be offline")
		}
		got := tr.Snapshot()
		sort.Strings(got)
		want := []string{"u2", "u3"}
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("reconnect snapshot self-heals", func(t *testing.T) {
		// A second initial snapshot replaces everything, dropping users the
		// client missed offline events for.
		src.emit(t, proto.EventInitialOnlineUsers, proto.PresenceIDs{UserIDs: []string{"u9"}})
		if tr.IsOnline("u2") || tr.IsOnline("u3") {
			t.Fatal("stale users should be gone after reset")
		}
		if !tr.IsOnline("u9") {
			t.Fatal("u9 should be online")
		}
	})
}

func TestTrackerIdempotentTransitions(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src)

	ch := tr.Subscribe()
	defer tr.Unsubscribe(ch)

	src.emit(t, proto.EventUserOnline, proto.PresenceUser{UserID: "u1"})
	src.emit(t, proto.EventUserOnline, proto.PresenceUser{UserID: "u1"})
	src.emit(t, proto.EventUserOffline, proto.PresenceUser{UserID: "u1"})
	src.emit(t, proto.EventUserOffline, proto.PresenceUser{UserID: "u1"})
	src.emit(t, proto.EventUserOffline, proto.PresenceUser{UserID: "never-seen"})

	var events []Event
	for {
		select {
		case e := <-ch:
			events = append(events, e)
			continue
		default:
		}
		break
	}

	// Duplicates and unknown-user offlines produce no events.
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != "online" || events[0].UserID != "u1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != "offline" || events[1].UserID != "u1" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestTrackerOfflineThenOnlineRestoresMembership(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src)

	src.emit(t, proto.EventInitialOnlineUsers, proto.PresenceIDs{UserIDs: []string{"a", "b"}})
	src.emit(t, proto.EventUserOffline, proto.PresenceUser{UserID: "a"})
	src.emit(t, proto.EventUserOnline, proto.PresenceUser{UserID: "a"})

	if !tr.IsOnline("a") {
		t.Fatal("a should be online again")
	}
	if got := tr.Size(); got != 2 {
		t.Fatalf("expected set size 2, got %d", got)
	}
}

func TestTrackerIgnoresMalformedPayloads(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(src)

	for _, fn := range src.handlers[proto.EventUserOnline] {
		fn(json.RawMessage(`{"user_id":""}`))
		fn(json.RawMessage(`not json`))
	}
	if tr.Size() != 0 {
		t.Fatalf("expected empty set, got %d", tr.Size())
	}
}
