// Package presence maintains the set of currently online users fed by
// signaling events. The set is rebuilt wholesale from the initial snapshot
// the server sends on every (re)connect, so reconnects self-heal without any
// ordering assumptions.
package presence

import (
	"encoding/json"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/MateGozner/SNIF-sub000/internal/proto"
)

var log = logging.Logger("presence")

// Event describes one observable presence change.
type Event struct {
	Type   string   `json:"type"` // "reset", "online", "offline"
	UserID string   `json:"user_id,omitempty"`
	Users  []string `json:"users,omitempty"`
}

// EventSource is the slice of the signaling transport the tracker consumes.
type EventSource interface {
	On(event string, fn func(data json.RawMessage))
}

// Tracker owns the online-user set. Reads may come from many goroutines;
// writes only happen on the transport's dispatch path.
type Tracker struct {
	mu        sync.RWMutex
	online    map[string]struct{}
	listeners []chan Event
}

// NewTracker creates a Tracker and registers its event handlers on src.
func NewTracker(src EventSource) *Tracker {
	t := &Tracker{online: make(map[string]struct{})}

	src.On(proto.EventInitialOnlineUsers, func(data json.RawMessage) {
		var p proto.PresenceIDs
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warnw("bad initial presence payload", "err", err)
			return
		}
		t.Reset(p.UserIDs)
	})
	src.On(proto.EventUserOnline, func(data json.RawMessage) {
		var p proto.PresenceUser
		if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
			return
		}
		t.SetOnline(p.UserID)
	})
	src.On(proto.EventUserOffline, func(data json.RawMessage) {
		var p proto.PresenceUser
		if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
			return
		}
		t.SetOffline(p.UserID)
	})

	return t
}

// Reset replaces the whole set with the given users.
func (t *Tracker) Reset(users []string) {
	t.mu.Lock()
	t.online = make(map[string]struct{}, len(users))
	for _, id := range users {
		t.online[id] = struct{}{}
	}
	t.mu.Unlock()
	t.notify(Event{Type: "reset", Users: users})
	log.Debugw("presence reset", "count", len(users))
}

// SetOnline marks a user online. Idempotent.
func (t *Tracker) SetOnline(id string) {
	t.mu.Lock()
	_, known := t.online[id]
	t.online[id] = struct{}{}
	t.mu.Unlock()
	if !known {
		t.notify(Event{Type: "online", UserID: id})
	}
}

// SetOffline marks a user offline. Idempotent.
func (t *Tracker) SetOffline(id string) {
	t.mu.Lock()
	_, known := t.online[id]
	delete(t.online, id)
	t.mu.Unlock()
	if known {
		t.notify(Event{Type: "offline", UserID: id})
	}
}

// IsOnline reports whether the user is currently in the online set.
func (t *Tracker) IsOnline(id string) bool {
	t.mu.RLock()
	_, ok := t.online[id]
	t.mu.RUnlock()
	return ok
}

// Size returns the number of online users.
func (t *Tracker) Size() int {
	t.mu.RLock()
	n := len(t.online)
	t.mu.RUnlock()
	return n
}

// Snapshot returns a copy of the online set.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	t.mu.RUnlock()
	return out
}

// Subscribe returns a channel receiving presence events.
func (t *Tracker) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (t *Tracker) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Tracker) notify(evt Event) {
	t.mu.RLock()
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	t.mu.RUnlock()
}
