// Package chat merges server-delivered message history with live signaling
// events into one ordered, deduplicated timeline per conversation, and
// propagates read receipts. The server owns message identity: the client
// never synthesizes a message id, so the merge can key strictly on id.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/MateGozner/SNIF-sub000/internal/proto"
)

var log = logging.Logger("chat")

var (
	// ErrEmptyMessage rejects whitespace-only message content.
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrNotReceiver rejects marking a message read when the local user is
	// not its receiver.
	ErrNotReceiver = errors.New("local user is not the message receiver")
)

// Transport is the slice of the signaling client the synchronizer uses.
type Transport interface {
	Invoke(ctx context.Context, procedure string, args any) error
	On(event string, fn func(data json.RawMessage))
	TrackConversation(matchID string)
	UntrackConversation(matchID string)
}

// HistoryFetcher returns the persisted message page for a conversation.
// Implemented by history.Client over the REST API; tests use stubs.
type HistoryFetcher interface {
	FetchPage(ctx context.Context, matchID string) ([]proto.Message, error)
}

// Archive persists merged timelines locally. Optional; a nil Archive
// disables persistence.
type Archive interface {
	SaveMessages(msgs []proto.Message) error
	MarkRead(messageID string) error
	LoadConversation(matchID string) ([]proto.Message, error)
}

// Update is pushed to subscribers when a timeline changes.
type Update struct {
	Type    string // "message", "read"
	MatchID string
	Message proto.Message
}

// entry is the single source of truth for one message id. Timelines hold
// pointers into the global table, so a read-receipt flips the flag
// everywhere with one write.
type entry struct {
	msg     proto.Message
	arrival int64 // tie-break for equal CreatedAt: order of first sight
	live    bool  // true once seen via a live event (live wins over history)
}

// Synchronizer owns per-conversation timelines. All mutation happens on the
// transport's dispatch path or under the internal mutex; UI readers get
// copies.
type Synchronizer struct {
	tr      Transport
	hist    HistoryFetcher
	archive Archive
	selfID  string

	mu        sync.RWMutex
	byID      map[string]*entry
	timelines map[string][]*entry // matchID → entries sorted by (CreatedAt, arrival)
	joined    map[string]struct{}
	arrival   int64

	listenerMu sync.RWMutex
	listeners  []chan Update
}

// NewSynchronizer creates a Synchronizer and registers its event handlers.
// hist and archive may be nil.
func NewSynchronizer(tr Transport, hist HistoryFetcher, archive Archive, selfID string) *Synchronizer {
	s := &Synchronizer{
		tr:        tr,
		hist:      hist,
		archive:   archive,
		selfID:    selfID,
		byID:      make(map[string]*entry),
		timelines: make(map[string][]*entry),
		joined:    make(map[string]struct{}),
	}

	tr.On(proto.EventMessageReceived, func(data json.RawMessage) {
		var msg proto.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
			log.Warnw("bad message payload", "err", err)
			return
		}
		s.mergeLive(msg)
	})
	tr.On(proto.EventMessageRead, func(data json.RawMessage) {
		var p proto.MessageReadData
		if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" {
			return
		}
		s.applyRead(p.MessageID)
	})

	return s
}

// Join subscribes to a conversation. Idempotent. On first join the timeline
// is seeded from the local archive, then reconciled against the server's
// history page; both paths run through the same id-keyed merge.
func (s *Synchronizer) Join(ctx context.Context, matchID string) error {
	s.mu.Lock()
	if _, ok := s.joined[matchID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.joined[matchID] = struct{}{}
	s.mu.Unlock()

	if err := s.tr.Invoke(ctx, proto.ProcJoinConversation, proto.ConversationArgs{MatchID: matchID}); err != nil {
		s.mu.Lock()
		delete(s.joined, matchID)
		s.mu.Unlock()
		return fmt.Errorf("chat: join %s: %w", matchID, err)
	}
	s.tr.TrackConversation(matchID)

	if s.archive != nil {
		if cached, err := s.archive.LoadConversation(matchID); err != nil {
			log.Warnw("archive load failed", "match", matchID, "err", err)
		} else {
			s.mergeHistory(matchID, cached)
		}
	}
	if s.hist != nil {
		page, err := s.hist.FetchPage(ctx, matchID)
		if err != nil {
			// Live events still flow; the next open retries the fetch.
			log.Warnw("history fetch failed", "match", matchID, "err", err)
		} else {
			s.mergeHistory(matchID, page)
		}
	}
	return nil
}

// Leave unsubscribes from a conversation. Leaving while not joined is a
// no-op. Local state is released before the remote call, so cleanup never
// hinges on the server acknowledging.
func (s *Synchronizer) Leave(ctx context.Context, matchID string) error {
	s.mu.Lock()
	_, wasJoined := s.joined[matchID]
	delete(s.joined, matchID)
	s.mu.Unlock()
	if !wasJoined {
		return nil
	}

	s.tr.UntrackConversation(matchID)
	if err := s.tr.Invoke(ctx, proto.ProcLeaveConversation, proto.ConversationArgs{MatchID: matchID}); err != nil {
		return fmt.Errorf("chat: leave %s: %w", matchID, err)
	}
	return nil
}

// Send validates and sends a message. No optimistic local append: the
// authoritative copy arrives back through MessageReceived, which keeps the
// merge free of locally-synthesized ids.
func (s *Synchronizer) Send(ctx context.Context, matchID, receiverID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	args := proto.SendMessageArgs{MatchID: matchID, ReceiverID: receiverID, Content: content}
	if err := s.tr.Invoke(ctx, proto.ProcSendMessage, args); err != nil {
		return fmt.Errorf("chat: send: %w", err)
	}
	return nil
}

// MarkRead flips a message's read flag. Only valid when the local user is
// the receiver. The local flag is set optimistically and never rolled back;
// a server failure is surfaced but the flag stays (idempotent, non-critical).
func (s *Synchronizer) MarkRead(ctx context.Context, messageID string) error {
	s.mu.RLock()
	e, ok := s.byID[messageID]
	var receiverID string
	if ok {
		receiverID = e.msg.ReceiverID
	}
	s.mu.RUnlock()

	if ok && receiverID != s.selfID {
		return ErrNotReceiver
	}

	s.applyRead(messageID)

	if err := s.tr.Invoke(ctx, proto.ProcMarkMessageRead, proto.MarkReadArgs{MessageID: messageID}); err != nil {
		return fmt.Errorf("chat: mark read %s: %w", messageID, err)
	}
	return nil
}

// Timeline returns a copy of the merged conversation, ordered by CreatedAt
// ascending with arrival order breaking ties.
func (s *Synchronizer) Timeline(matchID string) []proto.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.timelines[matchID]
	out := make([]proto.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}

// Joined reports whether the conversation is currently subscribed.
func (s *Synchronizer) Joined(matchID string) bool {
	s.mu.RLock()
	_, ok := s.joined[matchID]
	s.mu.RUnlock()
	return ok
}

// Subscribe returns a channel receiving timeline updates.
func (s *Synchronizer) Subscribe() chan Update {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	ch := make(chan Update, 32)
	s.listeners = append(s.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (s *Synchronizer) Unsubscribe(ch chan Update) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for i, listener := range s.listeners {
		if listener == ch {
			close(listener)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// mergeLive folds one live message into its timeline. A live copy always
// wins over a historical one; a second live copy of the same id is dropped.
// The read flag only ever goes false→true.
func (s *Synchronizer) mergeLive(msg proto.Message) {
	s.mu.Lock()
	e, seen := s.byID[msg.ID]
	if seen {
		if !e.live {
			wasRead := e.msg.IsRead
			e.msg = msg
			e.msg.IsRead = msg.IsRead || wasRead
			e.live = true
		}
		s.mu.Unlock()
		return
	}
	e = s.insertLocked(msg, true)
	s.mu.Unlock()

	s.persist(e.msg)
	s.notify(Update{Type: "message", MatchID: msg.MatchID, Message: e.msg})
	log.Debugw("message merged", "match", msg.MatchID, "id", msg.ID)
}

// mergeHistory folds a historical page into a timeline. Messages already
// known keep their live copy; a historical read flag still propagates
// through applyRead (false→true only), so subscribers and the archive see
// the flip the same way they would a live receipt.
func (s *Synchronizer) mergeHistory(matchID string, page []proto.Message) {
	var added []proto.Message
	var readFlips []string
	s.mu.Lock()
	for _, msg := range page {
		if msg.ID == "" || msg.MatchID != matchID {
			continue
		}
		if e, seen := s.byID[msg.ID]; seen {
			if msg.IsRead && !e.msg.IsRead {
				readFlips = append(readFlips, msg.ID)
			}
			continue
		}
		e := s.insertLocked(msg, false)
		added = append(added, e.msg)
	}
	s.mu.Unlock()

	for _, msg := range added {
		s.persist(msg)
		s.notify(Update{Type: "message", MatchID: matchID, Message: msg})
	}
	for _, id := range readFlips {
		s.applyRead(id)
	}
	if len(added) > 0 {
		log.Debugw("history merged", "match", matchID, "added", len(added))
	}
}

// insertLocked adds a previously unseen message to the global table and its
// timeline, keeping the timeline sorted. Caller holds s.mu.
func (s *Synchronizer) insertLocked(msg proto.Message, live bool) *entry {
	s.arrival++
	e := &entry{msg: msg, arrival: s.arrival, live: live}
	s.byID[msg.ID] = e

	tl := s.timelines[msg.MatchID]
	idx := sort.Search(len(tl), func(i int) bool {
		if tl[i].msg.CreatedAt.Equal(e.msg.CreatedAt) {
			return tl[i].arrival > e.arrival
		}
		return tl[i].msg.CreatedAt.After(e.msg.CreatedAt)
	})
	tl = append(tl, nil)
	copy(tl[idx+1:], tl[idx:])
	tl[idx] = e
	s.timelines[msg.MatchID] = tl
	return e
}

// applyRead sets the read flag for a message id. The flag is monotonic and,
// because timelines share the global entry, visible everywhere at once.
func (s *Synchronizer) applyRead(messageID string) {
	s.mu.Lock()
	e, ok := s.byID[messageID]
	if !ok || e.msg.IsRead {
		s.mu.Unlock()
		return
	}
	e.msg.IsRead = true
	matchID := e.msg.MatchID
	msg := e.msg
	s.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.MarkRead(messageID); err != nil {
			log.Warnw("archive mark-read failed", "id", messageID, "err", err)
		}
	}
	s.notify(Update{Type: "read", MatchID: matchID, Message: msg})
}

func (s *Synchronizer) persist(msg proto.Message) {
	if s.archive == nil {
		return
	}
	if err := s.archive.SaveMessages([]proto.Message{msg}); err != nil {
		log.Warnw("archive save failed", "id", msg.ID, "err", err)
	}
}

func (s *Synchronizer) notify(u Update) {
	s.listenerMu.RLock()
	for _, ch := range s.listeners {
		select {
		case ch <- u:
		default:
		}
	}
	s.listenerMu.RUnlock()
}
