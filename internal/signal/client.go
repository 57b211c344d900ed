// Package signal implements the client side of the signaling channel: one
// logical websocket connection to the signaling server with automatic
// reconnection, ack-correlated procedure invocation, and ordered event
// dispatch. Chat, call, and presence all share a single Client.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/MateGozner/SNIF-sub000/internal/proto"
	"github.com/MateGozner/SNIF-sub000/internal/util"
)

var log = logging.Logger("signal")

// ErrNoConnection is returned by Invoke when the transport is not currently
// connected. Callers are not expected to retry; reconnection is the
// transport's own responsibility.
var ErrNoConnection = errors.New("signaling transport not connected")

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Status is pushed to status listeners on every state change.
type Status struct {
	State    State
	Attempt  int    // reconnect attempt count since last successful connect
	LastErr  string // last dial/read error, empty when connected
	Identity string
}

// Handler receives the raw payload of one server event. Handlers for a given
// event run in registration order; no two events are ever dispatched
// concurrently on the same connection.
type Handler func(data json.RawMessage)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL string // signaling server base URL, e.g. "https://api.snif.app"
	Path    string // websocket endpoint path, default "/signaling"

	BackoffBase   time.Duration // first reconnect delay, default 500ms
	BackoffMax    time.Duration // reconnect delay cap, default 30s
	DialTimeout   time.Duration // websocket handshake timeout
	InvokeTimeout time.Duration // default ack wait when ctx has no deadline
}

func (o *Options) withDefaults() {
	if o.Path == "" {
		o.Path = "/signaling"
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = util.DefaultConnectTimeout
	}
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = util.DefaultInvokeTimeout
	}
}

// Client owns the signaling connection. All exported methods are safe for
// concurrent use.
type Client struct {
	opts Options

	mu       sync.Mutex
	identity string
	state    State
	attempt  int
	conn     wsConn
	cancel   context.CancelFunc
	running  bool

	writeMu sync.Mutex // one writer at a time on the websocket

	handlerMu sync.RWMutex
	handlers  map[string][]Handler

	ackMu   sync.Mutex
	pending map[string]chan proto.Envelope

	subMu         sync.Mutex
	conversations map[string]struct{}

	listenerMu sync.Mutex
	listeners  map[chan Status]struct{}

	seq    atomic.Int64
	recent *util.RingBuffer[proto.Envelope]

	dialer Dialer
}

// New creates a Client. The transport does nothing until Connect is called.
func New(opts Options) *Client {
	opts.withDefaults()
	return &Client{
		opts:          opts,
		handlers:      make(map[string][]Handler),
		pending:       make(map[string]chan proto.Envelope),
		conversations: make(map[string]struct{}),
		listeners:     make(map[chan Status]struct{}),
		recent:        util.NewRingBuffer[proto.Envelope](128),
		dialer:        websocketDialer{},
	}
}

// SetDialer replaces the websocket dialer. Tests use this to point the
// client at an in-process server.
func (c *Client) SetDialer(d Dialer) {
	c.mu.Lock()
	c.dialer = d
	c.mu.Unlock()
}

// On registers a handler for a named server event. Registration order is
// dispatch order. Register handlers before calling Connect; registration
// after Connect is allowed but only applies from the next event onward.
func (c *Client) On(event string, fn Handler) {
	c.handlerMu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.handlerMu.Unlock()
}

// Connect stores the identity and starts the connection loop. Connecting is
// idempotent: calling Connect again with the same identity while the loop is
// running is a no-op. The loop reconnects with capped exponential backoff
// for as long as the identity is held, and stops when Close clears it.
func (c *Client) Connect(ctx context.Context, identity string) error {
	if identity == "" {
		return errors.New("signal: empty identity")
	}

	c.mu.Lock()
	if c.running && c.identity == identity {
		c.mu.Unlock()
		return nil
	}
	if c.running {
		// Identity changed: tear down the old loop first.
		c.closeLocked()
	}
	c.identity = identity
	c.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(loopCtx, identity)
	return nil
}

// Close clears the identity and stops the connection loop. No reconnect
// attempts are made after Close; a later Connect starts fresh.
func (c *Client) Close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *Client) closeLocked() {
	c.identity = ""
	c.running = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setStateLocked(Disconnected, "")
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StatusListener returns a channel receiving state changes and a cancel
// function. The channel is buffered; slow listeners miss intermediate
// transitions, never the latest.
func (c *Client) StatusListener() (<-chan Status, func()) {
	ch := make(chan Status, 8)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel := func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Invoke calls a remote procedure and waits for the server acknowledgment.
// It fails fast with ErrNoConnection when the transport is not connected;
// invokes are never queued.
func (c *Client) Invoke(ctx context.Context, procedure string, args any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("%w: invoke %s", ErrNoConnection, procedure)
	}

	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("signal: marshal %s args: %w", procedure, err)
	}

	env := proto.Envelope{
		Kind: proto.FrameInvoke,
		Op:   procedure,
		ID:   uuid.NewString(),
		Seq:  c.seq.Add(1),
		Data: data,
	}

	// Register the ack channel before writing so the ack can never race us.
	ackCh := make(chan proto.Envelope, 1)
	c.ackMu.Lock()
	c.pending[env.ID] = ackCh
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.pending, env.ID)
		c.ackMu.Unlock()
	}()

	if err := c.write(conn, env); err != nil {
		return fmt.Errorf("signal: send %s: %w", procedure, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.InvokeTimeout)
		defer cancel()
	}

	select {
	case ack := <-ackCh:
		if ack.Error != "" {
			return fmt.Errorf("signal: %s rejected: %s", procedure, ack.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("signal: %s: waiting for ack: %w", procedure, ctx.Err())
	}
}

// TrackConversation records a conversation subscription so it is replayed
// after every reconnect. Idempotent.
func (c *Client) TrackConversation(matchID string) {
	c.subMu.Lock()
	c.conversations[matchID] = struct{}{}
	c.subMu.Unlock()
}

// UntrackConversation removes a conversation from the replay set.
// Untracking an unknown matchID is a no-op.
func (c *Client) UntrackConversation(matchID string) {
	c.subMu.Lock()
	delete(c.conversations, matchID)
	c.subMu.Unlock()
}

// TrackedConversations returns the current subscription registry.
func (c *Client) TrackedConversations() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.conversations))
	for id := range c.conversations {
		out = append(out, id)
	}
	return out
}

// Recent returns a snapshot of recently received envelopes, oldest first.
// Diagnostic surface only.
func (c *Client) Recent() []proto.Envelope {
	return c.recent.Snapshot()
}

func (c *Client) write(conn wsConn, env proto.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(b)
}

// setStateLocked updates the state and notifies listeners. Caller holds c.mu.
func (c *Client) setStateLocked(s State, lastErr string) {
	if c.state == s && lastErr == "" {
		return
	}
	c.state = s
	st := Status{State: s, Attempt: c.attempt, LastErr: lastErr, Identity: c.identity}

	c.listenerMu.Lock()
	for ch := range c.listeners {
		select {
		case ch <- st:
		default:
		}
	}
	c.listenerMu.Unlock()
}
