package signal

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/MateGozner/SNIF-sub000/internal/proto"
	"github.com/MateGozner/SNIF-sub000/internal/util"
)

// eventQueueCap bounds the per-connection event queue between the read loop
// and the dispatch loop. The read loop blocks when it fills, which applies
// backpressure to the socket instead of dropping events.
const eventQueueCap = 64

// run is the connection lifecycle loop: Connecting → Connected → (read until
// failure) → backoff → Connecting, until the context is cancelled by Close.
func (c *Client) run(ctx context.Context, identity string) {
	backoff := c.opts.BackoffBase

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		c.setStateLocked(Connecting, "")
		dialer := c.dialer
		c.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		conn, err := dialer.Dial(dialCtx, c.endpoint(identity))
		cancel()
		if err != nil {
			c.mu.Lock()
			c.attempt++
			c.setStateLocked(Disconnected, err.Error())
			c.mu.Unlock()
			log.Debugw("dial failed", "attempt", c.attempt, "err", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < c.opts.BackoffMax {
				backoff *= 2
				if backoff > c.opts.BackoffMax {
					backoff = c.opts.BackoffMax
				}
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.attempt = 0
		c.setStateLocked(Connected, "")
		c.mu.Unlock()
		backoff = c.opts.BackoffBase
		log.Infow("connected", "identity", identity)

		// The pump must be reading before subscriptions are replayed, or the
		// replay invokes would never see their acks.
		pumpDone := make(chan struct{})
		go func() {
			defer close(pumpDone)
			c.pump(ctx, conn)
		}()
		c.replaySubscriptions(ctx, identity)
		<-pumpDone

		c.failPending()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		if ctx.Err() == nil {
			// A deliberate Close already reported Disconnected; only an
			// unexpected drop gets the error status.
			c.setStateLocked(Disconnected, "connection lost")
			log.Warnw("disconnected", "identity", identity)
		}
		c.mu.Unlock()
	}
}

// endpoint builds the websocket URL carrying the identity.
func (c *Client) endpoint(identity string) string {
	wsURL, err := util.WebsocketURL(c.opts.BaseURL, c.opts.Path)
	if err != nil {
		// Leave the malformed URL to fail in Dial, where the error surfaces
		// through the normal backoff path.
		wsURL = c.opts.BaseURL + c.opts.Path
	}
	return wsURL + "?identity=" + url.QueryEscape(identity)
}

// replaySubscriptions re-joins the presence group and every tracked
// conversation. Failures are logged and left to the next reconnect; they do
// not tear the connection down.
func (c *Client) replaySubscriptions(ctx context.Context, identity string) {
	if err := c.Invoke(ctx, proto.ProcJoinPresenceGroup, proto.PresenceGroupArgs{UserID: identity}); err != nil {
		log.Warnw("presence re-join failed", "err", err)
	}
	for _, matchID := range c.TrackedConversations() {
		if err := c.Invoke(ctx, proto.ProcJoinConversation, proto.ConversationArgs{MatchID: matchID}); err != nil {
			log.Warnw("conversation re-join failed", "match", matchID, "err", err)
		}
	}
}

// pump reads frames until the connection fails. Acks are resolved inline so
// an event handler may Invoke without deadlocking; events go through a
// single dispatch goroutine to keep per-connection ordering.
func (c *Client) pump(ctx context.Context, conn wsConn) {
	events := make(chan proto.Envelope, eventQueueCap)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.dispatchEvents(events)
	}()
	defer func() {
		// Fail in-flight invokes before draining the dispatcher: a handler
		// blocked inside Invoke must be released or the drain never finishes.
		c.failPending()
		close(events)
		<-done
	}()

	// Close the socket when the context is cancelled so ReadMessage unblocks.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warnw("malformed frame dropped", "err", err)
			continue
		}
		c.recent.Push(env)

		switch env.Kind {
		case proto.FrameAck:
			c.ackMu.Lock()
			ch, ok := c.pending[env.ID]
			c.ackMu.Unlock()
			if ok {
				select {
				case ch <- env:
				default:
				}
			}
		case proto.FrameEvent:
			select {
			case events <- env:
			case <-ctx.Done():
				return
			}
		default:
			log.Debugw("unknown frame kind dropped", "kind", env.Kind)
		}
	}
}

// dispatchEvents delivers events one at a time, handlers in registration
// order. This is the only goroutine that ever calls handlers for this
// connection.
func (c *Client) dispatchEvents(events <-chan proto.Envelope) {
	for env := range events {
		c.handlerMu.RLock()
		handlers := make([]Handler, len(c.handlers[env.Op]))
		copy(handlers, c.handlers[env.Op])
		c.handlerMu.RUnlock()

		if len(handlers) == 0 {
			log.Debugw("event without handler", "op", env.Op)
			continue
		}
		for _, fn := range handlers {
			fn(env.Data)
		}
	}
}

// failPending unblocks every in-flight Invoke after a disconnect. Each gets
// an ack frame carrying an error so callers see the failure immediately
// instead of waiting out their timeout.
func (c *Client) failPending() {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- proto.Envelope{Kind: proto.FrameAck, ID: id, Error: "connection lost"}:
		default:
		}
	}
}
