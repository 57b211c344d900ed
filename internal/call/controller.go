// Package call owns the lifecycle of a single video call: outbound dial,
// inbound ring, SDP offer/answer exchange, ICE candidate buffering, media
// acquisition and release, and termination. It is coupled to the rest of the
// module only through the Transport and Engine interfaces.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/MateGozner/SNIF-sub000/internal/proto"
)

var log = logging.Logger("call")

var (
	// ErrAlreadyInCall rejects starting a call while a non-terminal session
	// exists. New calls are rejected, never queued.
	ErrAlreadyInCall = errors.New("already in a call")
	// ErrNoSuchCall rejects accept/signal operations that reference no
	// current session.
	ErrNoSuchCall = errors.New("no such call")
	// ErrSignaling marks a malformed or out-of-order signal. The call is
	// forced to its terminal state when this occurs.
	ErrSignaling = errors.New("signaling error")
)

// Transport is the slice of the signaling client the controller uses.
type Transport interface {
	Invoke(ctx context.Context, procedure string, args any) error
	On(event string, fn func(data json.RawMessage))
}

// Invite surfaces an inbound ring. Nothing is negotiated and no media is
// touched until the user accepts or declines.
type Invite struct {
	MatchID  string
	CallerID string
}

// Controller drives the call state machine. At most one non-terminal
// session exists at a time; it exclusively owns the local media handle.
type Controller struct {
	tr     Transport
	engine Engine
	selfID string

	mu   sync.Mutex
	sess *Session

	inviteMu sync.RWMutex
	invites  []func(Invite)
}

// NewController creates a Controller and registers its signaling handlers.
func NewController(tr Transport, engine Engine, selfID string) *Controller {
	c := &Controller{tr: tr, engine: engine, selfID: selfID}

	tr.On(proto.EventIncomingCall, func(data json.RawMessage) {
		var p proto.IncomingCallData
		if err := json.Unmarshal(data, &p); err != nil || p.MatchID == "" {
			log.Warnw("bad incoming-call payload", "err", err)
			return
		}
		c.handleIncoming(p)
	})
	tr.On(proto.EventInitiateOffer, func(data json.RawMessage) {
		var p proto.InitiateOfferData
		if err := json.Unmarshal(data, &p); err != nil || p.MatchID == "" {
			return
		}
		c.handleInitiateOffer(p.MatchID)
	})
	tr.On(proto.EventReceiveSignal, func(data json.RawMessage) {
		var p proto.SignalPayload
		if err := json.Unmarshal(data, &p); err != nil || p.MatchID == "" {
			log.Warnw("bad signal payload", "err", err)
			return
		}
		c.handleSignal(p)
	})
	tr.On(proto.EventCallEnded, func(data json.RawMessage) {
		var p proto.CallEndedData
		if err := json.Unmarshal(data, &p); err != nil || p.MatchID == "" {
			return
		}
		c.handleRemoteEnded(p.MatchID)
	})

	return c
}

// OnInvite registers a callback fired for each inbound ring.
func (c *Controller) OnInvite(fn func(Invite)) {
	c.inviteMu.Lock()
	c.invites = append(c.invites, fn)
	c.inviteMu.Unlock()
}

// StartCall dials peerID on matchID. The local SDP offer is deliberately not
// created here: it waits for the InitiateOffer event, so no negotiation is
// wasted on a callee who never answers.
func (c *Controller) StartCall(ctx context.Context, matchID, peerID string) error {
	c.mu.Lock()
	if c.sess != nil && !c.sess.state.Terminal() {
		active := c.sess.MatchID
		c.mu.Unlock()
		return fmt.Errorf("%w (active match %s)", ErrAlreadyInCall, active)
	}
	sess := newSession(matchID, peerID, RoleCaller, StateDialing)
	c.sess = sess
	c.mu.Unlock()
	log.Infow("dialing", "match", matchID, "peer", peerID)

	media, err := c.engine.AcquireLocalMedia(ctx)
	if err != nil {
		c.cleanup(sess)
		return fmt.Errorf("call: acquire media: %w", err)
	}
	c.attachMedia(sess, media)

	args := proto.InitiateCallArgs{MatchID: matchID, ReceiverID: peerID}
	if err := c.tr.Invoke(ctx, proto.ProcInitiateCall, args); err != nil {
		c.cleanup(sess)
		return fmt.Errorf("call: initiate: %w", err)
	}
	return nil
}

// AcceptCall answers an inbound ring. Valid only while a Ringing session for
// matchID exists.
func (c *Controller) AcceptCall(ctx context.Context, matchID, callerID string) error {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.MatchID != matchID || sess.state != StateRinging {
		c.mu.Unlock()
		return fmt.Errorf("%w: no ringing session for %s", ErrNoSuchCall, matchID)
	}
	sess.state = StateNegotiating
	c.mu.Unlock()

	media, err := c.engine.AcquireLocalMedia(ctx)
	if err != nil {
		c.cleanup(sess)
		return fmt.Errorf("call: acquire media: %w", err)
	}
	c.attachMedia(sess, media)

	args := proto.AcceptCallArgs{MatchID: matchID, CallerID: callerID}
	if err := c.tr.Invoke(ctx, proto.ProcAcceptCall, args); err != nil {
		c.cleanup(sess)
		return fmt.Errorf("call: accept: %w", err)
	}
	log.Infow("accepted", "match", matchID, "caller", callerID)
	return nil
}

// DeclineCall rejects an inbound ring or abandons a call before it
// connects. Same terminal path as EndCall.
func (c *Controller) DeclineCall(ctx context.Context, matchID string) error {
	return c.EndCall(ctx, matchID)
}

// EndCall terminates the session for matchID. Local cleanup always runs,
// even when the remote notification fails: acquired hardware is never left
// attached to a dead call. Calling it twice is harmless.
func (c *Controller) EndCall(ctx context.Context, matchID string) error {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.MatchID != matchID || sess.state.Terminal() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.tr.Invoke(ctx, proto.ProcEndCall, proto.EndCallArgs{MatchID: matchID})
	c.cleanup(sess)
	if err != nil {
		return fmt.Errorf("call: end: %w", err)
	}
	return nil
}

// SessionState returns the state of the session for matchID, or StateIdle
// when none exists.
func (c *Controller) SessionState(matchID string) SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.MatchID != matchID {
		return StateIdle
	}
	return c.sess.state
}

// Active returns the current session's matchID, or "" when idle.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.state.Terminal() {
		return ""
	}
	return c.sess.MatchID
}

// ToggleAudio flips the local audio flag. Returns the new muted state.
func (c *Controller) ToggleAudio(matchID string) (muted bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.MatchID != matchID || c.sess.state.Terminal() {
		return false, ErrNoSuchCall
	}
	c.sess.audioOn = !c.sess.audioOn
	return !c.sess.audioOn, nil
}

// ToggleVideo flips the local video flag. Returns the new disabled state.
func (c *Controller) ToggleVideo(matchID string) (disabled bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.MatchID != matchID || c.sess.state.Terminal() {
		return false, ErrNoSuchCall
	}
	c.sess.videoOn = !c.sess.videoOn
	return !c.sess.videoOn, nil
}

// Close tears down any active session without notifying the remote side.
// Used on logout, where the transport is going away anyway.
func (c *Controller) Close() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess != nil {
		c.cleanup(sess)
	}
}

// attachMedia stores the handle and wires local ICE candidates out through
// the transport. A session that terminated while media was being acquired
// gets the handle released immediately.
func (c *Controller) attachMedia(sess *Session, media MediaSession) {
	c.mu.Lock()
	if sess.cleaned {
		c.mu.Unlock()
		media.Release()
		return
	}
	sess.media = media
	c.mu.Unlock()

	media.OnLocalCandidate(func(candidate json.RawMessage) {
		args := proto.SignalPayload{
			MatchID:   sess.MatchID,
			Type:      proto.SignalICECandidate,
			Candidate: candidate,
		}
		if err := c.tr.Invoke(context.Background(), proto.ProcSendSignal, args); err != nil {
			log.Warnw("candidate send failed", "match", sess.MatchID, "err", err)
		}
	})
}

// handleIncoming processes an inbound ring. While a call is active the ring
// is declined immediately (busy) without touching the active session.
func (c *Controller) handleIncoming(p proto.IncomingCallData) {
	if p.CallerID == c.selfID {
		return
	}
	c.mu.Lock()
	if c.sess != nil && !c.sess.state.Terminal() {
		c.mu.Unlock()
		log.Infow("busy, declining", "match", p.MatchID, "caller", p.CallerID)
		if err := c.tr.Invoke(context.Background(), proto.ProcEndCall, proto.EndCallArgs{MatchID: p.MatchID}); err != nil {
			log.Warnw("busy decline failed", "match", p.MatchID, "err", err)
		}
		return
	}
	c.sess = newSession(p.MatchID, p.CallerID, RoleCallee, StateRinging)
	c.mu.Unlock()
	log.Infow("ringing", "match", p.MatchID, "caller", p.CallerID)

	inv := Invite{MatchID: p.MatchID, CallerID: p.CallerID}
	c.inviteMu.RLock()
	handlers := make([]func(Invite), len(c.invites))
	copy(handlers, c.invites)
	c.inviteMu.RUnlock()
	for _, fn := range handlers {
		fn(inv)
	}
}

// handleInitiateOffer runs on the caller once the server reports the callee
// ready: create the offer and send it.
func (c *Controller) handleInitiateOffer(matchID string) {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.MatchID != matchID || sess.Role != RoleCaller || sess.state != StateDialing {
		c.mu.Unlock()
		log.Warnw("initiate-offer out of order", "match", matchID)
		return
	}
	sess.state = StateNegotiating
	media := sess.media
	c.mu.Unlock()

	offer, err := media.CreateLocalDescription(context.Background())
	if err != nil {
		c.fail(sess, fmt.Errorf("create offer: %w", err))
		return
	}
	args := proto.SignalPayload{MatchID: matchID, Type: proto.SignalOffer, SDP: offer}
	if err := c.tr.Invoke(context.Background(), proto.ProcSendSignal, args); err != nil {
		c.fail(sess, fmt.Errorf("send offer: %w", err))
		return
	}
	log.Debugw("offer sent", "match", matchID)
}

// handleSignal routes one relayed signal to the active session.
func (c *Controller) handleSignal(p proto.SignalPayload) {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.MatchID != p.MatchID || sess.state.Terminal() {
		c.mu.Unlock()
		log.Debugw("signal for unknown session dropped", "match", p.MatchID, "type", p.Type)
		return
	}
	c.mu.Unlock()

	switch p.Type {
	case proto.SignalOffer:
		c.handleOffer(sess, p.SDP)
	case proto.SignalAnswer:
		c.handleAnswer(sess, p.SDP)
	case proto.SignalICECandidate:
		c.handleCandidate(sess, p.Candidate)
	default:
		c.fail(sess, fmt.Errorf("%w: unknown signal type %q", ErrSignaling, p.Type))
	}
}

// handleOffer applies the caller's offer on the callee side, answers, and
// drains any candidates that raced ahead of the offer.
func (c *Controller) handleOffer(sess *Session, sdp string) {
	c.mu.Lock()
	st := sess.state
	valid := sess.Role == RoleCallee && st == StateNegotiating && !sess.remoteApplied
	media := sess.media
	c.mu.Unlock()
	if !valid || media == nil {
		c.fail(sess, fmt.Errorf("%w: unexpected offer in state %s", ErrSignaling, st))
		return
	}

	if err := media.ApplyRemoteDescription(context.Background(), sdp); err != nil {
		c.fail(sess, fmt.Errorf("apply offer: %w", err))
		return
	}
	if err := c.markRemoteApplied(sess, media); err != nil {
		c.fail(sess, err)
		return
	}

	answer, err := media.CreateLocalDescription(context.Background())
	if err != nil {
		c.fail(sess, fmt.Errorf("create answer: %w", err))
		return
	}
	args := proto.SignalPayload{MatchID: sess.MatchID, Type: proto.SignalAnswer, SDP: answer}
	if err := c.tr.Invoke(context.Background(), proto.ProcSendSignal, args); err != nil {
		c.fail(sess, fmt.Errorf("send answer: %w", err))
		return
	}
	log.Infow("connected", "match", sess.MatchID, "role", "callee")
}

// handleAnswer applies the callee's answer on the caller side.
func (c *Controller) handleAnswer(sess *Session, sdp string) {
	c.mu.Lock()
	st := sess.state
	valid := sess.Role == RoleCaller && st == StateNegotiating && !sess.remoteApplied
	media := sess.media
	c.mu.Unlock()
	if !valid || media == nil {
		c.fail(sess, fmt.Errorf("%w: unexpected answer in state %s", ErrSignaling, st))
		return
	}

	if err := media.ApplyRemoteDescription(context.Background(), sdp); err != nil {
		c.fail(sess, fmt.Errorf("apply answer: %w", err))
		return
	}
	if err := c.markRemoteApplied(sess, media); err != nil {
		c.fail(sess, err)
		return
	}
	log.Infow("connected", "match", sess.MatchID, "role", "caller")
}

// handleCandidate applies a remote candidate immediately when the remote
// description is in place, otherwise buffers it for the drain.
func (c *Controller) handleCandidate(sess *Session, candidate json.RawMessage) {
	c.mu.Lock()
	if !sess.remoteApplied {
		sess.pendingCandidates = append(sess.pendingCandidates, candidate)
		n := len(sess.pendingCandidates)
		c.mu.Unlock()
		log.Debugw("candidate buffered", "match", sess.MatchID, "queued", n)
		return
	}
	media := sess.media
	c.mu.Unlock()

	if err := media.AddRemoteICECandidate(candidate); err != nil {
		log.Warnw("candidate apply failed", "match", sess.MatchID, "err", err)
	}
}

// markRemoteApplied transitions into Connected after the first remote
// description and drains the candidate queue in arrival order. The queue is
// empty from this point on.
func (c *Controller) markRemoteApplied(sess *Session, media MediaSession) error {
	c.mu.Lock()
	sess.remoteApplied = true
	queued := sess.pendingCandidates
	sess.pendingCandidates = nil
	sess.state = StateConnected
	c.mu.Unlock()

	for _, candidate := range queued {
		if err := media.AddRemoteICECandidate(candidate); err != nil {
			return fmt.Errorf("drain candidate: %w", err)
		}
	}
	if len(queued) > 0 {
		log.Debugw("candidate queue drained", "match", sess.MatchID, "count", len(queued))
	}
	return nil
}

// handleRemoteEnded runs terminal cleanup when the peer hangs up.
func (c *Controller) handleRemoteEnded(matchID string) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil || sess.MatchID != matchID {
		return
	}
	log.Infow("remote ended", "match", matchID)
	c.cleanup(sess)
}

// fail logs a session failure and forces the terminal path.
func (c *Controller) fail(sess *Session, err error) {
	log.Errorw("call failed", "match", sess.MatchID, "err", err)
	if endErr := c.tr.Invoke(context.Background(), proto.ProcEndCall, proto.EndCallArgs{MatchID: sess.MatchID}); endErr != nil {
		log.Debugw("end-call notify failed", "match", sess.MatchID, "err", endErr)
	}
	c.cleanup(sess)
}

// cleanup is the single terminal path: release media exactly once, clear the
// candidate queue, and return the controller to Idle. Safe to call twice.
func (c *Controller) cleanup(sess *Session) {
	c.mu.Lock()
	if sess.cleaned {
		c.mu.Unlock()
		return
	}
	sess.cleaned = true
	sess.state = StateEnded
	media := sess.media
	sess.media = nil
	sess.pendingCandidates = nil
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()

	if media != nil {
		media.Release()
	}
	log.Infow("session closed", "match", sess.MatchID)
}
