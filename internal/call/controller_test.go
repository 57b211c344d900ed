package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/MateGozner/SNIF-sub000/internal/proto"
)

// fakeTransport records invokes and lets tests fire events synchronously.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
	invokes  []invoked
}

type invoked struct {
	procedure string
	args      any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]func(json.RawMessage))}
}

func (f *fakeTransport) Invoke(ctx context.Context, procedure string, args any) error {
	f.mu.Lock()
	f.invokes = append(f.invokes, invoked{procedure, args})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) On(event string, fn func(data json.RawMessage)) {
	f.handlers[event] = append(f.handlers[event], fn)
}

func (f *fakeTransport) emit(t *testing.T, event string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	for _, fn := range f.handlers[event] {
		fn(b)
	}
}

func (f *fakeTransport) signals() []proto.SignalPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []proto.SignalPayload
	for _, iv := range f.invokes {
		if iv.procedure == proto.ProcSendSignal {
			out = append(out, iv.args.(proto.SignalPayload))
		}
	}
	return out
}

func (f *fakeTransport) count(procedure string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, iv := range f.invokes {
		if iv.procedure == procedure {
			n++
		}
	}
	return n
}

// fakeMedia records the negotiation calls made against it.
type fakeMedia struct {
	mu        sync.Mutex
	remoteSDP string
	applied   []string // remote candidates in apply order
	released  int
	descErr   error
}

func (m *fakeMedia) CreateLocalDescription(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.descErr != nil {
		return "", m.descErr
	}
	if m.remoteSDP == "" {
		return "sdp-offer", nil
	}
	return "sdp-answer", nil
}

func (m *fakeMedia) ApplyRemoteDescription(ctx context.Context, sdp string) error {
	m.mu.Lock()
	m.remoteSDP = sdp
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) AddRemoteICECandidate(candidate json.RawMessage) error {
	m.mu.Lock()
	m.applied = append(m.applied, string(candidate))
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) OnLocalCandidate(fn func(candidate json.RawMessage)) {}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

type fakeEngine struct {
	media      *fakeMedia
	acquireErr error
	acquired   int
}

func (e *fakeEngine) AcquireLocalMedia(ctx context.Context) (MediaSession, error) {
	if e.acquireErr != nil {
		return nil, e.acquireErr
	}
	e.acquired++
	if e.media == nil {
		e.media = &fakeMedia{}
	}
	return e.media, nil
}

func cand(s string) json.RawMessage { return json.RawMessage(`"` + s + `"`) }

func TestCallerFlowWithBufferedCandidates(t *testing.T) {
	tr := newFakeTransport()
	eng := &fakeEngine{}
	c := NewController(tr, eng, "alice")

	if err := c.StartCall(context.Background(), "m1", "bob"); err != nil {
		t.Fatal(err)
	}
	if got := c.SessionState("m1"); got != StateDialing {
		t.Fatalf("expected dialing, got %s", got)
	}
	if tr.count(proto.ProcInitiateCall) != 1 {
		t.Fatal("expected one InitiateCall invoke")
	}
	// No offer until the server says the callee is ready.
	if len(tr.signals()) != 0 {
		t.Fatal("no signal should be sent while dialing")
	}

	tr.emit(t, proto.EventInitiateOffer, proto.InitiateOfferData{MatchID: "m1"})
	sigs := tr.signals()
	if len(sigs) != 1 || sigs[0].Type != proto.SignalOffer || sigs[0].SDP != "sdp-offer" {
		t.Fatalf("expected one offer signal, got %+v", sigs)
	}
	if got := c.SessionState("m1"); got != StateNegotiating {
		t.Fatalf("expected negotiating, got %s", got)
	}

	// Two candidates race ahead of the answer: they must be buffered, not
	// applied.
	tr.emit(t, proto.EventReceiveSignal, proto.SignalPayload{MatchID: "m1", Type: proto.SignalICECandidate, Candidate: cand("c1")})
	tr.emit(t, proto.EventReceiveSignal, proto.SignalPayload{MatchID: "m1", Type: proto.SignalICECandidate, Candidate: cand("c2")})
	if n := len(eng.media.applied); n != 0 {
		t.Fatalf("candidates must wait for the remote description, %d applied", n)
	}

	// The answer lands: remote description applied, queue drained in order.
	tr.emit(t, proto.EventReceiveSignal, proto.SignalPayload{MatchID: "m1", Type: proto.SignalAnswer, SDP: "their-answer"})
	if got := c.SessionState("m1"); got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if eng.media.remoteSDP != "their-answer" {
		t.Fatalf("remote SDP not applied: %q", eng.media.remoteSDP)
	}
	if got := eng.media.applied; len(got) != 2 || got[0] != `"c1"` || got[1] != `"c2"` {
		t.Fatalf("expected drain in arrival order, got %v", got)
	}

	// A candidate after the drain is applied immediately.
	tr.emit(t, proto.EventReceiveSignal, proto.SignalPayload{MatchID: "m1", Type: proto.SignalICECandidate, Candidate: cand("c3")})
	if got := eng.media.applied; len(got) != 3 || got[2] != `"c3"` {
		t.Fatalf("expected immediate apply after drain, got %v", got)
	}
}

func TestCalleeFlow(t *testing.T) {
	tr := newFakeTransport()
	eng := &fakeEngine{}
	c := NewController(tr, eng, "bob")

	var gotInvite Invite
	c.OnInvite(func(inv Invite) { gotInvite = inv })

	tr.emit(t, proto.EventIncomingCall, proto.IncomingCallData{MatchID: "m1", CallerID: "alice"})
	if gotInvite.MatchID != "m1" || gotInvite.CallerID != "alice" {
		t.Fatalf("invite not surfaced: %+v", gotInvite)
	}
	if got := c.SessionState("m1"); got != StateRinging {
		t.Fatalf("expected ringing, got %s", got)
	}
	// Ringing touches no media.
	if eng.acquired != 0 {
		t.Fatal("media must not be acquired before accept")
	}

	if err := c.AcceptCall(context.Background(), "m1", "alice"); err != nil {
		t.Fatal(err)
	}
	if tr.count(proto.ProcAcceptCall) != 1 {
		t.Fatal("expected one AcceptCall invoke")
	}

	tr.emit(t, proto.EventReceiveSignal, proto.SignalPayload{MatchID: "m1", Type: proto.SignalOffer, SDP: "their-offer"})
	if got := c.SessionState("m1"); got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	sigs := tr.signals()
	if len(sigs) != 1 || sigs[0].Type != proto.SignalAnswer || sigs[0].SDP != "sdp-answer" {
		t.Fatalf("expected one answer signal, got %+v", sigs)
	}
}

func TestStartCallWhileActiveRejected(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(tr, &fakeEngine{}, "alice")

	if err := c.StartCall(context.Background(), "m1", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := c.StartCall(context.Background(), "m2", "carol"); !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("expected ErrAlreadyInCall, got %v", err)
	}
	// The active session is untouched.
	if got := c.Active(); got != "m1" {
		t.Fatalf("active session should stay m1, got %q", got)
	}
}

func TestIncomingWhileActiveAutoDeclined(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(tr, &fakeEngine{}, "alice")

	if err := c.StartCall(context.Background(), "m1", "bob"); err != nil {
		t.Fatal(err)
	}
	tr.emit(t, proto.EventIncomingCall, proto.IncomingCallData{MatchID: "m2", CallerID: "carol"})

	if c.SessionState("m2") != StateIdle {
		t.Fatal("busy ring must not create a session")
	}
	if got := c.Active(); got != "m1" {
		t.Fatalf("active session should stay m1, got %q", got)
	}
	// The busy ring is declined toward the server.
	found := false
	tr.mu.Lock()
	for _, iv := range tr.invokes {
		if iv.procedure == proto.ProcEndCall && iv.args.(proto.EndCallArgs).MatchID == "m2" {
			found = true
		}
	}
	tr.mu.Unlock()
	if !found {
		t.Fatal("expected an EndCall invoke for the busy ring")
	}
}

func TestEndCallIdempotentAndReleasesOnce(t *testing.T) {
	tr := newFakeTransport()
	eng := &fakeEngine{}
	c := NewController(tr, eng, "alice")

	if err := c.StartCall(context.Background(), "m1", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := c.EndCall(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	if err := c.EndCall(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}

	if eng.media.released != 1 {
		t.Fatalf("media must be released exactly once, got %d", eng.media.released)
	}
	if tr.count(proto.ProcEndCall) != 1 {
		t.Fatalf("expected one EndCall invoke, got %d", tr.count(proto.ProcEndCall))
	}
	if got := c.SessionState("m1"); got != StateIdle {
		t.Fatalf("expected idle after end, got %s", got)
	}
}

func TestRemoteEndCleansUp(t *testing.T) {
	tr := newFakeTransport()
	eng := &fakeEngine{}
	c := NewController(tr, eng, "alice")

	if err := c.StartCall(context.Background(), "m1", "bob"); err != nil {
		t.Fatal(err)
	}
	tr.emit(t, proto.EventCallEnded, proto.CallEndedData{MatchID: "m1"})

	if eng.media.released != 1 {
		t.Fatalf("media must be released, got %d", eng.media.released)
	}
	if got := c.Active(); got != "" {
		t.Fatalf("expected no active session, got %q", got)
	}
	// A new call can start immediately.
	if err := c.StartCall(context.Background(), "m2", "carol"); err != nil {
		t.Fatal(err)
	}
}

func TestMediaDeniedAbortsCall(t *testing.T) {
	tr := newFakeTransport()
	eng := &fakeEngine{acquireErr: ErrMediaAccessDenied}
	c := NewController(tr, eng, "alice")

	if err := c.StartCall(context.Background(), "m1", "bob"); !errors.Is(err, ErrMediaAccessDenied) {
		t.Fatalf("expected ErrMediaAccessDenied, got %v", err)
	}
	if got := c.SessionState("m1"); got != StateIdle {
		t.Fatalf("expected idle after denied media, got %s", got)
	}
	if tr.count(proto.ProcInitiateCall) != 0 {
		t.Fatal("no InitiateCall should be sent without media")
	}
}

func TestOutOfOrderSignalTerminatesCall(t *testing.T) {
	tr := newFakeTransport()
	eng := &fakeEngine{}
	c := NewController(tr, eng, "alice")

	if err := c.StartCall(context.Background(), "m1", "bob"); err != nil {
		t.Fatal(err)
	}
	// An answer while still dialing (no offer ever sent) is out of order.
	tr.emit(t, proto.EventReceiveSignal, proto.SignalPayload{MatchID: "m1", Type: proto.SignalAnswer, SDP: "bogus"})

	if got := c.SessionState("m1"); got != StateIdle {
		t.Fatalf("out-of-order signal should terminate the call, got %s", got)
	}
	if eng.media.released != 1 {
		t.Fatalf("media must be released on forced teardown, got %d", eng.media.released)
	}
}

func TestSignalForUnknownMatchDropped(t *testing.T) {
	tr := newFakeTransport()
	eng := &fakeEngine{}
	c := NewController(tr, eng, "alice")

	if err := c.StartCall(context.Background(), "m1", "bob"); err != nil {
		t.Fatal(err)
	}
	tr.emit(t, proto.EventReceiveSignal, proto.SignalPayload{MatchID: "other", Type: proto.SignalICECandidate, Candidate: cand("x")})

	if got := c.SessionState("m1"); got != StateDialing {
		t.Fatalf("unrelated signal must not disturb the session, got %s", got)
	}
}

func TestToggles(t *testing.T) {
	tr := newFakeTransport()
	c := NewController(tr, &fakeEngine{}, "alice")

	if _, err := c.ToggleAudio("m1"); !errors.Is(err, ErrNoSuchCall) {
		t.Fatalf("expected ErrNoSuchCall, got %v", err)
	}

	if err := c.StartCall(context.Background(), "m1", "bob"); err != nil {
		t.Fatal(err)
	}
	muted, err := c.ToggleAudio("m1")
	if err != nil || !muted {
		t.Fatalf("first toggle should mute, got muted=%v err=%v", muted, err)
	}
	muted, err = c.ToggleAudio("m1")
	if err != nil || muted {
		t.Fatalf("second toggle should unmute, got muted=%v err=%v", muted, err)
	}
	disabled, err := c.ToggleVideo("m1")
	if err != nil || !disabled {
		t.Fatalf("first toggle should disable video, got disabled=%v err=%v", disabled, err)
	}
}
