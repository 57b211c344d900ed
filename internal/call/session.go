package call

import "encoding/json"

// SessionState is the call lifecycle state.
type SessionState int

const (
	StateIdle SessionState = iota
	StateDialing
	StateRinging
	StateNegotiating
	StateConnected
	StateEnded
)

func (s SessionState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "idle"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool { return s == StateEnded }

// Role distinguishes who dialed.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

// Session is the one active or pending call. All fields are guarded by the
// owning Controller's mutex; the session itself is never shared outside it.
type Session struct {
	MatchID string
	PeerID  string
	Role    Role

	state SessionState
	media MediaSession

	// pendingCandidates buffers remote ICE candidates that arrive before the
	// remote description. Non-empty only while negotiating; drained FIFO and
	// cleared the moment the remote description is applied.
	pendingCandidates []json.RawMessage
	remoteApplied     bool

	audioOn bool
	videoOn bool
	cleaned bool
}

func newSession(matchID, peerID string, role Role, state SessionState) *Session {
	return &Session{
		MatchID: matchID,
		PeerID:  peerID,
		Role:    role,
		state:   state,
		audioOn: true,
		videoOn: true,
	}
}

// State returns the session state at the time of the call.
func (s *Session) State() SessionState { return s.state }
