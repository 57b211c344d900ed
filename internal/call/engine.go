package call

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrMediaAccessDenied is returned when the platform refuses camera or
// microphone access. The call attempt is aborted, never left half-open.
var ErrMediaAccessDenied = errors.New("media access denied")

// Engine acquires local media and produces MediaSessions. The controller
// treats it as opaque: all RTC mechanics live behind these two interfaces.
type Engine interface {
	// AcquireLocalMedia opens camera/microphone and returns the session
	// handle. Returns an error wrapping ErrMediaAccessDenied when the
	// platform denies access.
	AcquireLocalMedia(ctx context.Context) (MediaSession, error)
}

// MediaSession is one acquired media handle. The controller owns it
// exclusively and releases it exactly once on any terminal transition.
type MediaSession interface {
	// CreateLocalDescription produces the local SDP: an offer before any
	// remote description has been applied, an answer after.
	CreateLocalDescription(ctx context.Context) (string, error)

	// ApplyRemoteDescription applies the peer's SDP (offer or answer).
	ApplyRemoteDescription(ctx context.Context, sdp string) error

	// AddRemoteICECandidate hands one remote candidate to the engine. Only
	// valid after the remote description has been applied; the controller
	// buffers candidates that arrive earlier.
	AddRemoteICECandidate(candidate json.RawMessage) error

	// OnLocalCandidate registers the callback invoked for every local ICE
	// candidate the engine gathers. Must be set before negotiation starts.
	OnLocalCandidate(fn func(candidate json.RawMessage))

	// Release stops local capture and closes the underlying connection.
	// Idempotent.
	Release()
}
