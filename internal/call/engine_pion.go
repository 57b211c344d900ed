package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PionEngine implements Engine on pion/webrtc. Each AcquireLocalMedia call
// builds a fresh PeerConnection with local capture attached (platform
// permitting; see capture_*.go).
type PionEngine struct {
	mu          sync.Mutex
	stunServers []string
}

// NewPionEngine creates an engine with the default STUN configuration.
func NewPionEngine() *PionEngine { return &PionEngine{} }

// SetSTUNServers replaces the STUN list. An empty list restores the default.
// Safe to call while a call is being set up; dials already in flight keep
// the list they started with.
func (e *PionEngine) SetSTUNServers(urls []string) {
	e.mu.Lock()
	e.stunServers = append([]string(nil), urls...)
	e.mu.Unlock()
}

func (e *PionEngine) iceServers() []webrtc.ICEServer {
	e.mu.Lock()
	urls := e.stunServers
	e.mu.Unlock()
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// AcquireLocalMedia opens camera/microphone and wraps the resulting
// PeerConnection as a MediaSession.
func (e *PionEngine) AcquireLocalMedia(ctx context.Context) (MediaSession, error) {
	pc, stopCapture, err := newPeerConnection(e.iceServers())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}
	if err := ctx.Err(); err != nil {
		if stopCapture != nil {
			stopCapture()
		}
		pc.Close()
		return nil, err
	}
	return &pionSession{pc: pc, stopCapture: stopCapture}, nil
}

// pionSession adapts one *webrtc.PeerConnection to MediaSession.
type pionSession struct {
	pc          *webrtc.PeerConnection
	stopCapture func()

	releaseOnce sync.Once
}

// CreateLocalDescription produces an offer when no remote description has
// been applied yet, an answer otherwise, and installs it as the local
// description so candidate gathering starts.
func (s *pionSession) CreateLocalDescription(ctx context.Context) (string, error) {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if s.pc.RemoteDescription() == nil {
		desc, err = s.pc.CreateOffer(nil)
	} else {
		desc, err = s.pc.CreateAnswer(nil)
	}
	if err != nil {
		return "", err
	}
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return "", err
	}
	return desc.SDP, nil
}

// ApplyRemoteDescription applies the peer's SDP. The type is inferred from
// the signaling state: with a local offer outstanding the remote SDP is an
// answer, otherwise an offer.
func (s *pionSession) ApplyRemoteDescription(ctx context.Context, sdp string) error {
	sdpType := webrtc.SDPTypeOffer
	if s.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		sdpType = webrtc.SDPTypeAnswer
	}
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp})
}

// AddRemoteICECandidate decodes and applies one remote candidate.
func (s *pionSession) AddRemoteICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return s.pc.AddICECandidate(init)
}

// OnLocalCandidate forwards gathered candidates, already JSON-encoded for
// the wire. The nil candidate marking end-of-gathering is swallowed.
func (s *pionSession) OnLocalCandidate(fn func(candidate json.RawMessage)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(data)
	})
}

// Release stops local capture and closes the PeerConnection. Idempotent.
func (s *pionSession) Release() {
	s.releaseOnce.Do(func() {
		if s.stopCapture != nil {
			s.stopCapture()
		}
		s.pc.Close()
	})
}

// captureDenied reports whether a capture failure was a permission refusal
// rather than a missing or busy device. Only refusals abort call setup; a
// busy camera still falls back to receive-only.
func captureDenied(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}

// addRecvOnlyTransceivers ensures CreateOffer/CreateAnswer produces valid
// m-lines with ICE credentials even when no local track was captured.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
