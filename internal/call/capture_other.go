//go:build !linux

package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newPeerConnection builds a receive-only PeerConnection on non-Linux
// platforms. Camera/mic capture via pion/mediadevices needs platform
// drivers that are only wired up for Linux (V4L2 + malgo).
func newPeerConnection(iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, err
	}
	if err := addRecvOnlyTransceivers(pc); err != nil {
		pc.Close()
		return nil, nil, err
	}

	log.Infow("peer connection ready (receive-only, no local capture on this platform)")
	return pc, nil, nil
}
