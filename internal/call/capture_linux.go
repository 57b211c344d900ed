//go:build linux

package call

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// newPeerConnection builds a PeerConnection with VP8+Opus codecs and local
// camera/mic capture via pion/mediadevices (V4L2 + malgo). Returns the PC
// and a stop func for the captured tracks (nil when capture failed and the
// call fell back to receive-only).
func newPeerConnection(iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5s is far too
	// short for relay paths with short outages during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, err
	}

	// GetUserMedia fails as a unit if either track can't be opened. Try
	// video+audio first, then each alone, so a busy microphone doesn't block
	// the camera and vice versa.
	attempts := []struct {
		video bool
		audio bool
		label string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	var denied error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			if captureDenied(err) {
				denied = err
			}
			log.Warnw("capture attempt failed", "tracks", a.label, "err", err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Debugw("local track ended", "err", err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Warnw("add track failed", "err", err)
			}
		}

		log.Infow("local media captured", "tracks", a.label, "count", len(tracks))
		stop := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, stop, nil
	}

	// A permission refusal aborts the call outright; anything else (missing
	// or busy device) falls back to receive-only so the call can still carry
	// remote media.
	if denied != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("media capture denied: %w", denied)
	}
	log.Warnw("all capture attempts failed, receive-only")
	if err := addRecvOnlyTransceivers(pc); err != nil {
		pc.Close()
		return nil, nil, err
	}
	return pc, nil, nil
}
