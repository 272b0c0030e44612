//go:build linux && cgo

package media

import (
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

	"github.com/petervdpas/callkit/internal/proto"
)

// newAPIAndCapture builds the webrtc API with VP8+Opus codecs and captures
// local camera/mic via pion/mediadevices (V4L2 + malgo). Capture failure
// falls back through weaker constraint sets and finally to no tracks at all;
// only API construction errors are fatal.
func newAPIAndCapture(opts Options) (*webrtc.API, []LocalTrack, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

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

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5 s is too
	// short for relay paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	tracks := capture(opts, codecSelector)
	return api, tracks, nil
}

// capture acquires local media with graceful fallback. GetUserMedia fails as
// a unit if either track can't be opened, so try video+audio first, then
// video-only, then audio-only: a missing/busy microphone must not prevent
// the camera from working and vice versa. Audio-only calls skip video
// attempts entirely.
func capture(opts Options, codecSelector *mediadevices.CodecSelector) []LocalTrack {
	wantVideo := opts.Kind != proto.KindAudio

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if !wantVideo {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480; higher resolutions increase VP8 encoding
				// latency.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
				if opts.PreferredCam != "" {
					c.DeviceID = prop.String(opts.PreferredCam)
				}
			}
		}
		if a.audio {
			constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
				if opts.PreferredMic != "" {
					c.DeviceID = prop.String(opts.PreferredMic)
				}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnw("media capture attempt failed", "constraints", a.label, "err", err)
			continue
		}

		raw := stream.GetTracks()
		tracks := make([]LocalTrack, 0, len(raw))
		for _, track := range raw {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnw("local track ended", "err", err)
				}
			})
			tracks = append(tracks, track)
		}
		log.Infow("local media captured", "constraints", a.label, "tracks", len(tracks))
		return tracks
	}

	log.Warnw("all media capture attempts failed, proceeding receive-only")
	return nil
}
