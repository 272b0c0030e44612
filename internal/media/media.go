// Package media owns local capture and the two ways call media can flow:
// direct peer connections carrying captured tracks, or an SFU relay reached
// through push/pull URLs. A session picks one strategy at creation and never
// mixes them.
package media

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/proto"
)

var log = logging.Logger("callkit/media")

// Options configures an Engine for one session.
type Options struct {
	Kind proto.CallKind

	// ICEServers for every connection the engine builds.
	ICEServers []webrtc.ICEServer

	PreferredCam string
	PreferredMic string
}

// ICEServers converts wire/config ICE entries to pion's type.
func ICEServers(in []proto.ICEServerConfig) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

// LocalTrack is a capture track that can be attached to peer connections and
// stopped when the session ends.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// Engine builds peer connections that share one local capture. Capture is
// acquired once at construction; every connection the engine creates carries
// the same tracks (the capture layer broadcasts frames to all of them).
type Engine struct {
	api    *webrtc.API
	ice    []webrtc.ICEServer
	tracks []LocalTrack

	releaseOnce sync.Once
}

// NewEngine builds the media engine and acquires local capture. Capture
// failure is not fatal: the engine falls back to receive-only connections so
// a missing camera never blocks the call.
func NewEngine(opts Options) (*Engine, error) {
	api, tracks, err := newAPIAndCapture(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{api: api, ice: opts.ICEServers, tracks: tracks}, nil
}

// NewConn creates a configured peer connection carrying the engine's local
// tracks, or receive-only transceivers when capture yielded none.
func (e *Engine) NewConn() (*webrtc.PeerConnection, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.ice})
	if err != nil {
		return nil, err
	}
	if len(e.tracks) == 0 {
		addRecvOnlyTransceivers(pc)
		return pc, nil
	}
	for _, track := range e.tracks {
		if _, err := pc.AddTrack(track); err != nil {
			log.Warnw("attaching local track failed", "err", err)
		}
	}
	return pc, nil
}

// HasLocalMedia reports whether capture produced any tracks.
func (e *Engine) HasLocalMedia() bool {
	return len(e.tracks) > 0
}

// Release stops local capture. Safe to call more than once; only the first
// call does anything.
func (e *Engine) Release() {
	e.releaseOnce.Do(func() {
		for _, t := range e.tracks {
			if err := t.Close(); err != nil {
				log.Warnw("closing capture track failed", "err", err)
			}
		}
		e.tracks = nil
	})
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnw("adding recvonly video transceiver failed", "err", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnw("adding recvonly audio transceiver failed", "err", err)
	}
}
