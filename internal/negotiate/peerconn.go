// Package negotiate drives the offer/answer/ICE exchange for one peer link
// using the perfect negotiation pattern: simultaneous offers are resolved by
// a politeness assignment both sides compute from the same two identities,
// with no coordination message.
package negotiate

import (
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/proto"
)

// PeerConn is the slice of a peer connection the engine drives. It is
// satisfied by *webrtc.PeerConnection and by fakes in tests.
type PeerConn interface {
	SignalingState() webrtc.SignalingState
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	AddICECandidate(webrtc.ICECandidateInit) error
	Close() error
}

func toWire(d webrtc.SessionDescription) proto.SessionDescription {
	return proto.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func fromWire(d proto.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func candidateInit(c proto.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
