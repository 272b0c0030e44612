package negotiate

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/proto"
)

var log = logging.Logger("callkit/negotiate")

// Polite reports which side yields in an offer collision between the two
// identities. The lexicographically smaller identity is impolite; both ends
// compute the same assignment from the same pair.
func Polite(selfID, remoteID string) bool {
	return selfID > remoteID
}

// Engine owns the negotiation state of one peer link. Methods are serialized
// by the session's event loop; the internal mutex only makes stray direct
// calls safe, it is not a concurrency design.
type Engine struct {
	remoteID string
	polite   bool
	pc       PeerConn
	send     func(proto.SessionDescription) error

	mu          sync.Mutex
	makingOffer bool
	ignoreOffer bool
	remoteSet   bool
	pending     []proto.ICECandidate
	closed      bool
}

// NewEngine builds an engine for the link to remoteID. send delivers a local
// description to the remote side over signaling.
func NewEngine(selfID, remoteID string, pc PeerConn, send func(proto.SessionDescription) error) *Engine {
	return &Engine{
		remoteID: remoteID,
		polite:   Polite(selfID, remoteID),
		pc:       pc,
		send:     send,
	}
}

// Polite reports this side's politeness on the link.
func (e *Engine) Polite() bool { return e.polite }

// Closed reports whether the link was torn down. Continuations arriving
// after that must no-op.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Negotiate creates and sends a fresh offer. makingOffer is held across the
// whole attempt so a colliding remote offer during it is detected.
func (e *Engine) Negotiate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}

	e.makingOffer = true
	defer func() { e.makingOffer = false }()

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", e.remoteID, err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %s: %w", e.remoteID, err)
	}
	if err := e.send(toWire(offer)); err != nil {
		return fmt.Errorf("send offer to %s: %w", e.remoteID, err)
	}
	return nil
}

// HandleDescription applies a remote offer or answer per the glare rules.
// Ignored offers and stray answers are dropped silently; they are part of
// normal collision resolution, not errors.
func (e *Engine) HandleDescription(desc proto.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}

	switch desc.Type {
	case "offer":
		return e.handleOffer(desc)
	case "answer":
		return e.handleAnswer(desc)
	default:
		log.Debugw("dropping description with unknown type", "type", desc.Type, "remote", e.remoteID)
		return nil
	}
}

func (e *Engine) handleOffer(desc proto.SessionDescription) error {
	collision := e.makingOffer || e.pc.SignalingState() != webrtc.SignalingStateStable

	e.ignoreOffer = !e.polite && collision
	if e.ignoreOffer {
		log.Debugw("ignoring colliding offer", "remote", e.remoteID)
		return nil
	}

	if collision {
		// Polite side yields: discard the in-flight local offer first.
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := e.pc.SetLocalDescription(rollback); err != nil {
			return fmt.Errorf("rollback for %s: %w", e.remoteID, err)
		}
	}

	if err := e.pc.SetRemoteDescription(fromWire(desc)); err != nil {
		return fmt.Errorf("set remote offer from %s: %w", e.remoteID, err)
	}
	e.remoteSet = true

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", e.remoteID, err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %s: %w", e.remoteID, err)
	}
	if err := e.send(toWire(answer)); err != nil {
		return fmt.Errorf("send answer to %s: %w", e.remoteID, err)
	}

	e.flushPendingLocked()
	return nil
}

func (e *Engine) handleAnswer(desc proto.SessionDescription) error {
	// An answer ends any collision: the dropped remote offer is gone and the
	// surviving local offer is the one being answered, so candidates from
	// the remote flow again.
	e.ignoreOffer = false
	// A late or duplicate answer with no offer outstanding is dropped, not
	// an error.
	if e.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Debugw("dropping answer with no offer outstanding",
			"remote", e.remoteID, "state", e.pc.SignalingState())
		return nil
	}
	if err := e.pc.SetRemoteDescription(fromWire(desc)); err != nil {
		return fmt.Errorf("set remote answer from %s: %w", e.remoteID, err)
	}
	e.remoteSet = true
	e.flushPendingLocked()
	return nil
}

// HandleCandidate applies or queues a remote ICE candidate. A candidate
// never fails the link: before the remote description is set it queues, and
// an apply failure afterwards is logged and dropped.
func (e *Engine) HandleCandidate(cand proto.ICECandidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.ignoreOffer {
		return
	}
	if !e.remoteSet {
		e.pending = append(e.pending, cand)
		return
	}
	if err := e.pc.AddICECandidate(candidateInit(cand)); err != nil {
		log.Warnw("dropping bad candidate", "remote", e.remoteID, "err", err)
	}
}

func (e *Engine) flushPendingLocked() {
	for _, cand := range e.pending {
		if err := e.pc.AddICECandidate(candidateInit(cand)); err != nil {
			log.Warnw("dropping queued candidate", "remote", e.remoteID, "err", err)
		}
	}
	e.pending = nil
}

// PendingCandidates returns how many candidates are queued, for diagnostics.
func (e *Engine) PendingCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close tears the link down. Queued candidates are discarded and every later
// engine call becomes a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.pending = nil
	e.mu.Unlock()
	return e.pc.Close()
}
