package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/callkit/internal/negotiate"
	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/util"
)

// State is the session's position in its lifecycle. A session is created in
// StateOutgoing or StateIncoming and always ends in StateEnded; ended
// sessions are discarded, never revived.
type State string

const (
	StateOutgoing  State = "outgoing"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// Outcome classifies how a session ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeMissed    Outcome = "missed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ConnCallbacks are per-link events surfaced by the underlying connection.
type ConnCallbacks struct {
	OnCandidate func(proto.ICECandidate)
	OnConnected func()
	OnFailed    func()
}

// ConnFactory builds one peer connection per remote party. Acquire obtains
// local capture up front; its error aborts call establishment before any
// signaling goes out.
type ConnFactory interface {
	Acquire() error
	NewConn(remoteID string, cb ConnCallbacks) (negotiate.PeerConn, error)
}

// StreamGateway is the relay-mode stream state (SFU). Nil for P2P sessions.
type StreamGateway interface {
	UpdatePull(info proto.PullURLInfo)
	RemovePull(userID string)
	Release(ctx context.Context)
}

// Hooks surface session changes to the embedding application. All hooks are
// optional; they must return quickly and must not call back into the
// session. OnEnded fires exactly once per session.
type Hooks struct {
	OnState        func(s *Session, state State)
	OnParticipants func(s *Session)
	OnRemoteToggle func(s *Session, userID string, state proto.MediaState)
	OnNotice       func(s *Session, notice string)
	OnEnded        func(s *Session, sum Summary)
}

// Summary describes a finished session.
type Summary struct {
	CallID    string
	PeerID    string
	PeerName  string
	Kind      proto.CallKind
	Group     bool
	Outgoing  bool
	Outcome   Outcome
	StartedAt time.Time
	Duration  time.Duration
}

// Session is one call, 1:1 or group. A 1:1 session is simply a session whose
// registry holds a single participant and whose signaling uses the direct
// dialect. All mutation is serialized by the session mutex; asynchronous
// completions re-enter through methods that check the ended flag and no-op
// after teardown.
type Session struct {
	id         string
	roomID     string
	callRoomID string
	kind       proto.CallKind
	group      bool
	outgoing   bool
	self       proto.Sender
	remoteID   string

	send         func(context.Context, proto.Message) error
	conns        ConnFactory
	joinGateway  func(ctx context.Context) (StreamGateway, error)
	releaseMedia func()
	resolve      func(userID string) (name, avatar string)
	hooks        Hooks

	mu        sync.Mutex
	sfu       StreamGateway
	state     State
	links     map[string]*negotiate.Engine
	registry  *Registry
	local     proto.MediaState
	minimized bool
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	ringTimer *time.Timer
	outcome   Outcome
}

// sessionConfig is everything the manager wires into a new session.
type sessionConfig struct {
	id         string
	roomID     string
	callRoomID string
	kind       proto.CallKind
	group      bool
	outgoing   bool
	self       proto.Sender
	remoteID   string

	send         func(context.Context, proto.Message) error
	conns        ConnFactory
	sfu          StreamGateway
	joinGateway  func(ctx context.Context) (StreamGateway, error)
	releaseMedia func()
	resolve      func(userID string) (name, avatar string)
	hooks        Hooks
}

func newSession(cfg sessionConfig, initial State) *Session {
	return &Session{
		id:           cfg.id,
		roomID:       cfg.roomID,
		callRoomID:   cfg.callRoomID,
		kind:         cfg.kind,
		group:        cfg.group,
		outgoing:     cfg.outgoing,
		self:         cfg.self,
		remoteID:     cfg.remoteID,
		send:         cfg.send,
		conns:        cfg.conns,
		sfu:          cfg.sfu,
		joinGateway:  cfg.joinGateway,
		releaseMedia: cfg.releaseMedia,
		resolve:      cfg.resolve,
		hooks:        cfg.hooks,
		state:        initial,
		links:        make(map[string]*negotiate.Engine),
		registry:     NewRegistry(),
		createdAt:    time.Now(),
	}
}

// ID returns the call id.
func (s *Session) ID() string { return s.id }

// RoomID returns the chat room carrying the signaling.
func (s *Session) RoomID() string { return s.roomID }

// CallRoomID returns the group call room id, or "" for a 1:1 session.
func (s *Session) CallRoomID() string { return s.callRoomID }

// Kind reports audio or video.
func (s *Session) Kind() proto.CallKind { return s.kind }

// Group reports whether this is a multi-party session.
func (s *Session) Group() bool { return s.group }

// Outgoing reports whether the local party initiated the call.
func (s *Session) Outgoing() bool { return s.outgoing }

// RemoteID returns the 1:1 peer id, or "" for a group session.
func (s *Session) RemoteID() string { return s.remoteID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Participants returns a display-ordered snapshot of the registry.
func (s *Session) Participants() []Participant {
	return s.registry.Snapshot()
}

// LocalMedia returns the local muted/camera-off flags.
func (s *Session) LocalMedia() proto.MediaState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Minimized reports whether the UI has shrunk the call to a floating widget.
func (s *Session) Minimized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minimized
}

// SetMinimized records the UI's minimized flag.
func (s *Session) SetMinimized(v bool) {
	s.mu.Lock()
	s.minimized = v
	s.mu.Unlock()
}

// addPeer registers a remote party, preferring the local directory over
// whatever presentation the envelope carried.
func (s *Session) addPeer(userID, name, avatar string, status Status) {
	if s.resolve != nil {
		if n, a := s.resolve(userID); n != "" {
			name, avatar = n, a
		}
	}
	s.registry.Add(userID, name, avatar, status)
}

func (s *Session) gateway() StreamGateway {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sfu
}

// Duration returns elapsed connected time, zero before the call connects.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

// setState transitions and fires the state hook. Caller holds the lock.
func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	if st == StateConnected && s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	if s.hooks.OnState != nil {
		go s.hooks.OnState(s, st)
	}
}

// armRingTimer ends an unanswered outgoing call after d. Zero disables.
func (s *Session) armRingTimer(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOutgoing {
		return
	}
	s.ringTimer = time.AfterFunc(d, s.ringExpired)
}

func (s *Session) ringExpired() {
	s.mu.Lock()
	if s.state != StateOutgoing {
		s.mu.Unlock()
		return
	}
	log.Infow("ring timeout, cancelling call", "call", s.id)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	s.sendHangup(ctx)
	s.end(OutcomeCancelled)
}

// ── Outbound operations ──────────────────────────────────────────────

// startDirect sends the 1:1 invite. The session stays OUTGOING until the
// callee answers or rejects.
func (s *Session) startDirect(ctx context.Context) error {
	s.addPeer(s.remoteID, "", "", StatusConnecting)
	msg, err := proto.DirectSignal(s.self, s.roomID, s.id, s.remoteID, proto.ActionInvite, s.kind, nil)
	if err != nil {
		return err
	}
	return s.send(ctx, msg)
}

// startGroup fans the invite out and connects immediately: the initiator is
// "in the call" from the start, with every invitee CONNECTING under a
// placeholder name until they join.
func (s *Session) startGroup(ctx context.Context, participantIDs []string) error {
	for _, id := range participantIDs {
		if id == s.self.UserID {
			continue
		}
		s.addPeer(id, PlaceholderName, "", StatusConnecting)
	}

	msg, err := proto.GroupSignal(s.self, s.roomID, proto.Payload{
		Action:         proto.ActionInvite,
		CallRoomID:     s.callRoomID,
		ParticipantIDs: participantIDs,
		Type:           s.kind,
	})
	if err != nil {
		return err
	}
	if err := s.send(ctx, msg); err != nil {
		return err
	}

	s.mu.Lock()
	s.setStateLocked(StateConnected)
	s.mu.Unlock()
	s.participantsChanged()
	return nil
}

// Accept answers an incoming call. For a 1:1 call it sends accepted and
// waits for the caller's offer; for a group call it announces join, after
// which existing members offer to us.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIncoming {
		s.mu.Unlock()
		return ErrBadState
	}
	s.mu.Unlock()

	// Media comes up before anything is signaled: a dead camera or a denied
	// permission aborts the accept while the call keeps ringing.
	if err := s.conns.Acquire(); err != nil {
		return fmt.Errorf("acquire local media: %w", err)
	}

	s.mu.Lock()
	if s.state != StateIncoming {
		s.mu.Unlock()
		return ErrBadState
	}
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	var msg proto.Message
	var err error
	if s.group {
		if s.joinGateway != nil {
			gw, gwErr := s.joinGateway(ctx)
			if gwErr != nil {
				log.Warnw("relay join failed, continuing without streams", "call", s.id, "err", gwErr)
				if s.hooks.OnNotice != nil {
					go s.hooks.OnNotice(s, "media relay unavailable")
				}
			}
			s.mu.Lock()
			s.sfu = gw
			s.mu.Unlock()
		}
		msg, err = proto.GroupSignal(s.self, s.roomID, proto.Payload{
			Action:     proto.ActionJoin,
			CallRoomID: s.callRoomID,
		})
	} else {
		msg, err = proto.DirectSignal(s.self, s.roomID, s.id, s.remoteID, proto.ActionAccepted, s.kind, nil)
	}
	if err != nil {
		return err
	}
	return s.send(ctx, msg)
}

// Reject declines an incoming call and ends the session.
func (s *Session) Reject(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIncoming {
		s.mu.Unlock()
		return ErrBadState
	}
	s.mu.Unlock()

	var msg proto.Message
	var err error
	if s.group {
		msg, err = proto.GroupSignal(s.self, s.roomID, proto.Payload{
			Action:     proto.ActionReject,
			CallRoomID: s.callRoomID,
		})
	} else {
		msg, err = proto.DirectSignal(s.self, s.roomID, s.id, s.remoteID, proto.ActionReject, s.kind, nil)
	}
	if err == nil {
		err = s.send(ctx, msg)
	}
	s.end(OutcomeRejected)
	return err
}

// Hangup leaves the call and ends the session. Idempotent.
func (s *Session) Hangup(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	connected := s.state == StateConnected
	s.mu.Unlock()

	s.sendHangup(ctx)
	if connected {
		s.end(OutcomeCompleted)
	} else {
		s.end(OutcomeCancelled)
	}
}

func (s *Session) sendHangup(ctx context.Context) {
	var msg proto.Message
	var err error
	if s.group {
		msg, err = proto.GroupSignal(s.self, s.roomID, proto.Payload{
			Action:     proto.ActionLeave,
			CallRoomID: s.callRoomID,
		})
	} else {
		msg, err = proto.DirectSignal(s.self, s.roomID, s.id, s.remoteID, proto.ActionHangup, s.kind, nil)
	}
	if err == nil {
		err = s.send(ctx, msg)
	}
	if err != nil {
		log.Warnw("sending hangup failed", "call", s.id, "err", err)
	}
}

// ToggleMic flips the local mute flag and tells the other side. Returns the
// new muted state.
func (s *Session) ToggleMic(ctx context.Context) bool {
	s.mu.Lock()
	s.local.Muted = !s.local.Muted
	state := s.local
	s.mu.Unlock()
	s.syncState(ctx, "mic-toggle", state.Muted, state)
	return state.Muted
}

// ToggleCam flips the local camera-off flag and tells the other side.
// Returns the new camera-off state.
func (s *Session) ToggleCam(ctx context.Context) bool {
	s.mu.Lock()
	s.local.CamOff = !s.local.CamOff
	state := s.local
	s.mu.Unlock()
	s.syncState(ctx, "cam-toggle", state.CamOff, state)
	return state.CamOff
}

func (s *Session) syncState(ctx context.Context, action string, value bool, state proto.MediaState) {
	var msg proto.Message
	var err error
	if s.group {
		msg, err = proto.GroupSignal(s.self, s.roomID, proto.Payload{
			Action:     proto.ActionSyncState,
			CallRoomID: s.callRoomID,
			State:      &state,
		})
	} else {
		msg, err = proto.DirectSignal(s.self, s.roomID, s.id, s.remoteID,
			proto.ActionSyncState, s.kind, proto.ToggleSync{Action: action, Value: value})
	}
	if err == nil {
		err = s.send(ctx, msg)
	}
	if err != nil {
		log.Warnw("sync state send failed", "call", s.id, "err", err)
	}
}

// ── Inbound signal handling ──────────────────────────────────────────

// handleDirect processes a 1:1 dialect signal already routed to this session.
func (s *Session) handleDirect(sig proto.Signal) {
	if s.State() == StateEnded {
		return
	}

	switch sig.Action {
	case proto.ActionAccepted:
		s.remoteAccepted()
	case proto.ActionOffer, proto.ActionAnswer:
		if sig.Description == nil {
			return
		}
		link, err := s.linkFor(s.remoteID)
		if err != nil {
			log.Errorw("peer link creation failed", "call", s.id, "err", err)
			s.end(OutcomeFailed)
			return
		}
		if err := link.HandleDescription(*sig.Description); err != nil {
			log.Errorw("applying description failed", "call", s.id, "err", err)
		}
	case proto.ActionCandidate:
		if sig.Candidate == nil {
			return
		}
		link, err := s.linkFor(s.remoteID)
		if err != nil {
			return
		}
		link.HandleCandidate(*sig.Candidate)
	case proto.ActionSyncState:
		if sig.Toggle == nil {
			return
		}
		s.remoteToggle(sig.Toggle)
	case proto.ActionParticipantJoined:
		s.streamJoined(sig.Stream)
	case proto.ActionParticipantLeft:
		s.streamLeft(sig.Stream)
	case proto.ActionReject:
		s.end(OutcomeRejected)
	case proto.ActionHangup, proto.ActionEnded, proto.ActionLeave:
		s.remoteHangup()
	case proto.ActionAnsweredElsewhere:
		s.Dismiss()
	}
}

// remoteAccepted moves an outgoing call to connected and opens negotiation:
// the caller makes the first offer.
func (s *Session) remoteAccepted() {
	s.mu.Lock()
	if !s.outgoing || s.state != StateOutgoing {
		s.mu.Unlock()
		return
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	s.registry.UpdateStatus(s.remoteID, StatusConnected)
	s.participantsChanged()

	link, err := s.linkFor(s.remoteID)
	if err != nil {
		log.Errorw("peer link creation failed", "call", s.id, "err", err)
		s.end(OutcomeFailed)
		return
	}
	if err := link.Negotiate(); err != nil {
		log.Errorw("initial offer failed", "call", s.id, "err", err)
		s.end(OutcomeFailed)
	}
}

func (s *Session) remoteToggle(t *proto.ToggleSync) {
	p, ok := s.registry.Get(s.remoteID)
	if !ok {
		return
	}
	state := p.Media
	switch t.Action {
	case "mic-toggle":
		state.Muted = t.Value
	case "cam-toggle":
		state.CamOff = t.Value
	default:
		return
	}
	s.registry.UpdateMediaFlags(s.remoteID, state)
	if s.hooks.OnRemoteToggle != nil {
		go s.hooks.OnRemoteToggle(s, s.remoteID, state)
	}
}

func (s *Session) streamJoined(n *proto.StreamNotice) {
	if n == nil || n.UserID == "" || n.UserID == s.self.UserID {
		return
	}
	s.addPeer(n.UserID, n.UserName, n.UserAvatar, StatusConnected)
	s.registry.UpdateStream(n.UserID, n.PullURL, n.FLVURL)
	if gw := s.gateway(); gw != nil {
		gw.UpdatePull(proto.PullURLInfo{UserID: n.UserID, URL: n.PullURL, FLVURL: n.FLVURL})
	}
	s.participantsChanged()
}

func (s *Session) streamLeft(n *proto.StreamNotice) {
	if n == nil || n.UserID == "" {
		return
	}
	s.registry.Remove(n.UserID)
	if gw := s.gateway(); gw != nil {
		gw.RemovePull(n.UserID)
	}
	s.participantsChanged()
}

// acceptsStream reports whether a relay stream notice belongs to this
// session. The server keys notices by the media room; a notice carrying no
// key at all is accepted for it.
func (s *Session) acceptsStream(sig proto.Signal) bool {
	if sig.RoomID == "" && sig.CallID == "" {
		return true
	}
	if sig.RoomID != "" && (sig.RoomID == s.roomID || sig.RoomID == s.callRoomID) {
		return true
	}
	return sig.CallID != "" && (sig.CallID == s.id || sig.CallID == s.callRoomID)
}

func (s *Session) remoteHangup() {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st {
	case StateConnected:
		s.end(OutcomeCompleted)
	case StateIncoming:
		s.end(OutcomeMissed)
	default:
		s.end(OutcomeCancelled)
	}
}

// handleGroup processes a group dialect signal already routed to this
// session.
func (s *Session) handleGroup(sig proto.Signal) {
	if s.State() == StateEnded {
		return
	}

	switch sig.Action {
	case proto.ActionJoin:
		s.peerJoined(sig)
	case proto.ActionOffer, proto.ActionAnswer:
		if sig.TargetID != s.self.UserID || sig.Description == nil {
			return
		}
		// An offer from a sender we have not seen is a late-join peer.
		if _, ok := s.registry.Get(sig.SenderID); !ok {
			s.addPeer(sig.SenderID, sig.SenderName, sig.SenderAvatar, StatusConnecting)
			s.participantsChanged()
		}
		link, err := s.linkFor(sig.SenderID)
		if err != nil {
			log.Errorw("peer link creation failed", "call", s.id, "peer", sig.SenderID, "err", err)
			return
		}
		if err := link.HandleDescription(*sig.Description); err != nil {
			log.Errorw("applying description failed", "call", s.id, "peer", sig.SenderID, "err", err)
		}
	case proto.ActionCandidate:
		if sig.TargetID != s.self.UserID || sig.Candidate == nil {
			return
		}
		link, err := s.linkFor(sig.SenderID)
		if err != nil {
			return
		}
		link.HandleCandidate(*sig.Candidate)
	case proto.ActionSyncState:
		if sig.State != nil {
			s.registry.UpdateMediaFlags(sig.SenderID, *sig.State)
			if s.hooks.OnRemoteToggle != nil {
				go s.hooks.OnRemoteToggle(s, sig.SenderID, *sig.State)
			}
		}
	case proto.ActionLeave, proto.ActionReject:
		s.peerLeft(sig.SenderID, sig.Action == proto.ActionReject)
	case proto.ActionEnded:
		s.remoteHangup()
	}
}

// peerJoined adds the joiner and opens negotiation toward them: members
// already in the call offer to the newcomer.
func (s *Session) peerJoined(sig proto.Signal) {
	if sig.SenderID == "" || sig.SenderID == s.self.UserID {
		return
	}
	s.addPeer(sig.SenderID, sig.SenderName, sig.SenderAvatar, StatusConnecting)
	s.participantsChanged()

	if s.gateway() != nil {
		// Relay mode: no peer link, the joiner's stream arrives via a
		// participant_joined notice with a pull url.
		return
	}
	if s.State() != StateConnected {
		// Still ringing ourselves; the joiner offers to us once we join.
		return
	}
	link, err := s.linkFor(sig.SenderID)
	if err != nil {
		log.Errorw("peer link creation failed", "call", s.id, "peer", sig.SenderID, "err", err)
		return
	}
	if err := link.Negotiate(); err != nil {
		log.Errorw("offer to joiner failed", "call", s.id, "peer", sig.SenderID, "err", err)
	}
}

// peerLeft removes one participant. A group session with nobody left in it
// ends; a 1:1-style removal of the last peer behaves the same way.
func (s *Session) peerLeft(userID string, rejected bool) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	if link, ok := s.links[userID]; ok {
		delete(s.links, userID)
		_ = link.Close()
	}
	s.mu.Unlock()

	if rejected {
		s.registry.UpdateStatus(userID, StatusRejected)
		s.registry.Remove(userID)
	} else {
		s.registry.Remove(userID)
	}
	if gw := s.gateway(); gw != nil {
		gw.RemovePull(userID)
	}
	s.participantsChanged()

	if s.registry.Len() == 0 {
		if s.State() == StateConnected {
			s.end(OutcomeCompleted)
		} else {
			s.end(OutcomeMissed)
		}
	}
}

// ── Peer links ───────────────────────────────────────────────────────

// linkFor returns the negotiation engine for remoteID, creating the
// connection lazily on first need.
func (s *Session) linkFor(remoteID string) (*negotiate.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link, ok := s.links[remoteID]; ok {
		return link, nil
	}

	pc, err := s.conns.NewConn(remoteID, ConnCallbacks{
		OnCandidate: func(c proto.ICECandidate) { s.sendCandidate(remoteID, c) },
		OnConnected: func() { s.peerConnected(remoteID) },
		OnFailed:    func() { s.peerFailed(remoteID) },
	})
	if err != nil {
		return nil, err
	}

	link := negotiate.NewEngine(s.self.UserID, remoteID, pc, func(d proto.SessionDescription) error {
		return s.sendDescription(remoteID, d)
	})
	s.links[remoteID] = link
	return link, nil
}

func (s *Session) sendDescription(remoteID string, d proto.SessionDescription) error {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()

	action := proto.ActionOffer
	if d.Type == "answer" {
		action = proto.ActionAnswer
	}

	var msg proto.Message
	var err error
	if s.group {
		var body proto.RawBody
		body, err = proto.MarshalBody(d)
		if err == nil {
			msg, err = proto.GroupSignal(s.self, s.roomID, proto.Payload{
				Action:     action,
				CallRoomID: s.callRoomID,
				TargetID:   remoteID,
				Data:       body,
			})
		}
	} else {
		msg, err = proto.DirectSignal(s.self, s.roomID, s.id, remoteID, action, s.kind, d)
	}
	if err != nil {
		return err
	}
	return s.send(ctx, msg)
}

func (s *Session) sendCandidate(remoteID string, c proto.ICECandidate) {
	if s.State() == StateEnded {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()

	var msg proto.Message
	var err error
	if s.group {
		var body proto.RawBody
		body, err = proto.MarshalBody(c)
		if err == nil {
			msg, err = proto.GroupSignal(s.self, s.roomID, proto.Payload{
				Action:     proto.ActionCandidate,
				CallRoomID: s.callRoomID,
				TargetID:   remoteID,
				Data:       body,
			})
		}
	} else {
		msg, err = proto.DirectSignal(s.self, s.roomID, s.id, remoteID, proto.ActionCandidate, s.kind, c)
	}
	if err == nil {
		err = s.send(ctx, msg)
	}
	if err != nil {
		log.Warnw("sending candidate failed", "call", s.id, "peer", remoteID, "err", err)
	}
}

func (s *Session) peerConnected(remoteID string) {
	if s.State() == StateEnded {
		return
	}
	s.registry.UpdateStatus(remoteID, StatusConnected)
	s.participantsChanged()
}

// peerFailed marks one peer failed. In a 1:1 session that ends the call; in
// a group session only the one participant degrades.
func (s *Session) peerFailed(remoteID string) {
	if s.State() == StateEnded {
		return
	}
	log.Warnw("peer connection failed", "call", s.id, "peer", remoteID)
	s.registry.UpdateStatus(remoteID, StatusFailed)
	s.participantsChanged()
	if !s.group {
		s.end(OutcomeFailed)
	}
}

func (s *Session) participantsChanged() {
	if s.hooks.OnParticipants != nil {
		go s.hooks.OnParticipants(s)
	}
}

// ── Teardown ─────────────────────────────────────────────────────────

// Dismiss ends the session without sending anything, for calls answered or
// settled on another device of the same user.
func (s *Session) Dismiss() {
	s.end(OutcomeMissed)
}

// end moves to ENDED exactly once: closes every peer link, releases capture,
// leaves the relay room and reports the summary. Safe to call from any
// state; later calls are no-ops.
func (s *Session) end(outcome Outcome) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	s.endedAt = time.Now()
	s.outcome = outcome
	links := s.links
	s.links = make(map[string]*negotiate.Engine)
	gw := s.sfu
	s.setStateLocked(StateEnded)
	s.mu.Unlock()

	for id, link := range links {
		if err := link.Close(); err != nil {
			log.Warnw("closing peer link failed", "call", s.id, "peer", id, "err", err)
		}
	}
	if s.releaseMedia != nil {
		s.releaseMedia()
	}
	if gw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		gw.Release(ctx)
		cancel()
	}

	sum := s.summary()
	log.Infow("call ended", "call", s.id, "outcome", outcome, "duration", sum.Duration)
	if s.hooks.OnEnded != nil {
		s.hooks.OnEnded(s, sum)
	}
}

func (s *Session) summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	peerID := s.remoteID
	peerName := ""
	if p, ok := s.registry.Get(peerID); ok {
		peerName = p.Name
	}
	if s.group {
		peerID = s.callRoomID
	}
	var dur time.Duration
	if !s.startedAt.IsZero() {
		dur = s.endedAt.Sub(s.startedAt)
	}
	return Summary{
		CallID:    s.id,
		PeerID:    peerID,
		PeerName:  peerName,
		Kind:      s.kind,
		Group:     s.group,
		Outgoing:  s.outgoing,
		Outcome:   s.outcome,
		StartedAt: s.startedAt,
		Duration:  dur,
	}
}
