package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callkit/internal/proto"
)

var log = logging.Logger("callkit/call")

var (
	// ErrBusy is returned when starting a call while one is already active.
	ErrBusy = errors.New("call already active")

	// ErrBadState is returned for operations invalid in the session's
	// current state, like accepting a call that is not ringing.
	ErrBadState = errors.New("invalid call state")
)

// ManagerOptions wires the manager into its surroundings.
type ManagerOptions struct {
	Self proto.Sender
	Send func(ctx context.Context, msg proto.Message) error

	// NewConns builds the per-session connection factory and its release
	// hook. Capture starts lazily inside the factory, so creating it for a
	// still-ringing incoming call costs nothing.
	NewConns func(kind proto.CallKind) (ConnFactory, func())

	// NewGateway joins the media relay room. Nil when running pure P2P.
	NewGateway func(ctx context.Context, callRoomID string) (StreamGateway, error)

	// RingTimeout cancels an unanswered outgoing call. Zero disables.
	RingTimeout time.Duration

	// Resolve maps a user id to display name and avatar from the local
	// contact directory. Optional; envelope presentation is the fallback.
	Resolve func(userID string) (name, avatar string)

	Hooks      Hooks
	OnIncoming func(s *Session)
	OnSummary  func(sum Summary)
}

// Manager owns the single active session and routes decoded signals to it.
// Invites that arrive while a call is active are dropped without a reply;
// the caller's ring timeout handles the rest.
type Manager struct {
	opts ManagerOptions

	mu     sync.Mutex
	active *Session
	closed bool
}

func NewManager(opts ManagerOptions) *Manager {
	return &Manager{opts: opts}
}

// Active returns the current session, nil when idle.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// StartCall rings a single remote user. The returned session is OUTGOING
// until the callee answers or rejects.
func (m *Manager) StartCall(ctx context.Context, roomID, remoteID string, kind proto.CallKind) (*Session, error) {
	if remoteID == "" || remoteID == m.opts.Self.UserID {
		return nil, errors.New("invalid callee")
	}

	conns, release := m.opts.NewConns(kind)
	if err := conns.Acquire(); err != nil {
		release()
		return nil, fmt.Errorf("acquire local media: %w", err)
	}
	s := newSession(sessionConfig{
		id:           uuid.NewString(),
		roomID:       roomID,
		kind:         kind,
		outgoing:     true,
		self:         m.opts.Self,
		remoteID:     remoteID,
		send:         m.opts.Send,
		conns:        conns,
		releaseMedia: release,
		resolve:      m.opts.Resolve,
		hooks:        m.hooks(),
	}, StateOutgoing)

	if err := m.install(s); err != nil {
		release()
		return nil, err
	}
	if err := s.startDirect(ctx); err != nil {
		s.end(OutcomeFailed)
		return nil, err
	}
	s.armRingTimer(m.opts.RingTimeout)
	log.Infow("outgoing call", "call", s.id, "to", remoteID, "kind", kind)
	return s, nil
}

// StartGroupCall invites participantIDs into a new call room and connects
// immediately.
func (m *Manager) StartGroupCall(ctx context.Context, roomID string, kind proto.CallKind, participantIDs []string) (*Session, error) {
	if len(participantIDs) == 0 {
		return nil, errors.New("no participants")
	}

	callRoomID := uuid.NewString()
	var gw StreamGateway
	if m.opts.NewGateway != nil {
		var err error
		gw, err = m.opts.NewGateway(ctx, callRoomID)
		if err != nil {
			log.Warnw("relay join failed, continuing without streams", "callRoom", callRoomID, "err", err)
			gw = nil
		}
	}

	conns, release := m.opts.NewConns(kind)
	if err := conns.Acquire(); err != nil {
		release()
		if gw != nil {
			gw.Release(ctx)
		}
		return nil, fmt.Errorf("acquire local media: %w", err)
	}
	s := newSession(sessionConfig{
		id:           uuid.NewString(),
		roomID:       roomID,
		callRoomID:   callRoomID,
		kind:         kind,
		group:        true,
		outgoing:     true,
		self:         m.opts.Self,
		send:         m.opts.Send,
		conns:        conns,
		sfu:          gw,
		releaseMedia: release,
		resolve:      m.opts.Resolve,
		hooks:        m.hooks(),
	}, StateOutgoing)

	if err := m.install(s); err != nil {
		release()
		if gw != nil {
			gw.Release(ctx)
		}
		return nil, err
	}
	if err := s.startGroup(ctx, participantIDs); err != nil {
		s.end(OutcomeFailed)
		return nil, err
	}
	log.Infow("group call started", "call", s.id, "callRoom", callRoomID, "invited", len(participantIDs))
	return s, nil
}

// install makes s the active session, enforcing the one-call-at-a-time
// invariant.
func (m *Manager) install(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("manager closed")
	}
	if m.active != nil && m.active.State() != StateEnded {
		return ErrBusy
	}
	m.active = s
	return nil
}

// hooks wraps the application hooks so the manager observes session end:
// it clears the active slot and reports the summary for history.
func (m *Manager) hooks() Hooks {
	h := m.opts.Hooks
	appEnded := h.OnEnded
	h.OnEnded = func(s *Session, sum Summary) {
		m.mu.Lock()
		if m.active == s {
			m.active = nil
		}
		m.mu.Unlock()
		if m.opts.OnSummary != nil {
			m.opts.OnSummary(sum)
		}
		if appEnded != nil {
			appEnded(s, sum)
		}
	}
	return h
}

// HandleDirect routes one decoded 1:1 dialect signal.
func (m *Manager) HandleDirect(sig proto.Signal) {
	m.mu.Lock()
	active := m.active
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	// Own traffic from another device of the same user: the only thing it
	// can mean for us is that a ringing call was settled over there.
	if sig.SenderID == m.opts.Self.UserID {
		m.settledElsewhere(active, sig.Action, sig.CallID, "")
		return
	}

	// Relay stream notices are keyed by the media room, not the session id,
	// so they match against every identifier the session has. A notice for
	// some earlier call's media room must not touch the live registry.
	if sig.Action == proto.ActionParticipantJoined || sig.Action == proto.ActionParticipantLeft {
		if active != nil && active.acceptsStream(sig) {
			active.handleDirect(sig)
		}
		return
	}

	if active != nil && !active.Group() && active.ID() == sig.CallID {
		active.handleDirect(sig)
		return
	}

	switch sig.Action {
	case proto.ActionInvite:
		m.incomingDirect(active, sig)
	case proto.ActionAnsweredElsewhere:
		if active != nil && !active.Group() && active.State() == StateIncoming {
			active.Dismiss()
		}
	default:
		// Stray signal for a call we no longer have.
		log.Debugw("dropping stray signal", "action", sig.Action, "call", sig.CallID)
	}
}

func (m *Manager) incomingDirect(active *Session, sig proto.Signal) {
	if active != nil && active.State() != StateEnded {
		// Busy: no reply, the caller's own timeout resolves it.
		log.Infow("ignoring invite while in a call", "from", sig.SenderID, "call", sig.CallID)
		return
	}

	conns, release := m.opts.NewConns(sig.Kind)
	s := newSession(sessionConfig{
		id:           sig.CallID,
		roomID:       sig.RoomID,
		kind:         sig.Kind,
		self:         m.opts.Self,
		remoteID:     sig.SenderID,
		send:         m.opts.Send,
		conns:        conns,
		releaseMedia: release,
		resolve:      m.opts.Resolve,
		hooks:        m.hooks(),
	}, StateIncoming)
	s.addPeer(sig.SenderID, sig.SenderName, sig.SenderAvatar, StatusConnecting)

	if err := m.install(s); err != nil {
		release()
		return
	}
	log.Infow("incoming call", "call", s.id, "from", sig.SenderID, "kind", sig.Kind)
	if m.opts.OnIncoming != nil {
		m.opts.OnIncoming(s)
	}
}

// HandleGroup routes one decoded group dialect signal.
func (m *Manager) HandleGroup(sig proto.Signal) {
	m.mu.Lock()
	active := m.active
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	if sig.SenderID == m.opts.Self.UserID {
		m.settledElsewhere(active, sig.Action, "", sig.CallRoomID)
		return
	}

	if active != nil && active.Group() && active.CallRoomID() == sig.CallRoomID {
		active.handleGroup(sig)
		return
	}

	switch sig.Action {
	case proto.ActionInvite:
		m.incomingGroup(active, sig)
	case proto.ActionJoin, proto.ActionOffer, proto.ActionAnswer,
		proto.ActionSyncState, proto.ActionParticipantJoined:
		// A group call is in progress in one of our rooms. Surface it so
		// the user can join even though the original invite never reached
		// this client.
		m.groupInProgress(active, sig)
	default:
		log.Debugw("dropping stray group signal", "action", sig.Action, "callRoom", sig.CallRoomID)
	}
}

func (m *Manager) groupInProgress(active *Session, sig proto.Signal) {
	if active != nil && active.State() != StateEnded {
		return
	}

	conns, release := m.opts.NewConns(sig.Kind)
	s := newSession(sessionConfig{
		id:           uuid.NewString(),
		roomID:       sig.RoomID,
		callRoomID:   sig.CallRoomID,
		kind:         sig.Kind,
		group:        true,
		self:         m.opts.Self,
		send:         m.opts.Send,
		conns:        conns,
		joinGateway:  m.gatewayJoiner(sig.CallRoomID),
		releaseMedia: release,
		resolve:      m.opts.Resolve,
		hooks:        m.hooks(),
	}, StateIncoming)
	s.addPeer(sig.SenderID, sig.SenderName, sig.SenderAvatar, StatusConnected)

	if err := m.install(s); err != nil {
		release()
		return
	}
	log.Infow("group call in progress", "call", s.id, "from", sig.SenderID, "callRoom", sig.CallRoomID)
	if m.opts.OnIncoming != nil {
		m.opts.OnIncoming(s)
	}
}

func (m *Manager) incomingGroup(active *Session, sig proto.Signal) {
	if active != nil && active.State() != StateEnded {
		log.Infow("ignoring group invite while in a call", "from", sig.SenderID, "callRoom", sig.CallRoomID)
		return
	}
	invited := false
	for _, id := range sig.ParticipantIDs {
		if id == m.opts.Self.UserID {
			invited = true
			break
		}
	}
	if !invited {
		return
	}

	conns, release := m.opts.NewConns(sig.Kind)
	s := newSession(sessionConfig{
		id:           uuid.NewString(),
		roomID:       sig.RoomID,
		callRoomID:   sig.CallRoomID,
		kind:         sig.Kind,
		group:        true,
		self:         m.opts.Self,
		send:         m.opts.Send,
		conns:        conns,
		joinGateway:  m.gatewayJoiner(sig.CallRoomID),
		releaseMedia: release,
		resolve:      m.opts.Resolve,
		hooks:        m.hooks(),
	}, StateIncoming)
	s.addPeer(sig.SenderID, sig.SenderName, sig.SenderAvatar, StatusConnected)
	for _, id := range sig.ParticipantIDs {
		if id == m.opts.Self.UserID || id == sig.SenderID {
			continue
		}
		s.addPeer(id, PlaceholderName, "", StatusConnecting)
	}

	if err := m.install(s); err != nil {
		release()
		return
	}
	log.Infow("incoming group call", "call", s.id, "from", sig.SenderID, "callRoom", sig.CallRoomID)
	if m.opts.OnIncoming != nil {
		m.opts.OnIncoming(s)
	}
}

func (m *Manager) gatewayJoiner(callRoomID string) func(ctx context.Context) (StreamGateway, error) {
	if m.opts.NewGateway == nil {
		return nil
	}
	return func(ctx context.Context) (StreamGateway, error) {
		return m.opts.NewGateway(ctx, callRoomID)
	}
}

// settledElsewhere dismisses a ringing call that another device of the same
// user answered, rejected or hung up.
func (m *Manager) settledElsewhere(active *Session, action proto.Action, callID, callRoomID string) {
	if active == nil || active.State() != StateIncoming {
		return
	}
	switch action {
	case proto.ActionAccepted, proto.ActionReject, proto.ActionHangup, proto.ActionJoin, proto.ActionLeave:
	default:
		return
	}
	if callID != "" && (active.Group() || active.ID() != callID) {
		return
	}
	if callRoomID != "" && (!active.Group() || active.CallRoomID() != callRoomID) {
		return
	}
	log.Infow("call settled on another device", "call", active.ID(), "action", action)
	active.Dismiss()
}

// Close hangs up any active call and refuses further work.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	active := m.active
	m.mu.Unlock()

	if active != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		active.Hangup(ctx)
		cancel()
	}
}
