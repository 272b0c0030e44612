package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/negotiate"
	"github.com/petervdpas/callkit/internal/proto"
)

// fakeConn is a signaling-state machine standing in for a real peer
// connection: it follows the JSEP transitions the engine relies on without
// any network or media.
type fakeConn struct {
	mu     sync.Mutex
	state  webrtc.SignalingState
	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription
	cands  []webrtc.ICECandidateInit
	offers int
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: webrtc.SignalingStateStable}
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *fakeConn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *fakeConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer-%d", c.offers),
	}, nil
}

func (c *fakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("no remote description")
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "answer-to-" + c.remote.SDP,
	}, nil
}

func (c *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		c.local = &d
		c.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		c.local = &d
		c.state = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		c.local = nil
		c.state = webrtc.SignalingStateStable
	}
	return nil
}

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = &d
	if d.Type == webrtc.SDPTypeOffer {
		c.state = webrtc.SignalingStateHaveRemoteOffer
	} else {
		c.state = webrtc.SignalingStateStable
	}
	return nil
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cands = append(c.cands, cand)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeFactory hands out fakeConns and remembers them per remote id so tests
// can poke the per-link callbacks.
type fakeFactory struct {
	mu         sync.Mutex
	conns      map[string]*fakeConn
	cbs        map[string]ConnCallbacks
	releases   int
	acquireErr error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		conns: make(map[string]*fakeConn),
		cbs:   make(map[string]ConnCallbacks),
	}
}

func (f *fakeFactory) Acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquireErr
}

func (f *fakeFactory) NewConn(remoteID string, cb ConnCallbacks) (negotiate.PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeConn()
	f.conns[remoteID] = c
	f.cbs[remoteID] = cb
	return c, nil
}

func (f *fakeFactory) conn(remoteID string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[remoteID]
}

func (f *fakeFactory) release() {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
}

type fakeGateway struct {
	mu       sync.Mutex
	pulls    map[string]proto.PullURLInfo
	released int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{pulls: make(map[string]proto.PullURLInfo)}
}

func (g *fakeGateway) UpdatePull(info proto.PullURLInfo) {
	g.mu.Lock()
	g.pulls[info.UserID] = info
	g.mu.Unlock()
}

func (g *fakeGateway) RemovePull(userID string) {
	g.mu.Lock()
	delete(g.pulls, userID)
	g.mu.Unlock()
}

func (g *fakeGateway) Release(context.Context) {
	g.mu.Lock()
	g.released++
	g.mu.Unlock()
}

// node is one user on the test fabric: a manager plus everything it observed.
type node struct {
	id      string
	mgr     *Manager
	factory *fakeFactory

	mu        sync.Mutex
	incoming  []*Session
	summaries []Summary
}

func (n *node) lastIncoming(t *testing.T) *Session {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.incoming) == 0 {
		t.Fatal("no incoming session")
	}
	return n.incoming[len(n.incoming)-1]
}

func (n *node) lastSummary(t *testing.T) Summary {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.summaries) == 0 {
		t.Fatal("no call summary recorded")
	}
	return n.summaries[len(n.summaries)-1]
}

// fabric delivers every sent message to every other node, in order, when
// pumped. Decode failures drop the message like the live adapter does.
type fabric struct {
	mu    sync.Mutex
	queue []proto.Message
	nodes []*node
	sent  map[string]int
}

func newFabric() *fabric {
	return &fabric{sent: make(map[string]int)}
}

func (f *fabric) node(id string, opts func(*ManagerOptions)) *node {
	n := &node{id: id, factory: newFakeFactory()}
	mo := ManagerOptions{
		Self: proto.Sender{UserID: id, Name: "user " + id, ClientID: "client-" + id},
		Send: func(_ context.Context, msg proto.Message) error {
			f.mu.Lock()
			f.queue = append(f.queue, msg)
			f.sent[msg.SenderUserID]++
			f.mu.Unlock()
			return nil
		},
		NewConns: func(proto.CallKind) (ConnFactory, func()) {
			return n.factory, n.factory.release
		},
		OnIncoming: func(s *Session) {
			n.mu.Lock()
			n.incoming = append(n.incoming, s)
			n.mu.Unlock()
		},
		OnSummary: func(sum Summary) {
			n.mu.Lock()
			n.summaries = append(n.summaries, sum)
			n.mu.Unlock()
		},
	}
	if opts != nil {
		opts(&mo)
	}
	n.mgr = NewManager(mo)
	f.mu.Lock()
	f.nodes = append(f.nodes, n)
	f.mu.Unlock()
	return n
}

func (f *fabric) pump() {
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			return
		}
		msg := f.queue[0]
		f.queue = f.queue[1:]
		nodes := append([]*node(nil), f.nodes...)
		f.mu.Unlock()

		sig, err := proto.Decode(msg)
		if err != nil {
			continue
		}
		for _, n := range nodes {
			if n.id == msg.SenderUserID {
				continue
			}
			if msg.ReceiverUserID != "" && msg.ReceiverUserID != n.id {
				continue
			}
			if sig.Family == proto.FamilyGroup {
				n.mgr.HandleGroup(sig)
			} else {
				n.mgr.HandleDirect(sig)
			}
		}
	}
}

func (f *fabric) sentBy(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[id]
}

func TestDirectCallFlow(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", nil)
	bob := f.node("bob", nil)

	s, err := alice.mgr.StartCall(ctx, "room-1", "bob", proto.KindVideo)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if s.State() != StateOutgoing {
		t.Fatalf("caller state = %v, want outgoing", s.State())
	}
	f.pump()

	in := bob.lastIncoming(t)
	if in.State() != StateIncoming {
		t.Fatalf("callee state = %v, want incoming", in.State())
	}
	if in.ID() != s.ID() {
		t.Fatalf("call id mismatch: %q vs %q", in.ID(), s.ID())
	}
	if got := in.Participants(); len(got) != 1 || got[0].UserID != "alice" {
		t.Fatalf("callee registry = %+v, want just alice", got)
	}

	if err := in.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.pump()

	if s.State() != StateConnected {
		t.Fatalf("caller state = %v, want connected", s.State())
	}
	if in.State() != StateConnected {
		t.Fatalf("callee state = %v, want connected", in.State())
	}

	// The caller offered, the callee answered, both ended stable.
	ac := alice.factory.conn("bob")
	bc := bob.factory.conn("alice")
	if ac == nil || bc == nil {
		t.Fatal("peer connections were not created")
	}
	if ac.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("caller signaling state = %v", ac.SignalingState())
	}
	if bc.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("callee signaling state = %v", bc.SignalingState())
	}
	if bc.RemoteDescription() == nil || bc.RemoteDescription().Type != webrtc.SDPTypeOffer {
		t.Fatal("callee never saw the caller's offer")
	}

	s.Hangup(ctx)
	f.pump()

	if in.State() != StateEnded {
		t.Fatalf("callee state after hangup = %v, want ended", in.State())
	}
	if got := alice.lastSummary(t).Outcome; got != OutcomeCompleted {
		t.Fatalf("caller outcome = %v, want completed", got)
	}
	if got := bob.lastSummary(t).Outcome; got != OutcomeCompleted {
		t.Fatalf("callee outcome = %v, want completed", got)
	}
	if alice.factory.releases != 1 || bob.factory.releases != 1 {
		t.Fatalf("media released %d/%d times, want 1/1", alice.factory.releases, bob.factory.releases)
	}
	if !ac.closed || !bc.closed {
		t.Fatal("peer connections not closed on hangup")
	}
	if alice.mgr.Active() != nil || bob.mgr.Active() != nil {
		t.Fatal("managers still hold an active session")
	}
}

func TestDirectReject(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", nil)
	bob := f.node("bob", nil)

	s, err := alice.mgr.StartCall(ctx, "room-1", "bob", proto.KindAudio)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.pump()

	if err := bob.lastIncoming(t).Reject(ctx); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	f.pump()

	if s.State() != StateEnded {
		t.Fatalf("caller state = %v, want ended", s.State())
	}
	if got := alice.lastSummary(t).Outcome; got != OutcomeRejected {
		t.Fatalf("caller outcome = %v, want rejected", got)
	}
	if got := bob.lastSummary(t).Outcome; got != OutcomeRejected {
		t.Fatalf("callee outcome = %v, want rejected", got)
	}
}

func TestBusyInviteIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", nil)
	bob := f.node("bob", nil)
	carol := f.node("carol", nil)

	if _, err := alice.mgr.StartCall(ctx, "room-1", "bob", proto.KindAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.pump()
	bobSession := bob.lastIncoming(t)
	if err := bobSession.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.pump()

	before := f.sentBy("bob")
	cs, err := carol.mgr.StartCall(ctx, "room-2", "bob", proto.KindAudio)
	if err != nil {
		t.Fatalf("carol StartCall: %v", err)
	}
	f.pump()

	// Busy callee: no reply of any kind, the first call untouched.
	if got := f.sentBy("bob"); got != before {
		t.Fatalf("busy callee sent %d messages", got-before)
	}
	if bob.mgr.Active() != bobSession {
		t.Fatal("busy invite displaced the active session")
	}
	if len(bob.incoming) != 1 {
		t.Fatalf("incoming fired %d times, want 1", len(bob.incoming))
	}
	if cs.State() != StateOutgoing {
		t.Fatalf("second caller state = %v, want still outgoing", cs.State())
	}

	// A new call can start once the first one is over.
	bobSession.Hangup(ctx)
	f.pump()
	if _, err := carol.mgr.StartCall(ctx, "room-2", "bob", proto.KindAudio); err != nil {
		t.Fatalf("StartCall while other caller idle: %v", err)
	}
}

func TestStartWhileBusy(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", nil)
	f.node("bob", nil)

	if _, err := alice.mgr.StartCall(ctx, "room-1", "bob", proto.KindAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if _, err := alice.mgr.StartCall(ctx, "room-1", "carol", proto.KindAudio); err != ErrBusy {
		t.Fatalf("second StartCall err = %v, want ErrBusy", err)
	}
}

func TestRingTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", func(mo *ManagerOptions) {
		mo.RingTimeout = 30 * time.Millisecond
	})

	s, err := alice.mgr.StartCall(ctx, "room-1", "bob", proto.KindAudio)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for s.State() != StateEnded {
		select {
		case <-deadline:
			t.Fatal("ring timeout never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := alice.lastSummary(t).Outcome; got != OutcomeCancelled {
		t.Fatalf("outcome = %v, want cancelled", got)
	}
	if alice.mgr.Active() != nil {
		t.Fatal("manager still holds the timed-out session")
	}
}

func TestAnsweredElsewhere(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", nil)
	bob := f.node("bob", nil)

	s, err := alice.mgr.StartCall(ctx, "room-1", "bob", proto.KindAudio)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.pump()
	in := bob.lastIncoming(t)

	// Bob's other device answers: the accepted signal arrives with bob's
	// own user id but a different client id.
	otherDevice := proto.Sender{UserID: "bob", ClientID: "client-bob-tablet"}
	msg, err := proto.DirectSignal(otherDevice, "room-1", s.ID(), "alice", proto.ActionAccepted, proto.KindAudio, nil)
	if err != nil {
		t.Fatalf("DirectSignal: %v", err)
	}
	sig, err := proto.Decode(msg)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	before := f.sentBy("bob")
	bob.mgr.HandleDirect(sig)

	if in.State() != StateEnded {
		t.Fatalf("state = %v, want ended after answer elsewhere", in.State())
	}
	if got := bob.lastSummary(t).Outcome; got != OutcomeMissed {
		t.Fatalf("outcome = %v, want missed", got)
	}
	if got := f.sentBy("bob"); got != before {
		t.Fatal("dismissal sent signaling traffic")
	}
}

func TestSyncStateToggles(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", nil)
	bob := f.node("bob", nil)

	s, err := alice.mgr.StartCall(ctx, "room-1", "bob", proto.KindVideo)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.pump()
	in := bob.lastIncoming(t)
	if err := in.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.pump()

	if muted := s.ToggleMic(ctx); !muted {
		t.Fatal("ToggleMic: want muted after first toggle")
	}
	f.pump()
	p, ok := in.registry.Get("alice")
	if !ok || !p.Media.Muted {
		t.Fatalf("callee view of caller = %+v, want muted", p)
	}

	if off := s.ToggleCam(ctx); !off {
		t.Fatal("ToggleCam: want camera off after first toggle")
	}
	f.pump()
	p, _ = in.registry.Get("alice")
	if !p.Media.CamOff {
		t.Fatalf("callee view of caller = %+v, want camera off", p)
	}

	if muted := s.ToggleMic(ctx); muted {
		t.Fatal("second ToggleMic: want unmuted")
	}
	f.pump()
	p, _ = in.registry.Get("alice")
	if p.Media.Muted {
		t.Fatal("callee still sees caller muted")
	}
}

func TestGroupCallFlow(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", nil)
	bob := f.node("bob", nil)
	carol := f.node("carol", nil)

	s, err := alice.mgr.StartGroupCall(ctx, "room-g", proto.KindVideo, []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("StartGroupCall: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("initiator state = %v, want connected immediately", s.State())
	}
	for _, p := range s.Participants() {
		if p.Status != StatusConnecting || p.Name != PlaceholderName {
			t.Fatalf("invitee = %+v, want connecting placeholder", p)
		}
	}
	f.pump()

	bin := bob.lastIncoming(t)
	if !bin.Group() || bin.CallRoomID() != s.CallRoomID() {
		t.Fatalf("callee session group=%v callRoom=%q", bin.Group(), bin.CallRoomID())
	}

	if err := bin.Accept(ctx); err != nil {
		t.Fatalf("bob Accept: %v", err)
	}
	f.pump()

	// Alice offered to the joiner; the answer settled both ends.
	ab := alice.factory.conn("bob")
	if ab == nil {
		t.Fatal("initiator never opened a link to the joiner")
	}
	if ab.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("initiator link state = %v", ab.SignalingState())
	}
	// The offer was targeted: carol must not have grown a link to anyone.
	if carol.factory.conn("alice") != nil || carol.factory.conn("bob") != nil {
		t.Fatal("targeted offer leaked to a third participant")
	}

	cin := carol.lastIncoming(t)
	if err := cin.Reject(ctx); err != nil {
		t.Fatalf("carol Reject: %v", err)
	}
	f.pump()

	ids := make(map[string]bool)
	for _, p := range s.Participants() {
		ids[p.UserID] = true
	}
	if ids["carol"] || !ids["bob"] {
		t.Fatalf("initiator registry after reject = %v, want bob only", ids)
	}

	bin.Hangup(ctx)
	f.pump()

	if s.State() != StateEnded {
		t.Fatalf("initiator state = %v, want ended once empty", s.State())
	}
	if got := alice.lastSummary(t).Outcome; got != OutcomeCompleted {
		t.Fatalf("initiator outcome = %v, want completed", got)
	}
}

func TestGroupLateJoinOffer(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", nil)
	bob := f.node("bob", nil)

	s, err := alice.mgr.StartGroupCall(ctx, "room-g", proto.KindVideo, []string{"bob"})
	if err != nil {
		t.Fatalf("StartGroupCall: %v", err)
	}
	f.pump()
	bin := bob.lastIncoming(t)
	if err := bin.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.pump()

	// dave was never invited but sends a targeted offer after joining the
	// room out of band; an unknown sender with a valid offer gets a link.
	dave := proto.Sender{UserID: "dave", Name: "Dave", ClientID: "client-dave"}
	body, err := proto.MarshalBody(proto.SessionDescription{Type: "offer", SDP: "late-offer"})
	if err != nil {
		t.Fatalf("MarshalBody: %v", err)
	}
	msg, err := proto.GroupSignal(dave, "room-g", proto.Payload{
		Action:     proto.ActionOffer,
		CallRoomID: s.CallRoomID(),
		TargetID:   "alice",
		Data:       body,
	})
	if err != nil {
		t.Fatalf("GroupSignal: %v", err)
	}
	sig, err := proto.Decode(msg)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	alice.mgr.HandleGroup(sig)

	ad := alice.factory.conn("dave")
	if ad == nil {
		t.Fatal("no link created for late joiner")
	}
	if ad.RemoteDescription() == nil || ad.RemoteDescription().SDP != "late-offer" {
		t.Fatal("late joiner's offer was not applied")
	}
	found := false
	for _, p := range s.Participants() {
		if p.UserID == "dave" {
			found = true
		}
	}
	if !found {
		t.Fatal("late joiner missing from registry")
	}
}

func TestGroupJoinInProgress(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", nil)
	bob := f.node("bob", nil)
	dave := f.node("dave", nil)

	s, err := alice.mgr.StartGroupCall(ctx, "room-g", proto.KindVideo, []string{"bob"})
	if err != nil {
		t.Fatalf("StartGroupCall: %v", err)
	}
	f.pump()

	// dave was not invited, so the invite alone rings nothing.
	dave.mu.Lock()
	ringing := len(dave.incoming)
	dave.mu.Unlock()
	if ringing != 0 {
		t.Fatal("uninvited client rang on the invite")
	}

	bin := bob.lastIncoming(t)
	if err := bin.Accept(ctx); err != nil {
		t.Fatalf("bob Accept: %v", err)
	}
	f.pump()

	// bob's join broadcast tells dave a call is running in his room.
	din := dave.lastIncoming(t)
	if !din.Group() || din.CallRoomID() != s.CallRoomID() {
		t.Fatalf("attached session group=%v callRoom=%q", din.Group(), din.CallRoomID())
	}
	if din.State() != StateIncoming {
		t.Fatalf("attached session state = %v, want incoming", din.State())
	}

	if err := din.Accept(ctx); err != nil {
		t.Fatalf("dave Accept: %v", err)
	}
	f.pump()

	if din.State() != StateConnected {
		t.Fatalf("joiner state = %v, want connected", din.State())
	}
	ad := alice.factory.conn("dave")
	if ad == nil || ad.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("initiator link to joiner = %v", ad)
	}
	ids := make(map[string]bool)
	for _, p := range din.Participants() {
		ids[p.UserID] = true
	}
	if !ids["alice"] || !ids["bob"] {
		t.Fatalf("joiner registry = %v, want alice and bob", ids)
	}
	ids = make(map[string]bool)
	for _, p := range s.Participants() {
		ids[p.UserID] = true
	}
	if !ids["dave"] {
		t.Fatalf("initiator registry = %v, want dave present", ids)
	}
}

func TestGroupEndedWhileRingingIsMissed(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", nil)
	bob := f.node("bob", nil)

	if _, err := alice.mgr.StartGroupCall(ctx, "room-g", proto.KindVideo, []string{"bob"}); err != nil {
		t.Fatalf("StartGroupCall: %v", err)
	}
	f.pump()
	bin := bob.lastIncoming(t)

	msg, err := proto.GroupSignal(proto.Sender{UserID: "alice", ClientID: "client-alice"}, "room-g", proto.Payload{
		Action:     proto.ActionEnded,
		CallRoomID: bin.CallRoomID(),
	})
	if err != nil {
		t.Fatalf("GroupSignal: %v", err)
	}
	sig, err := proto.Decode(msg)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	bob.mgr.HandleGroup(sig)

	if bin.State() != StateEnded {
		t.Fatalf("callee state = %v, want ended", bin.State())
	}
	if got := bob.lastSummary(t).Outcome; got != OutcomeMissed {
		t.Fatalf("outcome = %v, want missed for a never-answered ring", got)
	}
}

func TestStreamNotices(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	gw := newFakeGateway()
	alice := f.node("alice", func(mo *ManagerOptions) {
		mo.NewGateway = func(context.Context, string) (StreamGateway, error) {
			return gw, nil
		}
	})
	f.node("bob", nil)

	s, err := alice.mgr.StartGroupCall(ctx, "room-g", proto.KindVideo, []string{"bob"})
	if err != nil {
		t.Fatalf("StartGroupCall: %v", err)
	}

	server := proto.Sender{UserID: "media-server", ClientID: "srv"}
	joined, err := proto.DirectSignal(server, "room-g", s.ID(), "alice",
		proto.ActionParticipantJoined, proto.KindVideo,
		proto.StreamNotice{UserID: "bob", PullURL: "rtmp://relay/live/bob", UserName: "Bob"})
	if err != nil {
		t.Fatalf("DirectSignal: %v", err)
	}
	sig, err := proto.Decode(joined)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	alice.mgr.HandleDirect(sig)

	if got := gw.pulls["bob"]; got.URL != "rtmp://relay/live/bob" {
		t.Fatalf("gateway pull = %+v", got)
	}
	p, ok := s.registry.Get("bob")
	if !ok || p.PullURL != "rtmp://relay/live/bob" {
		t.Fatalf("registry stream = %+v", p)
	}

	left, err := proto.DirectSignal(server, "room-g", s.ID(), "alice",
		proto.ActionParticipantLeft, proto.KindVideo, proto.StreamNotice{UserID: "bob"})
	if err != nil {
		t.Fatalf("DirectSignal: %v", err)
	}
	sig, err = proto.Decode(left)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	alice.mgr.HandleDirect(sig)

	if _, ok := gw.pulls["bob"]; ok {
		t.Fatal("pull url survived participant_left")
	}
	if _, ok := s.registry.Get("bob"); ok {
		t.Fatal("registry entry survived participant_left")
	}

	s.Hangup(ctx)
	if gw.released != 1 {
		t.Fatalf("gateway released %d times, want 1", gw.released)
	}
}

func TestStaleStreamNoticeIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	gw := newFakeGateway()
	alice := f.node("alice", func(mo *ManagerOptions) {
		mo.NewGateway = func(context.Context, string) (StreamGateway, error) {
			return gw, nil
		}
	})
	f.node("bob", nil)

	s, err := alice.mgr.StartGroupCall(ctx, "room-g", proto.KindVideo, []string{"bob"})
	if err != nil {
		t.Fatalf("StartGroupCall: %v", err)
	}

	// A notice from a previous call's media room arrives late.
	server := proto.Sender{UserID: "media-server", ClientID: "srv"}
	stale, err := proto.DirectSignal(server, "room-old", "call-old", "alice",
		proto.ActionParticipantJoined, proto.KindVideo,
		proto.StreamNotice{UserID: "mallory", PullURL: "rtmp://relay/live/mallory"})
	if err != nil {
		t.Fatalf("DirectSignal: %v", err)
	}
	sig, err := proto.Decode(stale)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	alice.mgr.HandleDirect(sig)

	if _, ok := gw.pulls["mallory"]; ok {
		t.Fatal("stale notice reached the gateway")
	}
	if _, ok := s.registry.Get("mallory"); ok {
		t.Fatal("stale notice mutated the registry")
	}
}

func TestDirectoryOverridesEnvelopeName(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", nil)
	bob := f.node("bob", func(mo *ManagerOptions) {
		mo.Resolve = func(userID string) (string, string) {
			if userID == "alice" {
				return "Alice From Contacts", "alice-contact.png"
			}
			return "", ""
		}
	})

	if _, err := alice.mgr.StartCall(ctx, "room-1", "bob", proto.KindAudio); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.pump()

	p := bob.lastIncoming(t).Participants()
	if len(p) != 1 || p[0].Name != "Alice From Contacts" || p[0].Avatar != "alice-contact.png" {
		t.Fatalf("participant = %+v, want directory presentation", p)
	}
}

func TestDeviceErrorAbortsEstablishment(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", nil)
	bob := f.node("bob", nil)

	bob.factory.acquireErr = fmt.Errorf("camera busy")
	s, err := alice.mgr.StartCall(ctx, "room-1", "bob", proto.KindVideo)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.pump()

	in := bob.lastIncoming(t)
	if err := in.Accept(ctx); err == nil {
		t.Fatal("Accept succeeded without a capture device")
	}
	// The failed accept leaves the call ringing: the callee can retry or
	// reject, the caller never saw anything.
	if in.State() != StateIncoming {
		t.Fatalf("callee state = %v, want still incoming", in.State())
	}
	if s.State() != StateOutgoing {
		t.Fatalf("caller state = %v, want still outgoing", s.State())
	}

	// An outgoing attempt with a dead device never leaves the manager idle.
	alice.factory.acquireErr = fmt.Errorf("mic denied")
	alice.mgr.Active().Hangup(ctx)
	if _, err := alice.mgr.StartCall(ctx, "room-1", "carol", proto.KindAudio); err == nil {
		t.Fatal("StartCall succeeded without a capture device")
	}
	if alice.mgr.Active() != nil {
		t.Fatal("failed start left a session installed")
	}
}

func TestPeerFailureEndsDirectCall(t *testing.T) {
	ctx := context.Background()
	f := newFabric()
	alice := f.node("alice", nil)
	bob := f.node("bob", nil)

	s, err := alice.mgr.StartCall(ctx, "room-1", "bob", proto.KindAudio)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.pump()
	if err := bob.lastIncoming(t).Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	f.pump()

	alice.factory.mu.Lock()
	cb := alice.factory.cbs["bob"]
	alice.factory.mu.Unlock()
	cb.OnFailed()

	if s.State() != StateEnded {
		t.Fatalf("state = %v, want ended after transport failure", s.State())
	}
	if got := alice.lastSummary(t).Outcome; got != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", got)
	}
}
