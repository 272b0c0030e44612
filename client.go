// Package callkit is a call signaling and peer negotiation core for chat
// applications: it rings, answers and tears down 1:1 and group calls whose
// signaling travels as ordinary chat messages, and drives WebRTC perfect
// negotiation for every peer link.
package callkit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callkit/internal/call"
	"github.com/petervdpas/callkit/internal/config"
	"github.com/petervdpas/callkit/internal/history"
	"github.com/petervdpas/callkit/internal/media"
	"github.com/petervdpas/callkit/internal/negotiate"
	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/signal"
	"github.com/petervdpas/callkit/internal/transport"
	"github.com/petervdpas/callkit/internal/util"
)

var log = logging.Logger("callkit")

// Re-exported so embedders don't need to import internal packages.
type (
	Session     = call.Session
	Participant = call.Participant
	Summary     = call.Summary
	Hooks       = call.Hooks
	CallKind    = proto.CallKind
)

const (
	KindAudio = proto.KindAudio
	KindVideo = proto.KindVideo
)

// Options configures a Client.
type Options struct {
	// ConfigPath is the JSON config file. A default one is written on
	// first run.
	ConfigPath string

	// UserID seeds the identity when the config file does not exist yet.
	UserID string

	// OnIncoming fires for every ringing inbound call.
	OnIncoming func(s *Session)

	// Directory resolves user ids to display names and avatars. Optional;
	// without it the sender presentation carried in signaling is used.
	Directory func(userID string) (name, avatar string)

	// Hooks observe the active session. Optional.
	Hooks Hooks
}

// Client wires the whole stack together: transport, signal routing, the
// call manager, media and the call log.
type Client struct {
	cfgPath string
	watcher *config.Watcher
	self    proto.Sender

	tr      transport.Transport
	adapter *signal.Adapter
	manager *call.Manager
	hist    *history.Store
	rooms   *media.RoomClient
	ice     *media.RoomClient

	mu      sync.Mutex
	factory *connFactory
	closed  bool
}

// New loads (or creates) the config, connects the signaling transport and
// starts routing.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg, created, err := config.Ensure(opts.ConfigPath, opts.UserID)
	if err != nil {
		return nil, err
	}
	if created {
		log.Infow("wrote default config", "path", opts.ConfigPath)
	}

	c := &Client{
		cfgPath: opts.ConfigPath,
		self: proto.Sender{
			UserID: cfg.Identity.UserID,
			Name:   cfg.Identity.DisplayName,
			Avatar: cfg.Identity.Avatar,
		},
	}

	clientID := c.self.UserID + "-" + uuid.NewString()[:8]
	clientIDFn := func() string { return clientID }
	switch cfg.Signaling.Mode {
	case "websocket":
		ws, err := transport.DialWS(ctx, transport.WSOptions{
			WSURL:   cfg.Signaling.WSURL,
			SendURL: cfg.Signaling.SendURL,
			UserID:  cfg.Identity.UserID,
		})
		if err != nil {
			return nil, err
		}
		c.tr = ws
		clientIDFn = ws.ClientID
	case "p2p":
		p2p, err := transport.NewP2P(ctx, transport.P2POptions{
			ListenPort: cfg.Signaling.ListenPort,
			Topic:      cfg.Signaling.Topic,
			KeyFile:    util.ResolvePath(filepath.Dir(opts.ConfigPath), cfg.Identity.KeyFile),
			Bootstrap:  cfg.Signaling.Bootstrap,
		})
		if err != nil {
			return nil, err
		}
		c.tr = p2p
		c.self.ClientID = clientID
	default:
		return nil, fmt.Errorf("unknown signaling mode %q", cfg.Signaling.Mode)
	}

	c.watcher, err = config.Watch(opts.ConfigPath, cfg, func(next config.Config) {
		log.Infow("config reloaded", "path", opts.ConfigPath)
	})
	if err != nil {
		c.tr.Close()
		return nil, err
	}

	if cfg.History.DBPath != "" {
		c.hist, err = history.Open(util.ResolvePath(filepath.Dir(opts.ConfigPath), cfg.History.DBPath))
		if err != nil {
			c.watcher.Close()
			c.tr.Close()
			return nil, err
		}
	}

	if cfg.Media.Strategy == "sfu" {
		c.rooms = media.NewRoomClient(cfg.Media.JoinURL, nil)
	}
	if cfg.ICE.FetchURL != "" {
		// FetchURL is the media server's call API base; the ice-servers
		// path hangs off it.
		c.ice = media.NewRoomClient(cfg.ICE.FetchURL+"/join", nil)
	}

	mo := call.ManagerOptions{
		Self:        c.self,
		Send:        c.sendSignal,
		NewConns:    c.newConns,
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		Resolve:     opts.Directory,
		Hooks:       opts.Hooks,
		OnIncoming:  opts.OnIncoming,
		OnSummary:   c.recordSummary,
	}
	if c.rooms != nil {
		mo.NewGateway = c.joinGateway
	}
	c.manager = call.NewManager(mo)

	c.adapter = signal.New(c.tr, signal.Options{
		SelfUserID:  cfg.Identity.UserID,
		ClientID:    clientIDFn,
		DedupWindow: time.Duration(cfg.Call.DedupWindowMS) * time.Millisecond,
	})
	c.adapter.OnDirect(c.manager.HandleDirect)
	c.adapter.OnGroup(c.manager.HandleGroup)

	log.Infow("client ready", "user", cfg.Identity.UserID, "signaling", cfg.Signaling.Mode,
		"media", cfg.Media.Strategy)
	return c, nil
}

// Config returns the live configuration.
func (c *Client) Config() config.Config {
	return c.watcher.Current()
}

// StartCall rings one user. roomID is the chat room shared with them.
func (c *Client) StartCall(ctx context.Context, roomID, calleeID string, kind CallKind) (*Session, error) {
	return c.manager.StartCall(ctx, roomID, calleeID, kind)
}

// StartGroupCall invites several users from a group chat room.
func (c *Client) StartGroupCall(ctx context.Context, roomID string, kind CallKind, participantIDs []string) (*Session, error) {
	return c.manager.StartGroupCall(ctx, roomID, kind, participantIDs)
}

// Active returns the current session, nil when idle.
func (c *Client) Active() *Session {
	return c.manager.Active()
}

// RecentCalls returns the newest call log entries, or nil when history is
// disabled.
func (c *Client) RecentCalls(limit int) ([]history.Entry, error) {
	if c.hist == nil {
		return nil, nil
	}
	return c.hist.Recent(limit)
}

// MissedCalls counts missed entries in the call log.
func (c *Client) MissedCalls() (int, error) {
	if c.hist == nil {
		return 0, nil
	}
	return c.hist.MissedCount()
}

// StreamStats is a coarse per-stream receive counter.
type StreamStats struct {
	Packets uint64
	Bytes   uint64
}

// RemoteStreams reports receive counters for the active session's remote
// tracks, keyed by "<userID>/<kind>".
func (c *Client) RemoteStreams() map[string]StreamStats {
	c.mu.Lock()
	f := c.factory
	c.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.stats()
}

func (c *Client) sendSignal(ctx context.Context, msg proto.Message) error {
	return c.tr.Send(ctx, msg)
}

func (c *Client) recordSummary(sum Summary) {
	if c.hist == nil {
		return
	}
	err := c.hist.Record(history.Entry{
		CallID:    sum.CallID,
		PeerID:    sum.PeerID,
		PeerName:  sum.PeerName,
		Kind:      sum.Kind,
		Group:     sum.Group,
		Outgoing:  sum.Outgoing,
		Outcome:   history.Outcome(sum.Outcome),
		StartedAt: sum.StartedAt,
		Duration:  sum.Duration,
	})
	if err != nil {
		log.Warnw("recording call failed", "call", sum.CallID, "err", err)
	}
}

// newConns builds the per-session connection factory. Capture and ICE
// resolution wait for Acquire, so a still-ringing incoming call never
// touches the camera.
func (c *Client) newConns(kind proto.CallKind) (call.ConnFactory, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &connFactory{
		c:      c,
		kind:   kind,
		ctx:    ctx,
		cancel: cancel,
		sinks:  make(map[string]*media.BufferSink),
	}
	c.mu.Lock()
	c.factory = f
	c.mu.Unlock()
	return f, f.release
}

// joinGateway creates and joins the relay room for a group call.
func (c *Client) joinGateway(ctx context.Context, callRoomID string) (call.StreamGateway, error) {
	if err := c.rooms.CreateRoom(ctx, callRoomID, proto.KindVideo, true); err != nil {
		// The room may already exist; joining decides.
		log.Debugw("create call room", "callRoom", callRoomID, "err", err)
	}
	gw, err := media.JoinSFU(ctx, c.rooms, callRoomID, c.self.UserID)
	if err != nil {
		return nil, err
	}
	if d := gw.Degraded(); d != nil {
		log.Warnw("joined relay degraded", "callRoom", callRoomID, "err", d)
	}
	return gw, nil
}

// iceServers resolves STUN/TURN entries: fetched fresh when a fetch URL is
// configured (TURN credentials expire), static config otherwise.
func (c *Client) iceServers(ctx context.Context) []webrtc.ICEServer {
	cfg := c.watcher.Current()
	if c.ice != nil {
		fetched, err := c.ice.FetchICEServers(ctx, c.self.UserID)
		if err == nil && len(fetched) > 0 {
			return media.ICEServers(fetched)
		}
		if err != nil {
			log.Warnw("ice fetch failed, using config servers", "err", err)
		}
	}
	static := make([]proto.ICEServerConfig, 0, len(cfg.ICE.Servers))
	for _, s := range cfg.ICE.Servers {
		static = append(static, proto.ICEServerConfig{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return media.ICEServers(static)
}

// Close shuts everything down: hangs up, stops routing, closes the
// transport and the call log.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.manager.Close()
	c.adapter.Close()
	var errs []error
	if err := c.watcher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.tr.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.hist != nil {
		if err := c.hist.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// connFactory builds real peer connections for one session, sharing a
// single lazily-acquired capture engine.
type connFactory struct {
	c      *Client
	kind   proto.CallKind
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	engine *media.Engine
	sinks  map[string]*media.BufferSink
	done   bool
}

func (f *connFactory) ensureEngine() (*media.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return nil, errors.New("session media released")
	}
	if f.engine != nil {
		return f.engine, nil
	}

	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	servers := f.c.iceServers(ctx)
	cancel()

	cfg := f.c.watcher.Current()
	kind := f.kind
	if cfg.Media.VideoDisabled {
		kind = proto.KindAudio
	}
	eng, err := media.NewEngine(media.Options{
		Kind:         kind,
		ICEServers:   servers,
		PreferredCam: cfg.Media.PreferredCam,
		PreferredMic: cfg.Media.PreferredMic,
	})
	if err != nil {
		return nil, err
	}
	f.engine = eng
	return eng, nil
}

// Acquire brings up local capture. Capture trouble degrades to a
// receive-only engine inside ensureEngine; only building the media stack
// itself can fail here.
func (f *connFactory) Acquire() error {
	_, err := f.ensureEngine()
	return err
}

func (f *connFactory) NewConn(remoteID string, cb call.ConnCallbacks) (negotiate.PeerConn, error) {
	eng, err := f.ensureEngine()
	if err != nil {
		return nil, err
	}
	pc, err := eng.NewConn()
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || cb.OnCandidate == nil {
			return
		}
		init := cand.ToJSON()
		cb.OnCandidate(proto.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugw("connection state", "peer", remoteID, "state", state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if cb.OnConnected != nil {
				cb.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if cb.OnFailed != nil {
				cb.OnFailed()
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		sink := media.NewBufferSink()
		key := remoteID + "/" + track.Kind().String()
		f.mu.Lock()
		f.sinks[key] = sink
		f.mu.Unlock()
		go media.RenderRemote(f.ctx, pc, track, sink)
	})

	return pc, nil
}

func (f *connFactory) stats() map[string]StreamStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]StreamStats, len(f.sinks))
	for key, sink := range f.sinks {
		packets, bytes := sink.Stats()
		out[key] = StreamStats{Packets: packets, Bytes: bytes}
	}
	return out
}

func (f *connFactory) release() {
	f.cancel()
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	eng := f.engine
	sinks := f.sinks
	f.sinks = make(map[string]*media.BufferSink)
	f.mu.Unlock()

	for _, sink := range sinks {
		sink.Close()
	}
	if eng != nil {
		eng.Release()
	}
}
