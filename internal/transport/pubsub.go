package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/util"
)

// DefaultSignalTopic is the gossip topic all call signaling rides on when no
// chat server is involved.
const DefaultSignalTopic = "callkit-signal-v1"

// P2POptions configures a serverless gossip transport.
type P2POptions struct {
	// ListenPort is the TCP port the libp2p host listens on. 0 picks a
	// random free port.
	ListenPort int

	// Topic overrides DefaultSignalTopic.
	Topic string

	// KeyFile holds the persistent identity key. Empty means a fresh
	// ephemeral identity per run.
	KeyFile string

	// Bootstrap peers to connect to on startup, as multiaddrs with /p2p/
	// components.
	Bootstrap []string
}

// P2PTransport carries signaling over a single gossipsub topic. Peers on the
// same LAN find each other via mDNS; others need a bootstrap address. Every
// endpoint sees every envelope, so receiver filtering happens upstream.
type P2PTransport struct {
	host      host.Host
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	listeners *listeners
	cancel    context.CancelFunc
}

type p2pNotifee struct {
	h host.Host
}

func (n *p2pNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	if keyFile == "" {
		priv, _, err := crypto.GenerateEd25519Key(nil)
		return priv, err
	}
	if data, err := os.ReadFile(keyFile); err == nil {
		if priv, err := crypto.UnmarshalPrivateKey(data); err == nil {
			return priv, nil
		}
		log.Warnw("corrupt identity key, generating new one", "path", keyFile)
	}
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(keyFile); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}

// NewP2P builds the libp2p host, joins the signaling topic and starts the
// read loop.
func NewP2P(ctx context.Context, opts P2POptions) (*P2PTransport, error) {
	priv, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("p2p identity: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p host: %w", err)
	}

	md := mdns.NewMdnsService(h, DefaultSignalTopic, &p2pNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("p2p mdns: %w", err)
	}

	for _, addr := range opts.Bootstrap {
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			log.Warnw("skipping invalid bootstrap addr", "addr", addr, "err", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			log.Warnw("skipping bootstrap addr without peer id", "addr", addr, "err", err)
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		if err := h.Connect(cctx, *pi); err != nil {
			log.Warnw("bootstrap connect failed", "peer", pi.ID, "err", err)
		}
		cancel()
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("p2p gossipsub: %w", err)
	}
	topicName := opts.Topic
	if topicName == "" {
		topicName = DefaultSignalTopic
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("p2p topic join: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("p2p topic subscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &P2PTransport{
		host:      h,
		topic:     topic,
		sub:       sub,
		listeners: newListeners(),
		cancel:    cancel,
	}
	go t.readLoop(runCtx)
	log.Infow("p2p transport up", "peer", h.ID(), "topic", topicName)
	return t, nil
}

func (t *P2PTransport) readLoop(ctx context.Context) {
	for {
		m, err := t.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == t.host.ID() {
			continue
		}
		var msg proto.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			continue
		}
		t.listeners.dispatch(msg)
	}
}

// ID returns the local libp2p peer id.
func (t *P2PTransport) ID() string {
	return t.host.ID().String()
}

func (t *P2PTransport) Send(ctx context.Context, msg proto.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	if err := t.topic.Publish(ctx, b); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

func (t *P2PTransport) Subscribe(fn func(proto.Message)) (cancel func()) {
	return t.listeners.add(fn)
}

func (t *P2PTransport) Close() error {
	t.cancel()
	t.sub.Cancel()
	_ = t.topic.Close()
	return t.host.Close()
}
