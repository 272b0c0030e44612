// Package signal turns raw transport envelopes into routed call signaling
// events. The adapter owns classification, self-echo suppression, duplicate
// suppression and dialect routing; everything downstream sees typed signals
// of exactly one dialect.
package signal

import (
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/transport"
)

var log = logging.Logger("callkit/signal")

// Options configures an Adapter.
type Options struct {
	// SelfUserID identifies the local user. Envelopes sent by this user
	// from this client are dropped as echo.
	SelfUserID string

	// ClientID returns the local connection id, or "" when the transport
	// has no such notion. When set, envelopes from the same user but a
	// different client pass through so multi-device coordination works.
	ClientID func() string

	// DedupWindow bounds duplicate suppression. Zero means the default.
	DedupWindow time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// Adapter subscribes to a transport, decodes and filters envelopes, and
// fans typed signals out to per-dialect handlers. Handlers run on the
// adapter's pump goroutine, never on the transport read goroutine, and
// signals from one sender arrive in send order.
type Adapter struct {
	opts  Options
	dedup *dedupe

	mu      sync.Mutex
	direct  []func(proto.Signal)
	group   []func(proto.Signal)
	stopped bool

	queue  chan proto.Signal
	cancel func()
	done   chan struct{}
}

// New builds an adapter and attaches it to the transport.
func New(tr transport.Transport, opts Options) *Adapter {
	a := &Adapter{
		opts:  opts,
		dedup: newDedupe(opts.DedupWindow, opts.now),
		queue: make(chan proto.Signal, 128),
		done:  make(chan struct{}),
	}
	a.cancel = tr.Subscribe(a.ingest)
	go a.pump()
	return a
}

// OnDirect registers a handler for 1:1 dialect signals.
func (a *Adapter) OnDirect(fn func(proto.Signal)) {
	a.mu.Lock()
	a.direct = append(a.direct, fn)
	a.mu.Unlock()
}

// OnGroup registers a handler for group dialect signals.
func (a *Adapter) OnGroup(fn func(proto.Signal)) {
	a.mu.Lock()
	a.group = append(a.group, fn)
	a.mu.Unlock()
}

// ingest runs on the transport read goroutine and must not block: it decodes,
// filters and enqueues. A full queue drops the signal with a log line rather
// than stalling the transport.
func (a *Adapter) ingest(msg proto.Message) {
	sig, err := proto.Decode(msg)
	if err != nil {
		if !errors.Is(err, proto.ErrNotSignal) {
			log.Debugw("discarding signal", "err", err, "sender", msg.SenderUserID)
		}
		return
	}

	if a.selfEcho(msg) {
		return
	}
	if a.dedup.duplicate(sig) {
		log.Debugw("suppressing duplicate", "action", sig.Action, "call", sig.CallID, "sender", sig.SenderID)
		return
	}

	select {
	case a.queue <- sig:
	default:
		log.Warnw("signal queue full, dropping", "action", sig.Action, "sender", sig.SenderID)
	}
}

// selfEcho reports whether the envelope is this client's own traffic echoed
// back. Traffic from the same user on a different client is kept; the call
// layer uses it to dismiss sessions answered elsewhere.
func (a *Adapter) selfEcho(msg proto.Message) bool {
	if msg.SenderUserID != a.opts.SelfUserID {
		return false
	}
	if a.opts.ClientID == nil {
		return true
	}
	self := a.opts.ClientID()
	if self == "" || msg.SenderClientID == "" {
		return true
	}
	return msg.SenderClientID == self
}

func (a *Adapter) pump() {
	for {
		select {
		case sig := <-a.queue:
			a.dispatch(sig)
		case <-a.done:
			return
		}
	}
}

func (a *Adapter) dispatch(sig proto.Signal) {
	a.mu.Lock()
	var fns []func(proto.Signal)
	if sig.Family == proto.FamilyGroup {
		fns = append(fns, a.group...)
	} else {
		fns = append(fns, a.direct...)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}

// Close detaches from the transport and stops the pump. Queued signals that
// have not been dispatched yet are discarded.
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()
	a.cancel()
	close(a.done)
}
