// Package transport moves signaling envelopes between this client and its
// peers. Three implementations share one interface: a websocket client for
// a central chat server, a libp2p gossip transport for serverless swarms,
// and an in-memory hub for tests.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/util"
)

// ErrClosed is returned by Send after the transport has been shut down.
var ErrClosed = errors.New("transport closed")

// Transport delivers signaling envelopes. Send must not be called after
// Close. Subscribers are invoked from the transport's read goroutine, so
// handlers must hand off quickly and never block.
type Transport interface {
	Send(ctx context.Context, msg proto.Message) error
	Subscribe(fn func(proto.Message)) (cancel func())
	Close() error
}

// listeners fans inbound messages out to subscribers. Cancelling during
// dispatch is safe; dispatch works on a snapshot.
type listeners struct {
	mu   sync.Mutex
	next int
	subs map[int]func(proto.Message)

	// recent keeps the last envelopes seen, for diagnostics.
	recent *util.RingBuffer[proto.Message]
}

func newListeners() *listeners {
	return &listeners{
		subs:   make(map[int]func(proto.Message)),
		recent: util.NewRingBuffer[proto.Message](64),
	}
}

func (l *listeners) add(fn func(proto.Message)) (cancel func()) {
	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

func (l *listeners) dispatch(msg proto.Message) {
	l.recent.Push(msg)
	l.mu.Lock()
	fns := make([]func(proto.Message), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// Recent returns the most recently seen envelopes, oldest first.
func (l *listeners) Recent() []proto.Message {
	return l.recent.Snapshot()
}
