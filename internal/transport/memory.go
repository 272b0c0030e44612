package transport

import (
	"context"
	"sync"

	"github.com/petervdpas/callkit/internal/proto"
)

// MemoryHub connects in-process endpoints for tests. Envelopes with a
// receiver_user_id go only to that user's endpoints; everything else is
// broadcast to everyone except the sending endpoint. Per-endpoint delivery
// order matches send order.
type MemoryHub struct {
	mu        sync.Mutex
	endpoints []*MemoryTransport
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{}
}

// Join attaches a new endpoint for the given user to the hub.
func (h *MemoryHub) Join(userID string) *MemoryTransport {
	t := &MemoryTransport{
		hub:       h,
		userID:    userID,
		listeners: newListeners(),
		inbox:     make(chan proto.Message, 256),
		done:      make(chan struct{}),
	}
	go t.deliverLoop()
	h.mu.Lock()
	h.endpoints = append(h.endpoints, t)
	h.mu.Unlock()
	return t
}

func (h *MemoryHub) route(from *MemoryTransport, msg proto.Message) {
	h.mu.Lock()
	targets := make([]*MemoryTransport, 0, len(h.endpoints))
	for _, t := range h.endpoints {
		if t == from {
			continue
		}
		if msg.ReceiverUserID != "" && t.userID != msg.ReceiverUserID {
			continue
		}
		targets = append(targets, t)
	}
	h.mu.Unlock()

	for _, t := range targets {
		select {
		case t.inbox <- msg:
		case <-t.done:
		}
	}
}

func (h *MemoryHub) remove(t *MemoryTransport) {
	h.mu.Lock()
	for i, e := range h.endpoints {
		if e == t {
			h.endpoints = append(h.endpoints[:i], h.endpoints[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
}

// MemoryTransport is one endpoint on a MemoryHub.
type MemoryTransport struct {
	hub       *MemoryHub
	userID    string
	listeners *listeners
	inbox     chan proto.Message

	closeOnce sync.Once
	done      chan struct{}
}

func (t *MemoryTransport) deliverLoop() {
	for {
		select {
		case msg := <-t.inbox:
			t.listeners.dispatch(msg)
		case <-t.done:
			return
		}
	}
}

func (t *MemoryTransport) Send(ctx context.Context, msg proto.Message) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.hub.route(t, msg)
	return nil
}

func (t *MemoryTransport) Subscribe(fn func(proto.Message)) (cancel func()) {
	return t.listeners.add(fn)
}

func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.hub.remove(t)
	})
	return nil
}
