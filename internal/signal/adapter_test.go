package signal

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/transport"
)

func waitSignal(t *testing.T, ch <-chan proto.Signal) proto.Signal {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
		return proto.Signal{}
	}
}

func noSignal(t *testing.T, ch <-chan proto.Signal) {
	t.Helper()
	select {
	case s := <-ch:
		t.Fatalf("unexpected signal: %+v", s)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestAdapterRouting(t *testing.T) {
	hub := transport.NewMemoryHub()
	aliceTr := hub.Join("alice")
	bobTr := hub.Join("bob")
	defer aliceTr.Close()
	defer bobTr.Close()

	adapter := New(bobTr, Options{SelfUserID: "bob"})
	defer adapter.Close()

	direct := make(chan proto.Signal, 8)
	group := make(chan proto.Signal, 8)
	adapter.OnDirect(func(s proto.Signal) { direct <- s })
	adapter.OnGroup(func(s proto.Signal) { group <- s })

	send := func(msg proto.Message) {
		t.Helper()
		if err := aliceTr.Send(context.Background(), msg); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("direct signal never reaches group handler", func(t *testing.T) {
		msg, err := proto.DirectSignal(proto.Sender{UserID: "alice"}, "r1", "c1", "bob", proto.ActionInvite, proto.KindVideo, nil)
		if err != nil {
			t.Fatal(err)
		}
		send(msg)
		got := waitSignal(t, direct)
		if got.Family != proto.FamilyDirect || got.Action != proto.ActionInvite {
			t.Fatalf("got %+v", got)
		}
		noSignal(t, group)
	})

	t.Run("group signal never reaches direct handler", func(t *testing.T) {
		msg, err := proto.GroupSignal(proto.Sender{UserID: "alice"}, "g1", proto.Payload{
			Action:     proto.ActionInvite,
			CallRoomID: "group_call_g1_1",
		})
		if err != nil {
			t.Fatal(err)
		}
		send(msg)
		got := waitSignal(t, group)
		if got.Family != proto.FamilyGroup || got.CallRoomID != "group_call_g1_1" {
			t.Fatalf("got %+v", got)
		}
		noSignal(t, direct)
	})

	t.Run("chat traffic is ignored", func(t *testing.T) {
		send(proto.Message{MessageType: 1, RoomID: "r1", SenderUserID: "alice", Content: "hello"})
		noSignal(t, direct)
		noSignal(t, group)
	})

	t.Run("malformed content is discarded not fatal", func(t *testing.T) {
		send(proto.Message{MessageType: proto.MessageTypeSignal, SenderUserID: "alice", CallStatus: "offer", Content: `{"type":`})
		noSignal(t, direct)

		// The adapter keeps working afterwards.
		msg, err := proto.DirectSignal(proto.Sender{UserID: "alice"}, "r1", "c1", "bob", proto.ActionHangup, proto.KindVideo, nil)
		if err != nil {
			t.Fatal(err)
		}
		send(msg)
		got := waitSignal(t, direct)
		if got.Action != proto.ActionHangup {
			t.Fatalf("got %+v", got)
		}
	})
}

func TestAdapterSelfEcho(t *testing.T) {
	hub := transport.NewMemoryHub()
	other := hub.Join("other")
	bobTr := hub.Join("bob")
	defer other.Close()
	defer bobTr.Close()

	adapter := New(bobTr, Options{
		SelfUserID: "bob",
		ClientID:   func() string { return "client-1" },
	})
	defer adapter.Close()

	direct := make(chan proto.Signal, 8)
	adapter.OnDirect(func(s proto.Signal) { direct <- s })

	t.Run("own client echo dropped", func(t *testing.T) {
		err := other.Send(context.Background(), proto.Message{
			MessageType: proto.MessageTypeSignal, SenderUserID: "bob",
			SenderClientID: "client-1", ReceiverUserID: "bob", CallStatus: "accepted",
		})
		if err != nil {
			t.Fatal(err)
		}
		noSignal(t, direct)
	})

	t.Run("other device of same user passes", func(t *testing.T) {
		err := other.Send(context.Background(), proto.Message{
			MessageType: proto.MessageTypeSignal, SenderUserID: "bob",
			SenderClientID: "client-2", ReceiverUserID: "bob", CallStatus: "accepted",
		})
		if err != nil {
			t.Fatal(err)
		}
		got := waitSignal(t, direct)
		if got.Action != proto.ActionAccepted || got.SenderID != "bob" {
			t.Fatalf("got %+v", got)
		}
	})
}

func TestDedupeWindow(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	d := newDedupe(5*time.Second, clock)

	invite := proto.Signal{Action: proto.ActionInvite, CallID: "c1", SenderID: "alice"}

	if d.duplicate(invite) {
		t.Fatal("first delivery flagged as duplicate")
	}
	if !d.duplicate(invite) {
		t.Fatal("redelivery inside window not suppressed")
	}

	// Different call id is a different key.
	other := invite
	other.CallID = "c2"
	if d.duplicate(other) {
		t.Fatal("distinct signal suppressed")
	}

	// Negotiation traffic is never deduplicated.
	offer := proto.Signal{Action: proto.ActionOffer, CallID: "c1", SenderID: "alice"}
	if d.duplicate(offer) || d.duplicate(offer) {
		t.Fatal("offer must never be suppressed")
	}

	// After the window the same key is fresh again.
	now = now.Add(6 * time.Second)
	if d.duplicate(invite) {
		t.Fatal("expired entry still suppressing")
	}
	if len(d.seen) > 2 {
		t.Fatalf("lazy sweep left %d entries", len(d.seen))
	}
}
