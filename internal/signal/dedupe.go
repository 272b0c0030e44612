package signal

import (
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/callkit/internal/proto"
)

// dedupe suppresses redelivered notification signals inside a sliding time
// window. Negotiation traffic (offers, answers, candidates) is never
// deduplicated; re-sent descriptions are legal and handled downstream.
type dedupe struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

func newDedupe(window time.Duration, now func() time.Time) *dedupe {
	if window <= 0 {
		window = proto.DefaultDedupWindow
	}
	if now == nil {
		now = time.Now
	}
	return &dedupe{
		window: window,
		seen:   make(map[string]time.Time),
		now:    now,
	}
}

// notification reports whether an action is a one-shot notification whose
// duplicates carry no new information.
func notification(a proto.Action) bool {
	switch a {
	case proto.ActionInvite, proto.ActionAccepted, proto.ActionReject,
		proto.ActionLeave, proto.ActionHangup, proto.ActionEnded,
		proto.ActionParticipantJoined, proto.ActionParticipantLeft,
		proto.ActionAnsweredElsewhere:
		return true
	}
	return false
}

// duplicate records the signal and reports whether an equal one was already
// seen inside the window. Expired entries are swept lazily on each call.
func (d *dedupe) duplicate(sig proto.Signal) bool {
	if !notification(sig.Action) {
		return false
	}
	key := fmt.Sprintf("%s|%s|%s|%s|%s",
		sig.Action, sig.CallID, sig.CallRoomID, sig.SenderID, sig.TargetID)

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, ts := range d.seen {
		if now.Sub(ts) > d.window {
			delete(d.seen, k)
		}
	}
	if ts, ok := d.seen[key]; ok && now.Sub(ts) <= d.window {
		return true
	}
	d.seen[key] = now
	return false
}
