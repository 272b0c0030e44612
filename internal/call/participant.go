package call

import (
	"sync"

	"github.com/petervdpas/callkit/internal/proto"
)

// Status is one remote party's connection state inside a session.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
)

// PlaceholderName is shown for invitees who have not joined yet.
const PlaceholderName = "calling…"

// Participant is one remote party in a session.
type Participant struct {
	UserID string
	Name   string
	Avatar string
	Status Status
	Media  proto.MediaState

	// Relay stream coordinates (SFU mode only).
	PullURL string
	FLVURL  string
}

// Registry holds a session's participants keyed by user id. Insertion order
// is kept only for display; every lookup goes through the id.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*Participant
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Participant)}
}

// Add inserts a participant or, if the id is already present, updates its
// status and any non-empty presentation fields. It never creates a second
// entry for the same id.
func (r *Registry) Add(userID, name, avatar string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byID[userID]; ok {
		p.Status = status
		if name != "" && name != PlaceholderName {
			p.Name = name
		}
		if avatar != "" {
			p.Avatar = avatar
		}
		return
	}
	if name == "" {
		name = PlaceholderName
	}
	r.byID[userID] = &Participant{UserID: userID, Name: name, Avatar: avatar, Status: status}
	r.order = append(r.order, userID)
}

// Remove drops a participant. Returns false if the id was absent.
func (r *Registry) Remove(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[userID]; !ok {
		return false
	}
	delete(r.byID, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// UpdateStatus sets a participant's status. No-op if absent.
func (r *Registry) UpdateStatus(userID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byID[userID]; ok {
		p.Status = status
	}
}

// UpdateMediaFlags records the last muted/camera-off state received for a
// participant. No-op if absent.
func (r *Registry) UpdateMediaFlags(userID string, state proto.MediaState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byID[userID]; ok {
		p.Media = state
	}
}

// UpdateStream records a participant's relay stream addresses. No-op if
// absent.
func (r *Registry) UpdateStream(userID, pullURL, flvURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byID[userID]; ok {
		p.PullURL = pullURL
		p.FLVURL = flvURL
	}
}

// Get returns a copy of one participant.
func (r *Registry) Get(userID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[userID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Snapshot returns copies of all participants in display order.
func (r *Registry) Snapshot() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// Len returns the participant count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// IDs returns the participant ids in display order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
