package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Family separates the two signaling dialects that share action names.
// Direct is the 1:1 dialect (body directly in content, no routing fields);
// Group is the multi-party dialect (Payload with callRoomId/targetId).
// The two never cross-route.
type Family int

const (
	FamilyDirect Family = iota
	FamilyGroup
)

func (f Family) String() string {
	if f == FamilyGroup {
		return "group"
	}
	return "direct"
}

var (
	// ErrNotSignal marks a chat message that is not call signaling at all.
	ErrNotSignal = errors.New("not a call signaling message")

	// ErrNoAction marks a signaling message without a usable discriminator.
	ErrNoAction = errors.New("signal has no action")
)

// Signal is a fully decoded inbound signaling event.
type Signal struct {
	Family       Family
	Action       Action
	CallID       string
	RoomID       string // chat room carrying the signaling
	CallRoomID   string // group mode: the call's own room id
	SenderID     string
	SenderName   string
	SenderAvatar string
	TargetID     string
	Kind         CallKind

	Description    *SessionDescription
	Candidate      *ICECandidate
	State          *MediaState
	Toggle         *ToggleSync
	Stream         *StreamNotice
	ParticipantIDs []string
}

// StreamNotice is the body of participant_joined / participant_left in SFU
// mode: the relay stream coordinates of one remote participant.
type StreamNotice struct {
	UserID     string `json:"user_id"`
	PullURL    string `json:"pull_url,omitempty"`
	FLVURL     string `json:"flv_url,omitempty"`
	UserName   string `json:"user_name,omitempty"`
	UserAvatar string `json:"user_avatar,omitempty"`
}

// Decode parses a transport message into a typed Signal. It returns
// ErrNotSignal for ordinary chat traffic, ErrNoAction when the discriminator
// is missing, and a wrapped decode error for malformed bodies. Callers must
// treat every error as "discard the message", never as "tear down the call".
func Decode(msg Message) (Signal, error) {
	if msg.MessageType != MessageTypeSignal {
		return Signal{}, ErrNotSignal
	}

	sig := Signal{
		RoomID:   msg.RoomID,
		CallID:   msg.CallID,
		SenderID: msg.SenderUserID,
	}

	if msg.Extra != "" {
		var extra Extra
		if err := json.Unmarshal([]byte(msg.Extra), &extra); err == nil {
			sig.Kind = extra.Type
			sig.SenderName = extra.SenderName
			sig.SenderAvatar = extra.SenderAvatar
		}
	}

	content := strings.TrimSpace(msg.Content)

	// Group dialect: content is a Payload with its own routing fields.
	var payload Payload
	if content != "" && content != "{}" {
		if err := json.Unmarshal([]byte(content), &payload); err != nil {
			// Only fatal for the group dialect. The 1:1 dialect carries
			// non-Payload bodies (a bare SDP or candidate object) which
			// unmarshal fine into Payload's unknown fields, so an actual
			// JSON error means the content is garbage either way.
			return Signal{}, fmt.Errorf("decode signal content: %w", err)
		}
	}

	if payload.CallRoomID != "" || len(payload.ParticipantIDs) > 0 {
		return decodeGroup(sig, payload)
	}
	return decodeDirect(sig, msg, content)
}

func decodeGroup(sig Signal, payload Payload) (Signal, error) {
	sig.Family = FamilyGroup
	sig.Action = payload.Action
	if sig.Action == "" {
		return Signal{}, ErrNoAction
	}
	sig.CallRoomID = payload.CallRoomID
	if payload.SenderID != "" {
		sig.SenderID = payload.SenderID
	}
	if payload.SenderName != "" {
		sig.SenderName = payload.SenderName
	}
	if payload.SenderAvatar != "" {
		sig.SenderAvatar = payload.SenderAvatar
	}
	sig.TargetID = payload.TargetID
	sig.State = payload.State
	sig.ParticipantIDs = payload.ParticipantIDs
	if payload.Type != "" {
		sig.Kind = payload.Type
	}

	switch sig.Action {
	case ActionOffer, ActionAnswer:
		var desc SessionDescription
		if err := json.Unmarshal(payload.Data, &desc); err != nil {
			return Signal{}, fmt.Errorf("decode %s description: %w", sig.Action, err)
		}
		sig.Description = &desc
	case ActionCandidate:
		var cand ICECandidate
		if err := json.Unmarshal(payload.Data, &cand); err != nil {
			return Signal{}, fmt.Errorf("decode candidate: %w", err)
		}
		sig.Candidate = &cand
	}
	return sig, nil
}

func decodeDirect(sig Signal, msg Message, content string) (Signal, error) {
	sig.Family = FamilyDirect
	sig.Action = Action(msg.CallStatus)
	if sig.Action == "" {
		return Signal{}, ErrNoAction
	}

	switch sig.Action {
	case ActionOffer, ActionAnswer:
		var desc SessionDescription
		if err := json.Unmarshal([]byte(content), &desc); err != nil {
			return Signal{}, fmt.Errorf("decode %s description: %w", sig.Action, err)
		}
		sig.Description = &desc
	case ActionCandidate:
		var cand ICECandidate
		if err := json.Unmarshal([]byte(content), &cand); err != nil {
			return Signal{}, fmt.Errorf("decode candidate: %w", err)
		}
		sig.Candidate = &cand
	case ActionSyncState:
		var toggle ToggleSync
		if err := json.Unmarshal([]byte(content), &toggle); err != nil {
			return Signal{}, fmt.Errorf("decode sync_state: %w", err)
		}
		sig.Toggle = &toggle
	case ActionParticipantJoined, ActionParticipantLeft:
		var notice StreamNotice
		if content != "" {
			if err := json.Unmarshal([]byte(content), &notice); err != nil {
				return Signal{}, fmt.Errorf("decode stream notice: %w", err)
			}
		}
		sig.Stream = &notice
	}
	return sig, nil
}
