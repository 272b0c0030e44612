// Package proto defines the wire format of call signaling: the transport
// message that rides inside a chat message, and the typed signal payload
// carried in its content field.
package proto

import "time"

const (
	// MessageTypeSignal marks a chat message as a call-signaling envelope.
	// Every other message_type value is ordinary chat traffic and ignored
	// by the call subsystem.
	MessageTypeSignal = 6

	// DefaultDedupWindow bounds how long a notification-class signal key is
	// remembered for duplicate suppression.
	DefaultDedupWindow = 5 * time.Second
)

// Action is the call_status / content.action discriminator of a signal.
type Action string

const (
	ActionInvite            Action = "invite"
	ActionJoin              Action = "join"
	ActionOffer             Action = "offer"
	ActionAnswer            Action = "answer"
	ActionCandidate         Action = "candidate"
	ActionLeave             Action = "leave"
	ActionReject            Action = "reject"
	ActionAccepted          Action = "accepted"
	ActionSyncState         Action = "sync_state"
	ActionParticipantJoined Action = "participant_joined"
	ActionParticipantLeft   Action = "participant_left"
	ActionHangup            Action = "hangup"
	ActionEnded             Action = "ended"
	ActionAnsweredElsewhere Action = "answered_elsewhere"
)

// CallKind distinguishes audio-only from video calls.
type CallKind string

const (
	KindAudio CallKind = "audio"
	KindVideo CallKind = "video"
)

// Message is the transport envelope: the subset of a chat message the call
// subsystem reads and writes. Content and Extra are free-form JSON strings
// on the wire; Decode parses them into a typed Signal.
type Message struct {
	RoomID         string `json:"room_id"`
	SenderUserID   string `json:"sender_user_id"`
	SenderClientID string `json:"sender_client_id,omitempty"`
	ReceiverUserID string `json:"receiver_user_id,omitempty"`
	MessageType    int    `json:"message_type"`
	CallID         string `json:"call_id,omitempty"`
	CallStatus     string `json:"call_status,omitempty"`
	Content        string `json:"content,omitempty"`
	Extra          string `json:"extra,omitempty"`
}

// SessionDescription is an SDP offer, answer or rollback as carried on the
// wire. Type follows the WebRTC convention ("offer"/"answer"/"rollback").
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a connectivity hint as carried on the wire.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// MediaState reports a participant's muted/camera-off flags (sync_state).
type MediaState struct {
	Muted  bool `json:"muted"`
	CamOff bool `json:"camOff"`
}

// Payload is the signal body carried in Message.Content for group calls.
// The group family is recognized by CallRoomID or ParticipantIDs being set;
// 1:1 signals carry their body directly in Content instead.
type Payload struct {
	Action         Action      `json:"action,omitempty"`
	CallRoomID     string      `json:"callRoomId,omitempty"`
	SenderID       string      `json:"senderId,omitempty"`
	SenderName     string      `json:"senderName,omitempty"`
	SenderAvatar   string      `json:"senderAvatar,omitempty"`
	TargetID       string      `json:"targetId,omitempty"`
	Data           RawBody     `json:"data,omitempty"`
	State          *MediaState `json:"state,omitempty"`
	ParticipantIDs []string    `json:"participantIds,omitempty"`
	Type           CallKind    `json:"type,omitempty"`
}

// RawBody holds an action-dependent JSON body (an SDP description or an ICE
// candidate) without committing to a shape at parse time.
type RawBody []byte

func (b RawBody) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return []byte("null"), nil
	}
	return b, nil
}

func (b *RawBody) UnmarshalJSON(data []byte) error {
	*b = append((*b)[:0], data...)
	return nil
}

// Extra is the envelope metadata blob: call kind plus caller presentation,
// used when no directory entry resolves the sender.
type Extra struct {
	Type         CallKind `json:"type,omitempty"`
	SenderName   string   `json:"senderName,omitempty"`
	SenderAvatar string   `json:"senderAvatar,omitempty"`
}

// ToggleSync is the 1:1 sync_state content shape: a single flag flip.
type ToggleSync struct {
	Action string `json:"action"` // "cam-toggle" or "mic-toggle"
	Value  bool   `json:"value"`
}

// JoinRoomResponse is what the media server returns when a client joins an
// SFU call room.
type JoinRoomResponse struct {
	RoomID       string            `json:"room_id"`
	Platform     string            `json:"platform,omitempty"`
	ICEServers   []ICEServerConfig `json:"ice_servers,omitempty"`
	PushURL      string            `json:"push_url,omitempty"`
	PullURLs     []PullURLInfo     `json:"pull_urls,omitempty"`
	Participants []ParticipantInfo `json:"participants,omitempty"`
}

// ICEServerConfig is a STUN/TURN server entry from config or the media server.
type ICEServerConfig struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// PullURLInfo maps a remote participant to their relay stream address.
type PullURLInfo struct {
	UserID string `json:"user_id"`
	URL    string `json:"url"`
	FLVURL string `json:"flv_url,omitempty"`
}

// ParticipantInfo describes a room member as reported by the media server.
type ParticipantInfo struct {
	UserID   string `json:"user_id"`
	Platform string `json:"platform,omitempty"`
	HasAudio bool   `json:"has_audio,omitempty"`
	HasVideo bool   `json:"has_video,omitempty"`
}
