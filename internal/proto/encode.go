package proto

import "encoding/json"

// Sender identifies the local party on outbound signals.
type Sender struct {
	UserID   string
	ClientID string
	Name     string
	Avatar   string
}

// DirectSignal builds a 1:1 signaling message. body is marshalled into
// content; nil means an empty object (invite, accepted, hangup, ...).
func DirectSignal(from Sender, roomID, callID, receiverID string, action Action, kind CallKind, body any) (Message, error) {
	content := []byte("{}")
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Message{}, err
		}
		content = b
	}
	extra, err := json.Marshal(Extra{Type: kind, SenderName: from.Name, SenderAvatar: from.Avatar})
	if err != nil {
		return Message{}, err
	}
	return Message{
		RoomID:         roomID,
		SenderUserID:   from.UserID,
		SenderClientID: from.ClientID,
		ReceiverUserID: receiverID,
		MessageType:    MessageTypeSignal,
		CallID:         callID,
		CallStatus:     string(action),
		Content:        string(content),
		Extra:          string(extra),
	}, nil
}

// GroupSignal builds a multi-party signaling message. The Payload's sender
// fields are filled from the Sender; offer/answer/candidate require
// payload.TargetID to be set by the caller.
func GroupSignal(from Sender, groupRoomID string, payload Payload) (Message, error) {
	payload.SenderID = from.UserID
	if payload.SenderName == "" {
		payload.SenderName = from.Name
	}
	if payload.SenderAvatar == "" {
		payload.SenderAvatar = from.Avatar
	}

	content, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	receiver := ""
	switch payload.Action {
	case ActionOffer, ActionAnswer, ActionCandidate:
		receiver = payload.TargetID
	}

	return Message{
		RoomID:         groupRoomID,
		SenderUserID:   from.UserID,
		SenderClientID: from.ClientID,
		ReceiverUserID: receiver,
		MessageType:    MessageTypeSignal,
		CallStatus:     string(payload.Action),
		Content:        string(content),
	}, nil
}

// MarshalBody encodes an action-dependent body for embedding in a group
// Payload's Data field.
func MarshalBody(v any) (RawBody, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return RawBody(b), nil
}
