package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Client -> server message types.
const (
	TypeJoinRoom = "join_room"
	TypeLeftRoom = "left_room"
	TypeSendChat = "send_chat"
)

// Server -> client message types. "chat_recieved" is spelled the way the
// server sends it.
const (
	TypeChatReceived      = "chat_recieved"
	TypeJoinDenied        = "join_denied"
	TypeGroupNotification = "group_notification"

	SubTypeJoined = "joined"
	SubTypeLeft   = "left"
)

var emptyPayload = json.RawMessage(`{}`)

// Envelope is the frame shape in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	RoomID  ID              `json:"room_id,omitempty"`
	SubType string          `json:"sub_type,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// SendChatPayload is the body of a send_chat frame.
type SendChatPayload struct {
	Message string `json:"message"`
}

// ChatMessage is a persisted message as the server serializes it, both in
// history pages and inside chat_recieved frames.
type ChatMessage struct {
	ID             ID     `json:"id"`
	Room           ID     `json:"room,omitempty"`
	Sender         ID     `json:"sender,omitempty"`
	SenderUsername string `json:"sender_username,omitempty"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp,omitempty"`
	Type           string `json:"type,omitempty"`
}

// ChatReceivedPayload is the body of a chat_recieved frame.
type ChatReceivedPayload struct {
	Sender  ID          `json:"sender"`
	Message ChatMessage `json:"message"`
}

// JoinDeniedPayload is the body of a join_denied frame.
type JoinDeniedPayload struct {
	Reason string `json:"reason"`
}

// GroupNotificationPayload is the body of a group_notification frame.
type GroupNotificationPayload struct {
	SenderID ID     `json:"sender_id"`
	Message  string `json:"message"`
}

// JoinRoom builds a join_room frame.
func JoinRoom(roomID ID) Envelope {
	return Envelope{Type: TypeJoinRoom, RoomID: roomID, Payload: emptyPayload}
}

// LeftRoom builds a left_room frame.
func LeftRoom(roomID ID) Envelope {
	return Envelope{Type: TypeLeftRoom, RoomID: roomID, Payload: emptyPayload}
}

// SendChat builds a send_chat frame.
func SendChat(roomID ID, message string) (Envelope, error) {
	payload, err := json.Marshal(SendChatPayload{Message: message})
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal send_chat: %w", err)
	}
	return Envelope{Type: TypeSendChat, RoomID: roomID, Payload: payload}, nil
}

// DecodePayload unmarshals the envelope payload into v. Failures are
// reported as *ProtocolViolation.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return &ProtocolViolation{Type: e.Type, Reason: "missing payload"}
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &ProtocolViolation{Type: e.Type, Reason: "malformed payload", Err: err}
	}
	return nil
}

// ParseEnvelope decodes a raw text frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &ProtocolViolation{Reason: "malformed frame", Err: err}
	}
	if env.Type == "" {
		return Envelope{}, &ProtocolViolation{Reason: "missing type"}
	}
	return env, nil
}

// ProtocolViolation describes a malformed or unexpected realtime frame.
// Violations are logged and dropped; they never close the connection.
type ProtocolViolation struct {
	Type   string
	Reason string
	Err    error
}

func (e *ProtocolViolation) Error() string {
	msg := "protocol violation: " + e.Reason
	if e.Type != "" {
		msg += " (type " + e.Type + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolViolation) Unwrap() error {
	return e.Err
}

// ID is a server identifier. The server emits integer ids but some payloads
// carry them as strings, so both forms decode to the same value.
type ID string

// UnmarshalJSON accepts numbers, strings and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes integer-looking ids as numbers and everything else as strings.
func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string {
	return string(id)
}
