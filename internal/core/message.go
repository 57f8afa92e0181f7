package core

import (
	"time"

	"github.com/vovakirdan/wirechat-client/internal/proto"
	"github.com/vovakirdan/wirechat-client/internal/session"
)

// Status tells where a message came from and whether the server has seen it.
type Status string

const (
	// StatusPending is a message sent from this client and not yet echoed back.
	StatusPending Status = "pending"
	// StatusConfirmed is an own message the server has acknowledged.
	StatusConfirmed Status = "confirmed"
	// StatusReceived is a message from another participant.
	StatusReceived Status = "received"
	// StatusSystem is a local notice rendered inline.
	StatusSystem Status = "system"
)

// Message is the domain model for a chat message.
type Message struct {
	ID             string
	RoomID         string
	SenderID       string
	SenderUsername string
	Content        string
	Timestamp      time.Time
	Status         Status
}

// messageFromWire converts a server message. Own messages are confirmed,
// everything else is received.
func messageFromWire(m proto.ChatMessage, roomID string, self session.Identity) Message {
	msg := Message{
		ID:             m.ID.String(),
		RoomID:         roomID,
		SenderID:       m.Sender.String(),
		SenderUsername: m.SenderUsername,
		Content:        m.Content,
		Timestamp:      parseTimestamp(m.Timestamp),
		Status:         StatusReceived,
	}
	if m.Room != "" {
		msg.RoomID = m.Room.String()
	}
	if msg.SenderID != "" && msg.SenderID == self.UserID {
		msg.Status = StatusConfirmed
	}
	return msg
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
