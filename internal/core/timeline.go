package core

import (
	"strings"
	"time"

	"github.com/vovakirdan/wirechat-client/internal/proto"
	"github.com/vovakirdan/wirechat-client/internal/session"
)

// Page is one page of room history, oldest first. Next is the opaque
// cursor of the previous (older) page, empty when there is none.
type Page struct {
	Messages []proto.ChatMessage
	Next     string
}

// ChatEvent is an inbound chat message for the joined room.
type ChatEvent struct {
	Message  Message
	FromSelf bool
}

// HeightFunc measures how much vertical space a message takes when rendered.
type HeightFunc func(Message) int

// LineHeight counts rendered lines: one per content line.
func LineHeight(m Message) int {
	return strings.Count(m.Content, "\n") + 1
}

// Anchor tells the view how far to shift its scroll offset after older
// messages were prepended, so the visible content does not move.
type Anchor struct {
	Added  int
	Height int
}

// Timeline is the ordered message list of one room. Server-ordered
// messages keep their order; pending messages sit where they were appended
// and stay there once confirmed. It is not safe for concurrent use.
type Timeline struct {
	roomID       string
	self         session.Identity
	messages     []Message
	cursor       string
	loadingOlder bool
	height       HeightFunc
}

// NewTimeline creates an empty timeline. height may be nil.
func NewTimeline(roomID string, self session.Identity, height HeightFunc) *Timeline {
	if height == nil {
		height = LineHeight
	}
	return &Timeline{roomID: roomID, self: self, height: height}
}

// AppendOptimistic adds a pending own message at the tail.
func (t *Timeline) AppendOptimistic(id, content string, now time.Time) Message {
	msg := Message{
		ID:             id,
		RoomID:         t.roomID,
		SenderID:       t.self.UserID,
		SenderUsername: t.self.Username,
		Content:        content,
		Timestamp:      now,
		Status:         StatusPending,
	}
	t.messages = append(t.messages, msg)
	return msg
}

// AppendSystem adds a local notice at the tail.
func (t *Timeline) AppendSystem(id, content string, now time.Time) Message {
	msg := Message{ID: id, RoomID: t.roomID, Content: content, Timestamp: now, Status: StatusSystem}
	t.messages = append(t.messages, msg)
	return msg
}

// MergeIncoming applies a chat event. An own echo confirms the oldest
// pending message with the same content in place, taking the server id and
// timestamp; with no such message it is appended as confirmed. Messages from
// others are appended. A message whose id is already present, because a
// reload fetched it before its echo arrived, is not added again; an own one
// settles the oldest matching pending message instead.
func (t *Timeline) MergeIncoming(ev ChatEvent) Message {
	incoming := ev.Message
	if incoming.RoomID == "" {
		incoming.RoomID = t.roomID
	}

	if existing, ok := t.find(incoming.ID); ok {
		if ev.FromSelf {
			t.dropPending(incoming.Content)
		}
		return existing
	}

	if !ev.FromSelf {
		incoming.Status = StatusReceived
		t.messages = append(t.messages, incoming)
		return incoming
	}

	for i := range t.messages {
		m := &t.messages[i]
		if m.Status != StatusPending || m.Content != incoming.Content {
			continue
		}
		m.ID = incoming.ID
		if !incoming.Timestamp.IsZero() {
			m.Timestamp = incoming.Timestamp
		}
		if incoming.SenderUsername != "" {
			m.SenderUsername = incoming.SenderUsername
		}
		m.Status = StatusConfirmed
		return *m
	}

	incoming.Status = StatusConfirmed
	t.messages = append(t.messages, incoming)
	return incoming
}

func (t *Timeline) find(id string) (Message, bool) {
	if id == "" {
		return Message{}, false
	}
	for _, m := range t.messages {
		if m.ID == id && m.Status != StatusPending {
			return m, true
		}
	}
	return Message{}, false
}

// dropPending removes the oldest pending message with content.
func (t *Timeline) dropPending(content string) {
	for i, m := range t.messages {
		if m.Status == StatusPending && m.Content == content {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			return
		}
	}
}

// Reset replaces history with the newest page. Pending messages survive at
// the tail because their echoes may still arrive.
func (t *Timeline) Reset(page Page) {
	next := make([]Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		next = append(next, messageFromWire(m, t.roomID, t.self))
	}
	for _, m := range t.messages {
		if m.Status == StatusPending {
			next = append(next, m)
		}
	}
	t.messages = next
	t.cursor = page.Next
	t.loadingOlder = false
}

// BeginLoadOlder marks a page fetch as outstanding and returns its cursor.
// It returns false while another fetch is outstanding or when there is no
// older page.
func (t *Timeline) BeginLoadOlder() (string, bool) {
	if t.loadingOlder || t.cursor == "" {
		return "", false
	}
	t.loadingOlder = true
	return t.cursor, true
}

// CompleteLoadOlder prepends an older page and reports the added height.
// Messages already present are skipped.
func (t *Timeline) CompleteLoadOlder(page Page) Anchor {
	t.loadingOlder = false
	t.cursor = page.Next

	seen := make(map[string]struct{}, len(t.messages))
	for _, m := range t.messages {
		seen[m.ID] = struct{}{}
	}

	var anchor Anchor
	older := make([]Message, 0, len(page.Messages)+len(t.messages))
	for _, wm := range page.Messages {
		m := messageFromWire(wm, t.roomID, t.self)
		if _, dup := seen[m.ID]; dup {
			continue
		}
		older = append(older, m)
		anchor.Added++
		anchor.Height += t.height(m)
	}
	t.messages = append(older, t.messages...)
	return anchor
}

// FailLoadOlder clears the outstanding fetch so it can be retried.
func (t *Timeline) FailLoadOlder() {
	t.loadingOlder = false
}

// Messages returns a copy of the sequence.
func (t *Timeline) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// HasMore reports whether an older page exists.
func (t *Timeline) HasMore() bool {
	return t.cursor != ""
}

// LoadingOlder reports whether a page fetch is outstanding.
func (t *Timeline) LoadingOlder() bool {
	return t.loadingOlder
}
