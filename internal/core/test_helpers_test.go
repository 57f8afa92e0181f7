package core

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-client/internal/proto"
	"github.com/vovakirdan/wirechat-client/internal/session"
)

var (
	alice = session.Identity{UserID: "1", Username: "alice"}
	bob   = session.Identity{UserID: "2", Username: "bob"}
)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()
	return waitEvent(t, ch, func(ev *Event) bool { return ev.Kind == kind })
}

func waitEvent(t *testing.T, ch <-chan *Event, match func(*Event) bool) *Event {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("expected event not received")
			return nil
		}
	}
}

// fakeConn records outbound frames and lets tests inject inbound ones.
type fakeConn struct {
	mu       sync.Mutex
	sent     []proto.Envelope
	closed   bool
	handlers map[int]func(proto.Envelope)
	hooks    map[int]func(context.Context)
	nextID   int
	done     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handlers: make(map[int]func(proto.Envelope)),
		hooks:    make(map[int]func(context.Context)),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) Send(_ context.Context, env proto.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sent = append(c.sent, env)
	return true
}

func (c *fakeConn) OnMessage(h func(proto.Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) BeforeClose(fn func(context.Context)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.hooks[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.hooks, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) Done() <-chan struct{} {
	return c.done
}

func (c *fakeConn) deliver(env proto.Envelope) {
	c.mu.Lock()
	handlers := make([]func(proto.Envelope), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (c *fakeConn) close() {
	c.mu.Lock()
	hooks := make([]func(context.Context), 0, len(c.hooks))
	for _, fn := range c.hooks {
		hooks = append(hooks, fn)
	}
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(context.Background())
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

func (c *fakeConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.sent))
	for _, env := range c.sent {
		types = append(types, env.Type)
	}
	return types
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func chatFrame(t *testing.T, roomID string, sender session.Identity, id, content string) proto.Envelope {
	t.Helper()
	return proto.Envelope{
		Type:   proto.TypeChatReceived,
		RoomID: proto.ID(roomID),
		Payload: payload(t, proto.ChatReceivedPayload{
			Sender: proto.ID(sender.UserID),
			Message: proto.ChatMessage{
				ID:             proto.ID(id),
				Room:           proto.ID(roomID),
				Sender:         proto.ID(sender.UserID),
				SenderUsername: sender.Username,
				Content:        content,
				Timestamp:      "2024-05-01T10:00:00Z",
			},
		}),
	}
}

func notificationFrame(t *testing.T, roomID, subType, senderID, message string) proto.Envelope {
	t.Helper()
	return proto.Envelope{
		Type:    proto.TypeGroupNotification,
		RoomID:  proto.ID(roomID),
		SubType: subType,
		Payload: payload(t, proto.GroupNotificationPayload{SenderID: proto.ID(senderID), Message: message}),
	}
}

func deniedFrame(t *testing.T, reason string) proto.Envelope {
	t.Helper()
	return proto.Envelope{Type: proto.TypeJoinDenied, Payload: payload(t, proto.JoinDeniedPayload{Reason: reason})}
}

func wireMessages(sender session.Identity, ids ...string) []proto.ChatMessage {
	out := make([]proto.ChatMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, proto.ChatMessage{
			ID:             proto.ID(id),
			Sender:         proto.ID(sender.UserID),
			SenderUsername: sender.Username,
			Content:        "message " + id,
		})
	}
	return out
}

func messageIDs(msgs []Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}
