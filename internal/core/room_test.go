package core

import (
	"context"
	"slices"
	"testing"

	"github.com/vovakirdan/wirechat-client/internal/log"
	"github.com/vovakirdan/wirechat-client/internal/proto"
)

func newTestRoom(t *testing.T) (*RoomSession, *fakeConn, *[]RoomEvent) {
	t.Helper()
	conn := newFakeConn()
	room := NewRoomSession(conn, "5", alice, log.Nop())
	var events []RoomEvent
	room.OnEvent(func(ev RoomEvent) { events = append(events, ev) })
	return room, conn, &events
}

func TestRoomJoinAndLeaveFrames(t *testing.T) {
	room, conn, _ := newTestRoom(t)

	if !room.Join(context.Background()) || !room.Joined() {
		t.Fatal("expected join to be sent")
	}
	if !room.Leave(context.Background()) {
		t.Fatal("expected leave to be sent")
	}
	if room.Leave(context.Background()) {
		t.Fatal("second leave must be a no-op")
	}
	if got := conn.sentTypes(); !slices.Equal(got, []string{proto.TypeJoinRoom, proto.TypeLeftRoom}) {
		t.Fatalf("unexpected frames: %v", got)
	}
}

func TestRoomLeavesBeforeConnectionCloses(t *testing.T) {
	room, conn, _ := newTestRoom(t)
	room.Join(context.Background())

	conn.close()

	if got := conn.sentTypes(); !slices.Equal(got, []string{proto.TypeJoinRoom, proto.TypeLeftRoom}) {
		t.Fatalf("unexpected frames: %v", got)
	}
	if room.Joined() {
		t.Fatal("room should not be joined after close")
	}
}

func TestRoomSelfLeftNotificationIsIgnored(t *testing.T) {
	room, _, events := newTestRoom(t)
	room.Handle(notificationFrame(t, "5", proto.SubTypeLeft, alice.UserID, "alice left"))

	if len(*events) != 0 {
		t.Fatalf("expected no events, got %+v", *events)
	}
}

func TestRoomSelfJoinedTriggersResync(t *testing.T) {
	room, _, events := newTestRoom(t)
	room.Handle(notificationFrame(t, "5", proto.SubTypeJoined, alice.UserID, ""))

	if len(*events) != 1 || (*events)[0].Kind != RoomEventResync {
		t.Fatalf("expected resync, got %+v", *events)
	}
}

func TestRoomParticipantNotifications(t *testing.T) {
	room, _, events := newTestRoom(t)
	room.SetOwner("9")

	room.Handle(notificationFrame(t, "5", proto.SubTypeJoined, bob.UserID, "bob joined"))
	room.Handle(notificationFrame(t, "5", proto.SubTypeLeft, bob.UserID, ""))
	room.Handle(notificationFrame(t, "5", proto.SubTypeJoined, "9", "owner is back"))

	got := *events
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %+v", got)
	}
	if got[0].Delta != 1 || got[0].Notice != "bob joined" {
		t.Fatalf("unexpected join event: %+v", got[0])
	}
	if got[1].Delta != -1 || got[1].Notice == "" {
		t.Fatalf("unexpected leave event: %+v", got[1])
	}
	if got[2].Delta != 0 || got[2].Notice != "owner is back" {
		t.Fatalf("owner must not change the count: %+v", got[2])
	}
}

func TestRoomJoinDenied(t *testing.T) {
	room, _, events := newTestRoom(t)
	room.Join(context.Background())
	room.Handle(deniedFrame(t, "room is private"))

	if len(*events) != 1 {
		t.Fatalf("expected one event, got %+v", *events)
	}
	ev := (*events)[0]
	if ev.Kind != RoomEventDenied || ev.Reason != "room is private" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if room.Joined() {
		t.Fatal("denied room must not stay joined")
	}
}

func TestRoomChatTaggedBySender(t *testing.T) {
	room, _, events := newTestRoom(t)
	room.Handle(chatFrame(t, "5", alice, "1", "mine"))
	room.Handle(chatFrame(t, "5", bob, "2", "theirs"))

	got := *events
	if len(got) != 2 {
		t.Fatalf("expected two events, got %+v", got)
	}
	if !got[0].Chat.FromSelf || got[0].Chat.Message.Content != "mine" {
		t.Fatalf("unexpected own event: %+v", got[0])
	}
	if got[1].Chat.FromSelf || got[1].Chat.Message.SenderUsername != "bob" {
		t.Fatalf("unexpected foreign event: %+v", got[1])
	}
}

func TestRoomDropsForeignAndUnknownFrames(t *testing.T) {
	room, _, events := newTestRoom(t)
	room.Handle(chatFrame(t, "6", bob, "1", "other room"))
	room.Handle(proto.Envelope{Type: "typing", RoomID: "5", Payload: payload(t, map[string]string{})})
	room.Handle(proto.Envelope{Type: proto.TypeChatReceived, RoomID: "5", Payload: []byte(`"oops"`)})
	room.Handle(notificationFrame(t, "5", "kicked", bob.UserID, ""))

	if len(*events) != 0 {
		t.Fatalf("expected no events, got %+v", *events)
	}
}

func TestRoomUnsubscribe(t *testing.T) {
	conn := newFakeConn()
	room := NewRoomSession(conn, "5", alice, log.Nop())
	var first, second int
	unsubscribe := room.OnEvent(func(RoomEvent) { first++ })
	room.OnEvent(func(RoomEvent) { second++ })

	room.Handle(chatFrame(t, "5", bob, "1", "a"))
	unsubscribe()
	room.Handle(chatFrame(t, "5", bob, "2", "b"))

	if first != 1 || second != 2 {
		t.Fatalf("unexpected counts: first=%d second=%d", first, second)
	}
}
