package core

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-client/internal/log"
	"github.com/vovakirdan/wirechat-client/internal/proto"
)

type fakeLoader struct {
	mu        sync.Mutex
	info      RoomInfo
	roomErr   error
	pages     map[string]Page
	gates     map[string]chan struct{}
	roomCalls int
	pageCalls map[string]int
}

func newFakeLoader(info RoomInfo) *fakeLoader {
	return &fakeLoader{
		info:      info,
		pages:     make(map[string]Page),
		gates:     make(map[string]chan struct{}),
		pageCalls: make(map[string]int),
	}
}

func (l *fakeLoader) Room(context.Context, string) (RoomInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roomCalls++
	return l.info, l.roomErr
}

func (l *fakeLoader) Messages(_ context.Context, _ string, cursor string) (Page, error) {
	l.mu.Lock()
	l.pageCalls[cursor]++
	gate := l.gates[cursor]
	page, ok := l.pages[cursor]
	l.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !ok {
		return Page{}, errors.New("page not found")
	}
	return page, nil
}

func (l *fakeLoader) calls(cursor string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pageCalls[cursor]
}

func (l *fakeLoader) rooms() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roomCalls
}

type hubFixture struct {
	hub    *Hub
	conn   *fakeConn
	loader *fakeLoader
	errCh  chan error
	cancel context.CancelFunc
}

func startHub(t *testing.T, loader *fakeLoader) *hubFixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)

	conn := newFakeConn()
	var seq int
	hub := NewHub(conn, "5", alice, loader, Options{
		NewID: func() string {
			seq++
			return "local-" + string(rune('a'+seq-1))
		},
	}, log.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- hub.Run(ctx) }()

	waitSent(t, conn, proto.TypeJoinRoom)
	conn.deliver(notificationFrame(t, "5", proto.SubTypeJoined, alice.UserID, ""))
	waitEvent(t, hub.Events(), func(ev *Event) bool { return ev.Kind == EventTimeline && !ev.View.Loading })
	return &hubFixture{hub: hub, conn: conn, loader: loader, errCh: errCh, cancel: cancel}
}

func waitSent(t *testing.T, conn *fakeConn, frameType string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !slices.Contains(conn.sentTypes(), frameType) {
		if time.Now().After(deadline) {
			t.Fatalf("%s not sent", frameType)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *hubFixture) runErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
		return nil
	}
}

func defaultLoader() *fakeLoader {
	loader := newFakeLoader(RoomInfo{ID: "5", Name: "general", OwnerID: "9", ParticipantCount: 3})
	loader.pages[""] = Page{Messages: wireMessages(bob, "3", "4"), Next: "2"}
	return loader
}

func TestHubJoinLoadsHistoryAndConfirmsEcho(t *testing.T) {
	f := startHub(t, defaultLoader())

	if got := f.conn.sentTypes(); len(got) == 0 || got[0] != proto.TypeJoinRoom {
		t.Fatalf("expected join_room first, got %v", got)
	}

	if err := f.hub.SendMessage("hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := waitEvent(t, f.hub.Events(), func(ev *Event) bool { return len(ev.View.Messages) == 3 })
	if last := ev.View.Messages[2]; last.Status != StatusPending || last.Content != "hi" {
		t.Fatalf("expected pending message at tail, got %+v", last)
	}

	f.conn.deliver(chatFrame(t, "5", alice, "77", "hi"))
	ev = waitEvent(t, f.hub.Events(), func(ev *Event) bool {
		n := len(ev.View.Messages)
		return n > 0 && ev.View.Messages[n-1].Status == StatusConfirmed
	})
	if got := messageIDs(ev.View.Messages); !slices.Equal(got, []string{"3", "4", "77"}) {
		t.Fatalf("unexpected ids: %v", got)
	}
	if got := f.conn.sentTypes(); !slices.Contains(got, proto.TypeSendChat) {
		t.Fatalf("send_chat not sent: %v", got)
	}
}

func TestHubSendDuringResyncKeepsOneCopy(t *testing.T) {
	loader := defaultLoader()
	f := startHub(t, loader)

	if err := f.hub.SendMessage("hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	gate := make(chan struct{})
	loader.mu.Lock()
	own := proto.ChatMessage{ID: "77", Sender: proto.ID(alice.UserID), SenderUsername: alice.Username, Content: "hi"}
	loader.pages[""] = Page{Messages: append(wireMessages(bob, "3", "4"), own), Next: "2"}
	loader.gates[""] = gate
	loader.mu.Unlock()

	if err := f.hub.Resync(); err != nil {
		t.Fatalf("resync: %v", err)
	}
	waitEvent(t, f.hub.Events(), func(ev *Event) bool { return ev.Kind == EventTimeline && ev.View.Loading })
	close(gate)
	waitEvent(t, f.hub.Events(), func(ev *Event) bool { return ev.Kind == EventTimeline && !ev.View.Loading })

	f.conn.deliver(chatFrame(t, "5", alice, "77", "hi"))
	ev := waitEvent(t, f.hub.Events(), func(ev *Event) bool {
		for _, m := range ev.View.Messages {
			if m.Status == StatusPending {
				return false
			}
		}
		return true
	})
	if got := messageIDs(ev.View.Messages); !slices.Equal(got, []string{"3", "4", "77"}) {
		t.Fatalf("expected a single copy of the sent message, got %v", got)
	}
}

func TestHubLoadOlderFetchesOnce(t *testing.T) {
	loader := defaultLoader()
	loader.pages["2"] = Page{Messages: wireMessages(bob, "1", "2")}
	gate := make(chan struct{})
	loader.gates["2"] = gate
	f := startHub(t, loader)

	_ = f.hub.LoadOlder()
	_ = f.hub.LoadOlder()
	_ = f.hub.LoadOlder()
	// Commands run in order, so once this message shows up every LoadOlder was handled.
	_ = f.hub.SendMessage("marker")
	waitEvent(t, f.hub.Events(), func(ev *Event) bool {
		return ev.View.LoadingOlder && len(ev.View.Messages) == 3
	})

	close(gate)
	ev := mustEvent(t, f.hub.Events(), EventOlderLoaded)
	if ev.Anchor.Added != 2 {
		t.Fatalf("unexpected anchor: %+v", ev.Anchor)
	}
	if got := loader.calls("2"); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}
	if got := messageIDs(ev.View.Messages); !slices.Equal(got, []string{"1", "2", "3", "4", "local-a"}) {
		t.Fatalf("unexpected ids: %v", got)
	}
	if ev.View.HasMore || ev.View.LoadingOlder {
		t.Fatalf("unexpected flags: %+v", ev.View)
	}
}

func TestHubJoinDeniedNavigatesAway(t *testing.T) {
	f := startHub(t, defaultLoader())

	f.conn.deliver(deniedFrame(t, "room is full"))

	notice := mustEvent(t, f.hub.Events(), EventNotice)
	if !strings.Contains(notice.Notice, "room is full") {
		t.Fatalf("notice should carry the reason: %+v", notice)
	}
	nav := mustEvent(t, f.hub.Events(), EventNavigateAway)
	if got := messageIDs(nav.View.Messages); !slices.Equal(got, []string{"3", "4"}) {
		t.Fatalf("denial must not touch messages: %v", got)
	}

	var denied *JoinDeniedError
	if err := f.runErr(t); !errors.As(err, &denied) || denied.Reason != "room is full" {
		t.Fatalf("expected join denied error, got %v", err)
	}
}

func TestHubRoomLoadFailureNavigatesAway(t *testing.T) {
	loader := defaultLoader()
	loader.roomErr = errors.New("no such room")
	f := startHub(t, loader)

	notice := mustEvent(t, f.hub.Events(), EventNotice)
	if notice.Level != NoticeError || notice.Notice != "no such room" {
		t.Fatalf("unexpected notice: %+v", notice)
	}
	mustEvent(t, f.hub.Events(), EventNavigateAway)

	if err := f.runErr(t); err == nil || !strings.Contains(err.Error(), "load room") {
		t.Fatalf("expected load room error, got %v", err)
	}
	if got := f.conn.sentTypes(); got[len(got)-1] != proto.TypeLeftRoom {
		t.Fatalf("expected left_room after navigating away, got %v", got)
	}
}

func TestHubLoadsHistoryOnlyAfterJoinConfirmed(t *testing.T) {
	loader := defaultLoader()
	conn := newFakeConn()
	hub := NewHub(conn, "5", alice, loader, Options{}, log.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	waitSent(t, conn, proto.TypeJoinRoom)
	conn.deliver(chatFrame(t, "5", bob, "9", "before join confirmed"))

	first := <-hub.Events()
	if first.Kind != EventTimeline || len(first.View.Messages) != 1 || !first.View.Loading {
		t.Fatalf("expected the chat message as first event, got %+v", first)
	}
	if got := loader.rooms(); got != 0 {
		t.Fatalf("room loaded before join confirmation: %d", got)
	}

	conn.deliver(notificationFrame(t, "5", proto.SubTypeJoined, alice.UserID, ""))
	waitEvent(t, hub.Events(), func(ev *Event) bool { return ev.Kind == EventTimeline && !ev.View.Loading })
	if got := loader.rooms(); got != 1 {
		t.Fatalf("expected one room load, got %d", got)
	}
}

func TestHubSelfJoinResyncs(t *testing.T) {
	f := startHub(t, defaultLoader())

	f.conn.deliver(notificationFrame(t, "5", proto.SubTypeJoined, alice.UserID, ""))
	waitEvent(t, f.hub.Events(), func(ev *Event) bool { return ev.Kind == EventTimeline && ev.View.Loading })
	waitEvent(t, f.hub.Events(), func(ev *Event) bool { return ev.Kind == EventTimeline && !ev.View.Loading })

	if got := f.loader.rooms(); got != 2 {
		t.Fatalf("expected one load per confirmed join, got %d", got)
	}
}

func TestHubParticipantCount(t *testing.T) {
	f := startHub(t, defaultLoader())

	f.conn.deliver(notificationFrame(t, "5", proto.SubTypeJoined, bob.UserID, "bob joined"))
	ev := mustEvent(t, f.hub.Events(), EventRoomUpdated)
	if ev.View.Room.ParticipantCount != 4 {
		t.Fatalf("expected 4 participants, got %d", ev.View.Room.ParticipantCount)
	}
	notice := mustEvent(t, f.hub.Events(), EventNotice)
	if notice.Notice != "bob joined" || notice.Level != NoticeInfo {
		t.Fatalf("unexpected notice: %+v", notice)
	}

	f.conn.deliver(notificationFrame(t, "5", proto.SubTypeLeft, "9", "owner left"))
	notice = mustEvent(t, f.hub.Events(), EventNotice)
	if notice.View.Room.ParticipantCount != 4 {
		t.Fatalf("owner must not change the count, got %d", notice.View.Room.ParticipantCount)
	}
}

func TestHubDisconnectIsTerminal(t *testing.T) {
	f := startHub(t, defaultLoader())

	f.conn.close()

	ev := mustEvent(t, f.hub.Events(), EventDisconnected)
	msgs := ev.View.Messages
	if len(msgs) == 0 || msgs[len(msgs)-1].Status != StatusSystem {
		t.Fatalf("expected a system notice at the tail, got %+v", msgs)
	}
	if err := f.runErr(t); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if err := f.hub.SendMessage("late"); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed after stop, got %v", err)
	}
	if got := f.conn.sentTypes(); got[len(got)-1] != proto.TypeLeftRoom {
		t.Fatalf("expected left_room before close, got %v", got)
	}
}

func TestHubCancelLeavesRoom(t *testing.T) {
	f := startHub(t, defaultLoader())

	f.cancel()
	if err := f.runErr(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := f.conn.sentTypes(); got[len(got)-1] != proto.TypeLeftRoom {
		t.Fatalf("expected left_room on exit, got %v", got)
	}
	for range f.hub.Events() {
	}
}
