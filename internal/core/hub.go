package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/proto"
	"github.com/vovakirdan/wirechat-client/internal/session"
	"github.com/vovakirdan/wirechat-client/internal/utils"
)

// Loader fetches room state over the request/response API.
type Loader interface {
	Room(ctx context.Context, roomID string) (RoomInfo, error)
	Messages(ctx context.Context, roomID, cursor string) (Page, error)
}

// Options tune a Hub. Zero values fall back to defaults.
type Options struct {
	EventBuffer  int
	LeaveTimeout time.Duration
	SendTimeout  time.Duration
	Height       HeightFunc
	NewID        func() string
	Now          func() time.Time
	// ErrorText renders a failed load for a notice.
	ErrorText func(error) string
}

func (o Options) withDefaults() Options {
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.LeaveTimeout <= 0 {
		o.LeaveTimeout = time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.NewID == nil {
		o.NewID = utils.NewID
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.ErrorText == nil {
		o.ErrorText = func(err error) string { return err.Error() }
	}
	return o
}

// Hub runs one room screen: it serializes inbound frames, view commands and
// completed loads on a single goroutine, and reports every change as an
// Event. Network calls run on their own goroutines and post results back.
type Hub struct {
	conn     Conn
	room     *RoomSession
	loader   Loader
	timeline *Timeline
	info     RoomInfo
	loading  bool
	// generation invalidates loads started before the latest resync.
	generation int

	opts Options
	log  *zerolog.Logger

	frames   chan proto.Envelope
	commands chan Command
	results  chan func()
	events   chan *Event
	done     chan struct{}
	started  atomic.Bool

	ctx     context.Context
	stopErr error
}

// NewHub builds a hub for roomID on conn. Nothing is sent until Run.
func NewHub(conn Conn, roomID string, self session.Identity, loader Loader, opts Options, logger *zerolog.Logger) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		conn:     conn,
		room:     NewRoomSession(conn, roomID, self, logger),
		loader:   loader,
		timeline: NewTimeline(roomID, self, opts.Height),
		info:     RoomInfo{ID: roomID},
		opts:     opts,
		log:      logger,
		frames:   make(chan proto.Envelope, opts.EventBuffer),
		commands: make(chan Command, opts.EventBuffer),
		results:  make(chan func(), opts.EventBuffer),
		events:   make(chan *Event, opts.EventBuffer),
		done:     make(chan struct{}),
	}
}

// Events is closed when Run returns.
func (h *Hub) Events() <-chan *Event {
	return h.events
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// SendMessage queues content for sending. Blank content is ignored.
func (h *Hub) SendMessage(content string) error {
	return h.submit(Command{Kind: CommandSendMessage, Content: content})
}

// LoadOlder asks for the previous history page. Calls made while a page is
// already being fetched are ignored.
func (h *Hub) LoadOlder() error {
	return h.submit(Command{Kind: CommandLoadOlder})
}

// Resync reloads room details and the newest page.
func (h *Hub) Resync() error {
	return h.submit(Command{Kind: CommandResync})
}

func (h *Hub) submit(cmd Command) error {
	select {
	case h.commands <- cmd:
		return nil
	case <-h.done:
		return ErrConnectionClosed
	}
}

// Run joins the room and processes events until ctx is cancelled, the
// connection drops, the join is denied or the room cannot be loaded. It
// leaves the room before returning while the connection is still up.
func (h *Hub) Run(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return errors.New("hub already running")
	}
	h.ctx = ctx
	defer close(h.events)
	defer close(h.done)

	unsubscribe := h.conn.OnMessage(func(env proto.Envelope) {
		select {
		case h.frames <- env:
		case <-h.done:
		}
	})
	defer unsubscribe()
	defer h.room.OnEvent(h.handleRoomEvent)()

	sendCtx, cancel := context.WithTimeout(ctx, h.opts.SendTimeout)
	joined := h.room.Join(sendCtx)
	cancel()
	if !joined {
		h.emit(EventDisconnected, func(ev *Event) { ev.Reason = "not connected" })
		return ErrNotJoined
	}
	// History is loaded once the server confirms the join.
	h.loading = true

	for {
		select {
		case <-ctx.Done():
			h.leave()
			return ctx.Err()

		case <-h.conn.Done():
			h.drainFrames()
			if h.stopErr != nil {
				return h.stopErr
			}
			h.room.Detach()
			h.timeline.AppendSystem(h.opts.NewID(), "Disconnected from room", h.opts.Now())
			h.emit(EventDisconnected, func(ev *Event) { ev.Reason = "connection closed" })
			return ErrConnectionClosed

		case env := <-h.frames:
			h.room.Handle(env)

		case cmd := <-h.commands:
			h.handleCommand(cmd)

		case fn := <-h.results:
			fn()
		}

		if h.stopErr != nil {
			h.leave()
			return h.stopErr
		}
	}
}

func (h *Hub) leave() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), h.opts.LeaveTimeout)
	defer cancel()
	h.room.Leave(ctx)
}

// drainFrames handles frames that were read before the connection closed.
func (h *Hub) drainFrames() {
	for {
		select {
		case env := <-h.frames:
			h.room.Handle(env)
			if h.stopErr != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *Hub) handleCommand(cmd Command) {
	switch cmd.Kind {
	case CommandSendMessage:
		h.sendMessage(cmd.Content)
	case CommandLoadOlder:
		h.loadOlder()
	case CommandResync:
		h.startResync()
	default:
		h.log.Warn().Int("kind", int(cmd.Kind)).Msg("unknown command")
	}
}

func (h *Hub) sendMessage(content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	msg := h.timeline.AppendOptimistic(h.opts.NewID(), content, h.opts.Now())
	h.emit(EventTimeline, nil)

	env, err := proto.SendChat(proto.ID(h.room.RoomID()), content)
	if err != nil {
		h.log.Error().Err(err).Msg("encode send_chat")
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.opts.SendTimeout)
	defer cancel()
	if !h.conn.Send(ctx, env) {
		h.log.Warn().Str("room", h.room.RoomID()).Str("local_id", msg.ID).Msg("message not sent")
		h.notice(NoticeWarn, "Not connected, message was not sent")
	}
}

func (h *Hub) loadOlder() {
	cursor, ok := h.timeline.BeginLoadOlder()
	if !ok {
		return
	}
	h.emit(EventTimeline, nil)

	gen := h.generation
	roomID := h.room.RoomID()
	ctx := context.WithoutCancel(h.ctx)
	go func() {
		page, err := h.loader.Messages(ctx, roomID, cursor)
		h.post(func() {
			if gen != h.generation {
				return
			}
			if err != nil {
				h.timeline.FailLoadOlder()
				h.log.Warn().Err(err).Str("room", roomID).Msg("load older messages")
				h.emit(EventTimeline, nil)
				h.notice(NoticeError, h.opts.ErrorText(err))
				return
			}
			anchor := h.timeline.CompleteLoadOlder(page)
			h.emit(EventOlderLoaded, func(ev *Event) { ev.Anchor = anchor })
		})
	}()
}

func (h *Hub) startResync() {
	h.generation++
	gen := h.generation
	h.loading = true
	h.emit(EventTimeline, nil)

	roomID := h.room.RoomID()
	ctx := context.WithoutCancel(h.ctx)
	go func() {
		info, infoErr := h.loader.Room(ctx, roomID)
		page, pageErr := h.loader.Messages(ctx, roomID, "")
		h.post(func() {
			if gen != h.generation {
				return
			}
			h.loading = false
			if infoErr != nil {
				h.log.Warn().Err(infoErr).Str("room", roomID).Msg("load room details")
				text := h.opts.ErrorText(infoErr)
				h.emit(EventTimeline, nil)
				h.notice(NoticeError, text)
				h.emit(EventNavigateAway, func(ev *Event) { ev.Reason = text })
				h.stopErr = fmt.Errorf("load room: %w", infoErr)
				return
			}
			h.info = info
			h.room.SetOwner(info.OwnerID)
			h.emit(EventRoomUpdated, nil)

			if pageErr != nil {
				h.log.Warn().Err(pageErr).Str("room", roomID).Msg("load messages")
				h.emit(EventTimeline, nil)
				h.notice(NoticeError, h.opts.ErrorText(pageErr))
				return
			}
			h.timeline.Reset(page)
			h.emit(EventTimeline, nil)
		})
	}()
}

func (h *Hub) post(fn func()) {
	select {
	case h.results <- fn:
	case <-h.done:
	}
}

func (h *Hub) handleRoomEvent(ev RoomEvent) {
	switch ev.Kind {
	case RoomEventChat:
		h.timeline.MergeIncoming(ev.Chat)
		h.emit(EventTimeline, nil)

	case RoomEventDenied:
		reason := ev.Reason
		if reason == "" {
			reason = "access denied"
		}
		h.log.Info().Str("room", h.room.RoomID()).Str("reason", reason).Msg("join denied")
		h.notice(NoticeError, reason)
		h.emit(EventNavigateAway, func(e *Event) { e.Reason = reason })
		h.stopErr = &JoinDeniedError{Reason: reason}

	case RoomEventResync:
		h.startResync()

	case RoomEventParticipant:
		if ev.Delta != 0 {
			h.info.ParticipantCount = max(h.info.ParticipantCount+ev.Delta, 0)
			h.emit(EventRoomUpdated, nil)
		}
		h.notice(NoticeInfo, ev.Notice)
	}
}

func (h *Hub) notice(level NoticeLevel, text string) {
	h.emit(EventNotice, func(ev *Event) {
		ev.Level = level
		ev.Notice = text
	})
}

// emit sends an event with the current view. It blocks while the view is
// behind, until ctx is cancelled.
func (h *Hub) emit(kind EventKind, fill func(*Event)) {
	ev := &Event{Kind: kind, View: h.view()}
	if fill != nil {
		fill(ev)
	}
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
		h.log.Debug().Str("event", kind.String()).Msg("dropping event after cancel")
	}
}

func (h *Hub) view() View {
	return View{
		Room:         h.info,
		Messages:     h.timeline.Messages(),
		Joined:       h.room.Joined(),
		Loading:      h.loading,
		LoadingOlder: h.timeline.LoadingOlder(),
		HasMore:      h.timeline.HasMore(),
	}
}
