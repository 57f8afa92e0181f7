package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/proto"
	"github.com/vovakirdan/wirechat-client/internal/session"
)

// Conn is the realtime connection a room session runs on.
type Conn interface {
	Send(ctx context.Context, env proto.Envelope) bool
	OnMessage(h func(proto.Envelope)) (unsubscribe func())
	BeforeClose(fn func(ctx context.Context)) (remove func())
	Done() <-chan struct{}
}

// RoomInfo is the room metadata shown next to the timeline.
type RoomInfo struct {
	ID               string
	Name             string
	OwnerID          string
	OwnerUsername    string
	ParticipantCount int
}

// RoomEventKind classifies inbound frames for the joined room.
type RoomEventKind int

const (
	// RoomEventChat carries a chat message.
	RoomEventChat RoomEventKind = iota
	// RoomEventDenied means the server refused the join.
	RoomEventDenied
	// RoomEventResync means own join was confirmed and history may be loaded.
	RoomEventResync
	// RoomEventParticipant is another participant joining or leaving.
	RoomEventParticipant
)

// RoomEvent is a classified inbound frame.
type RoomEvent struct {
	Kind   RoomEventKind
	Chat   ChatEvent
	Reason string
	UserID string
	// Delta is the participant count change; zero for the room owner.
	Delta  int
	Notice string
}

// RoomSession is the membership of one room over a connection: it emits
// join/leave frames and turns inbound frames for the room into RoomEvents.
// Except for the leave-on-close hook, it is driven from a single goroutine.
type RoomSession struct {
	conn    Conn
	roomID  proto.ID
	self    session.Identity
	ownerID string
	joined  atomic.Bool
	log     *zerolog.Logger

	handlers   []roomHandler
	nextID     int
	removeHook func()
}

type roomHandler struct {
	id int
	fn func(RoomEvent)
}

// NewRoomSession creates a session for roomID; nothing is sent until Join.
func NewRoomSession(conn Conn, roomID string, self session.Identity, logger *zerolog.Logger) *RoomSession {
	return &RoomSession{
		conn:   conn,
		roomID: proto.ID(roomID),
		self:   self,
		log:    logger,
	}
}

// RoomID returns the room this session is for.
func (r *RoomSession) RoomID() string {
	return r.roomID.String()
}

// Joined reports whether a join was sent and not yet followed by a leave.
func (r *RoomSession) Joined() bool {
	return r.joined.Load()
}

// SetOwner records the room owner, whose joins and leaves do not change the
// participant count.
func (r *RoomSession) SetOwner(userID string) {
	r.ownerID = userID
}

// Join emits join_room. If the connection is closed later while still
// joined, left_room is emitted first.
func (r *RoomSession) Join(ctx context.Context) bool {
	if !r.conn.Send(ctx, proto.JoinRoom(r.roomID)) {
		return false
	}
	r.joined.Store(true)
	if r.removeHook == nil {
		r.removeHook = r.conn.BeforeClose(func(ctx context.Context) {
			r.leave(ctx)
		})
	}
	r.log.Debug().Str("room", r.RoomID()).Msg("join sent")
	return true
}

// Leave emits left_room if the room is joined.
func (r *RoomSession) Leave(ctx context.Context) bool {
	if r.removeHook != nil {
		r.removeHook()
		r.removeHook = nil
	}
	return r.leave(ctx)
}

// Detach forgets the membership without sending anything, for when the
// connection is already gone.
func (r *RoomSession) Detach() {
	r.joined.Store(false)
}

func (r *RoomSession) leave(ctx context.Context) bool {
	if !r.joined.CompareAndSwap(true, false) {
		return false
	}
	r.log.Debug().Str("room", r.RoomID()).Msg("leave sent")
	return r.conn.Send(ctx, proto.LeftRoom(r.roomID))
}

// OnEvent subscribes fn to classified events.
func (r *RoomSession) OnEvent(fn func(RoomEvent)) (unsubscribe func()) {
	id := r.nextID
	r.nextID++
	r.handlers = append(r.handlers, roomHandler{id: id, fn: fn})
	return func() {
		for i, h := range r.handlers {
			if h.id == id {
				r.handlers = append(r.handlers[:i:i], r.handlers[i+1:]...)
				return
			}
		}
	}
}

// Handle classifies one inbound frame. Frames for other rooms, unknown
// types and malformed payloads are logged and dropped.
func (r *RoomSession) Handle(env proto.Envelope) {
	ev, err := r.classify(env)
	if err != nil {
		var violation *proto.ProtocolViolation
		if errors.As(err, &violation) {
			r.log.Warn().Err(err).Str("room", r.RoomID()).Msg("dropping frame")
		} else {
			r.log.Debug().Err(err).Str("type", env.Type).Str("room", r.RoomID()).Msg("ignoring frame")
		}
		return
	}
	if ev == nil {
		return
	}
	for _, h := range r.handlers {
		h.fn(*ev)
	}
}

var errForeignRoom = errors.New("frame for another room")

func (r *RoomSession) classify(env proto.Envelope) (*RoomEvent, error) {
	switch env.Type {
	case proto.TypeChatReceived:
		if env.RoomID != r.roomID {
			return nil, errForeignRoom
		}
		var p proto.ChatReceivedPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		if p.Message.Sender == "" {
			p.Message.Sender = p.Sender
		}
		msg := messageFromWire(p.Message, r.RoomID(), r.self)
		return &RoomEvent{
			Kind:   RoomEventChat,
			UserID: p.Sender.String(),
			Chat:   ChatEvent{Message: msg, FromSelf: p.Sender.String() == r.self.UserID},
		}, nil

	case proto.TypeJoinDenied:
		// join_denied carries no room id; a mismatching one is still foreign.
		if env.RoomID != "" && env.RoomID != r.roomID {
			return nil, errForeignRoom
		}
		var p proto.JoinDeniedPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		r.joined.Store(false)
		return &RoomEvent{Kind: RoomEventDenied, Reason: p.Reason}, nil

	case proto.TypeGroupNotification:
		if env.RoomID != r.roomID {
			return nil, errForeignRoom
		}
		var p proto.GroupNotificationPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		return r.classifyMembership(env.SubType, p)

	default:
		return nil, &proto.ProtocolViolation{Type: env.Type, Reason: "unknown message type"}
	}
}

func (r *RoomSession) classifyMembership(subType string, p proto.GroupNotificationPayload) (*RoomEvent, error) {
	var delta int
	switch subType {
	case proto.SubTypeJoined:
		delta = 1
	case proto.SubTypeLeft:
		delta = -1
	default:
		return nil, &proto.ProtocolViolation{Type: proto.TypeGroupNotification, Reason: "unknown sub_type " + subType}
	}

	sender := p.SenderID.String()
	if sender == r.self.UserID {
		if subType == proto.SubTypeJoined {
			return &RoomEvent{Kind: RoomEventResync, UserID: sender}, nil
		}
		return nil, nil
	}

	if sender == r.ownerID {
		delta = 0
	}
	notice := p.Message
	if notice == "" {
		notice = fmt.Sprintf("user %s %s the room", sender, subType)
	}
	return &RoomEvent{Kind: RoomEventParticipant, UserID: sender, Delta: delta, Notice: notice}, nil
}
