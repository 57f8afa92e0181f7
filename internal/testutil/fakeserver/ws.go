package fakeserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/vovakirdan/wirechat-client/internal/proto"
)

// wsClient is one accepted realtime connection.
type wsClient struct {
	conn     *websocket.Conn
	userID   int64
	username string
	roomID   int64
	joined   bool
}

func (s *Server) serveWS(c *gin.Context) {
	roomID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	cl, err := s.validateAccess(c.Query("token"))
	if err != nil {
		s.log.Debug().Err(err).Msg("ws auth failed")
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "invalid token", "code": codeTokenNotValid})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	client := &wsClient{conn: conn, userID: cl.UserID, username: cl.Username, roomID: roomID}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	defer s.disconnect(client)

	err = s.readLoop(c.Request.Context(), client)
	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	s.log.Debug().Err(err).Int64("user_id", client.userID).Msg("ws connection closed")
}

func (s *Server) readLoop(ctx context.Context, client *wsClient) error {
	for {
		var env proto.Envelope
		if err := wsjson.Read(ctx, client.conn, &env); err != nil {
			return err
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		s.mu.Unlock()

		if err := s.handleFrame(ctx, client, env); err != nil {
			return err
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, client *wsClient, env proto.Envelope) error {
	if env.RoomID != "" && env.RoomID.String() != strconv.FormatInt(client.roomID, 10) {
		s.log.Debug().Str("room_id", env.RoomID.String()).Msg("frame for another room ignored")
		return nil
	}

	switch env.Type {
	case proto.TypeJoinRoom:
		reason, err := s.joinDenialReason(ctx, client)
		if err != nil {
			return err
		}
		if reason != "" {
			return s.write(ctx, client, frame(proto.TypeJoinDenied, "", "", proto.JoinDeniedPayload{Reason: reason}))
		}
		if err := s.store.addMember(ctx, client.roomID, client.userID); err != nil {
			return err
		}
		s.mu.Lock()
		client.joined = true
		if s.rooms[client.roomID] == nil {
			s.rooms[client.roomID] = make(map[*wsClient]struct{})
		}
		s.rooms[client.roomID][client] = struct{}{}
		s.mu.Unlock()
		s.notifyMembership(ctx, client, proto.SubTypeJoined)

	case proto.TypeLeftRoom:
		if s.leave(client) {
			s.notifyMembership(ctx, client, proto.SubTypeLeft)
		}

	case proto.TypeSendChat:
		var p proto.SendChatPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Message == "" {
			return nil
		}
		s.mu.Lock()
		joined := client.joined
		s.mu.Unlock()
		if !joined {
			return nil
		}
		msg := &message{RoomID: client.roomID, UserID: client.userID, Username: client.username, Body: p.Message, CreatedAt: time.Now().UTC()}
		if err := s.store.saveMessage(ctx, msg); err != nil {
			return err
		}
		sender := idOf(client.userID)
		s.broadcast(ctx, client.roomID, frame(proto.TypeChatReceived, idOf(client.roomID), "", proto.ChatReceivedPayload{
			Sender:  sender,
			Message: wireMessage(msg),
		}))
	}
	return nil
}

func (s *Server) joinDenialReason(ctx context.Context, client *wsClient) (string, error) {
	r, err := s.store.roomByID(ctx, client.roomID)
	if errors.Is(err, errNotFound) {
		return "Room does not exist", nil
	}
	if err != nil {
		return "", err
	}
	if r.Status != "active" {
		return "Room is not active", nil
	}
	member, err := s.store.isMember(ctx, r.ID, client.userID)
	if err != nil {
		return "", err
	}
	if member {
		return "", nil
	}
	if r.Access != "public" {
		return "This room is private", nil
	}
	if r.Members >= r.Limit {
		return "Room is full", nil
	}
	return "", nil
}

func (s *Server) notifyMembership(ctx context.Context, client *wsClient, subType string) {
	verb := "joined"
	if subType == proto.SubTypeLeft {
		verb = "left"
	}
	s.broadcast(ctx, client.roomID, frame(proto.TypeGroupNotification, idOf(client.roomID), subType, proto.GroupNotificationPayload{
		SenderID: idOf(client.userID),
		Message:  fmt.Sprintf("%s %s the room", client.username, verb),
	}))
}

func (s *Server) leave(client *wsClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !client.joined {
		return false
	}
	client.joined = false
	delete(s.rooms[client.roomID], client)
	return true
}

func (s *Server) disconnect(client *wsClient) {
	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
	if s.leave(client) {
		s.notifyMembership(context.Background(), client, proto.SubTypeLeft)
	}
}

func (s *Server) broadcast(ctx context.Context, roomID int64, env proto.Envelope) {
	s.mu.Lock()
	targets := make([]*wsClient, 0, len(s.rooms[roomID]))
	for c := range s.rooms[roomID] {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := s.write(ctx, c, env); err != nil {
			s.log.Debug().Err(err).Int64("user_id", c.userID).Msg("broadcast write failed")
		}
	}
}

func (s *Server) write(ctx context.Context, client *wsClient, v any) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	return wsjson.Write(ctx, client.conn, v)
}

// Broadcast sends a frame to every client joined to roomID.
func (s *Server) Broadcast(roomID string, env proto.Envelope) {
	id, err := strconv.ParseInt(roomID, 10, 64)
	if err != nil {
		return
	}
	s.broadcast(context.Background(), id, env)
}

// SendRaw writes data as a text frame to every connection, joined or not.
func (s *Server) SendRaw(data []byte) {
	s.mu.Lock()
	targets := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}
}

// DropConnections closes every realtime connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	targets := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func frame(typ string, roomID proto.ID, subType string, payload any) proto.Envelope {
	data, _ := json.Marshal(payload)
	return proto.Envelope{Type: typ, RoomID: roomID, SubType: subType, Payload: data}
}

func wireMessage(m *message) proto.ChatMessage {
	return proto.ChatMessage{
		ID:             idOf(m.ID),
		Room:           idOf(m.RoomID),
		Sender:         idOf(m.UserID),
		SenderUsername: m.Username,
		Content:        m.Body,
		Timestamp:      m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Type:           "text",
	}
}

func idOf(n int64) proto.ID {
	return proto.ID(strconv.FormatInt(n, 10))
}
