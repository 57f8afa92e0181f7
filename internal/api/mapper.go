package api

import (
	"context"
	"slices"

	"github.com/vovakirdan/wirechat-client/internal/core"
	"github.com/vovakirdan/wirechat-client/internal/proto"
)

// RoomLoader adapts Client to core.Loader.
type RoomLoader struct {
	client *Client
}

// NewRoomLoader wraps client.
func NewRoomLoader(client *Client) *RoomLoader {
	return &RoomLoader{client: client}
}

// Room loads room details.
func (l *RoomLoader) Room(ctx context.Context, roomID string) (core.RoomInfo, error) {
	room, err := l.client.Room(ctx, proto.ID(roomID))
	if err != nil {
		return core.RoomInfo{}, err
	}
	return roomInfoFromAPI(room), nil
}

// Messages loads one history page, oldest message first.
func (l *RoomLoader) Messages(ctx context.Context, roomID, cursor string) (core.Page, error) {
	page, err := l.client.Messages(ctx, proto.ID(roomID), cursor)
	if err != nil {
		return core.Page{}, err
	}
	return core.Page{Messages: chronological(page.Results), Next: page.Next}, nil
}

func roomInfoFromAPI(room Room) core.RoomInfo {
	info := core.RoomInfo{
		ID:               room.ID.String(),
		Name:             room.Name,
		ParticipantCount: room.ParticipantCount,
	}
	if room.Owner != nil {
		info.OwnerID = room.Owner.ID.String()
		info.OwnerUsername = room.Owner.Username
	}
	return info
}

// chronological orders a page oldest first. The server lists newest first.
func chronological(msgs []proto.ChatMessage) []proto.ChatMessage {
	out := slices.Clone(msgs)
	slices.Reverse(out)
	return out
}
