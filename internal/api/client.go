package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/vovakirdan/wirechat-client/internal/proto"
)

// UserSummary is the compact user representation embedded in other objects.
type UserSummary struct {
	ID       proto.ID `json:"id"`
	Username string   `json:"username"`
}

// Profile is the signed-in user's account.
type Profile struct {
	ID       proto.ID `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
}

// LoginResponse is returned by the login endpoint.
type LoginResponse struct {
	Access  string       `json:"access"`
	Refresh string       `json:"refresh"`
	User    *UserSummary `json:"user,omitempty"`
}

// RegisterRequest is the registration body.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateRoomRequest is the room creation body. Zero fields use server defaults.
type CreateRoomRequest struct {
	Name   string `json:"name"`
	Access string `json:"access,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Room is a chat room as the REST API returns it.
type Room struct {
	ID               proto.ID        `json:"id"`
	Name             string          `json:"name"`
	Access           string          `json:"access"`
	Status           string          `json:"status"`
	Limit            int             `json:"limit"`
	ParticipantCount int             `json:"participant_count"`
	Owner            *UserSummary    `json:"owner,omitempty"`
	LastMessage      json.RawMessage `json:"last_message,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

// Page is one page of a paginated listing. Next is the opaque cursor of the
// following page, empty on the last one.
type Page[T any] struct {
	Count    int    `json:"count"`
	Next     string `json:"next"`
	Previous string `json:"previous"`
	Results  []T    `json:"results"`
}

// Client exposes the REST endpoints used by the chat client.
type Client struct {
	d        *Dispatcher
	pageSize int
}

// NewClient wraps a dispatcher. pageSize applies to message history pages.
func NewClient(d *Dispatcher, pageSize int) *Client {
	if pageSize <= 0 {
		pageSize = 9
	}
	return &Client{d: d, pageSize: pageSize}
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	_, err := c.d.Send(ctx, &Request{Method: http.MethodPost, Path: "users/register/", Body: req, Anonymous: true})
	return err
}

// Login exchanges username and password for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResponse, error) {
	var out LoginResponse
	body := map[string]string{"username": username, "password": password}
	err := c.call(ctx, &Request{Method: http.MethodPost, Path: "users/login/", Body: body, Anonymous: true, NoRefresh: true}, &out)
	return out, err
}

// RefreshAccess exchanges a refresh token for a new access token. It never
// triggers a refresh itself.
func (c *Client) RefreshAccess(ctx context.Context, refreshToken string) (string, error) {
	var out struct {
		Access string `json:"access"`
	}
	req := &Request{
		Method:    http.MethodPost,
		Path:      "users/refresh-token/",
		Body:      map[string]string{"refresh": refreshToken},
		Anonymous: true,
		NoRefresh: true,
	}
	if err := c.call(ctx, req, &out); err != nil {
		return "", err
	}
	if out.Access == "" {
		return "", fmt.Errorf("refresh token: empty access token in response")
	}
	return out.Access, nil
}

// Profile returns the signed-in user.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var out Profile
	err := c.call(ctx, &Request{Method: http.MethodPost, Path: "users/profile/"}, &out)
	return out, err
}

// Logout invalidates the refresh token on the server.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	_, err := c.d.Send(ctx, &Request{Method: http.MethodPost, Path: "users/logout/", Body: map[string]string{"refresh": refreshToken}})
	return err
}

// CreateRoom creates a room owned by the signed-in user.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (Room, error) {
	var out Room
	err := c.call(ctx, &Request{Method: http.MethodPost, Path: "chats/rooms/", Body: req}, &out)
	return out, err
}

// MyRooms lists rooms owned by the signed-in user, starting at cursor.
func (c *Client) MyRooms(ctx context.Context, cursor string) (Page[Room], error) {
	var out Page[Room]
	query, err := cursorQuery(cursor)
	if err != nil {
		return out, err
	}
	err = c.call(ctx, &Request{Method: http.MethodGet, Path: "chats/rooms/", Query: query}, &out)
	return out, err
}

// AllRooms lists public rooms matching search, starting at cursor.
func (c *Client) AllRooms(ctx context.Context, cursor, search string) (Page[Room], error) {
	var out Page[Room]
	query, err := cursorQuery(cursor)
	if err != nil {
		return out, err
	}
	if cursor == "" && search != "" {
		query.Set("search", search)
	}
	err = c.call(ctx, &Request{Method: http.MethodGet, Path: "chats/all-rooms/", Query: query}, &out)
	return out, err
}

// Room returns room details.
func (c *Client) Room(ctx context.Context, roomID proto.ID) (Room, error) {
	var out Room
	err := c.call(ctx, &Request{Method: http.MethodGet, Path: "chats/rooms/" + url.PathEscape(roomID.String())}, &out)
	return out, err
}

// Messages returns one page of room history; an empty cursor is the newest page.
// Results are newest first, as the server sends them.
func (c *Client) Messages(ctx context.Context, roomID proto.ID, cursor string) (Page[proto.ChatMessage], error) {
	var out Page[proto.ChatMessage]
	query := url.Values{"page": {"1"}, "page_size": {strconv.Itoa(c.pageSize)}}
	if cursor != "" {
		next, err := cursorQuery(cursor)
		if err != nil {
			return out, err
		}
		if page := next.Get("page"); page != "" {
			query.Set("page", page)
		}
	}
	path := "chats/rooms/" + url.PathEscape(roomID.String()) + "/messages/"
	err := c.call(ctx, &Request{Method: http.MethodGet, Path: path, Query: query}, &out)
	return out, err
}

func (c *Client) call(ctx context.Context, req *Request, out any) error {
	resp, err := c.d.Send(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// cursorQuery extracts the query of a "next" URL returned by the server.
func cursorQuery(cursor string) (url.Values, error) {
	if cursor == "" {
		return url.Values{}, nil
	}
	u, err := url.Parse(cursor)
	if err != nil {
		return nil, fmt.Errorf("parse cursor: %w", err)
	}
	return u.Query(), nil
}
