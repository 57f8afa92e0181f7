// Package fakeserver is an in-process chat backend speaking the REST and
// realtime protocol the client expects. Tests use its knobs to expire
// tokens, fail refreshes and watch the frames clients send.
package fakeserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/proto"
)

const (
	contextKeyUserID   = "user_id"
	contextKeyUsername = "username"

	codeTokenNotValid = "token_not_valid"
)

// Options configure a Server.
type Options struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Logger     *zerolog.Logger
}

// Server is a running fake backend.
type Server struct {
	http   *httptest.Server
	store  *sqliteStore
	tokens *tokenIssuer
	log    *zerolog.Logger

	epoch        atomic.Int32
	refreshCalls atomic.Int32
	failRefresh  atomic.Bool
	refreshDelay atomic.Int64

	mu          sync.Mutex
	blacklisted map[string]struct{}
	rooms       map[int64]map[*wsClient]struct{}
	clients     map[*wsClient]struct{}
	received    []proto.Envelope
}

// New starts a server on a loopback port.
func New(opts Options) (*Server, error) {
	if len(opts.Secret) == 0 {
		opts.Secret = []byte("fake-server-secret")
	}
	if opts.AccessTTL == 0 {
		opts.AccessTTL = time.Hour
	}
	if opts.RefreshTTL == 0 {
		opts.RefreshTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}

	st, err := openStore()
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:       st,
		tokens:      &tokenIssuer{secret: opts.Secret, accessTTL: opts.AccessTTL, refreshTTL: opts.RefreshTTL},
		log:         opts.Logger,
		blacklisted: make(map[string]struct{}),
		rooms:       make(map[int64]map[*wsClient]struct{}),
		clients:     make(map[*wsClient]struct{}),
	}
	s.http = httptest.NewServer(s.routes())
	return s, nil
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	s.DropConnections()
	s.http.Close()
	_ = s.store.Close()
}

// APIURL is the REST base URL, with a trailing slash.
func (s *Server) APIURL() string {
	return s.http.URL + "/api/"
}

// WSURL is the realtime base URL.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http")
}

// RoomEndpoint is the realtime endpoint of a room.
func RoomEndpoint(roomID string) string {
	return "/ws/room/" + roomID + "/"
}

// RefreshCalls is the number of refresh requests received.
func (s *Server) RefreshCalls() int {
	return int(s.refreshCalls.Load())
}

// ExpireAccessTokens makes every access token issued so far fail with the
// expired-token code. Refresh tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.epoch.Add(1)
}

// FailRefresh makes the refresh endpoint reject every request.
func (s *Server) FailRefresh(fail bool) {
	s.failRefresh.Store(fail)
}

// SetRefreshDelay slows down the refresh endpoint.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.refreshDelay.Store(int64(d))
}

// Received returns the frames clients have sent, in arrival order.
func (s *Server) Received() []proto.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]proto.Envelope, len(s.received))
	copy(out, s.received)
	return out
}

// CreateUser registers an account directly.
func (s *Server) CreateUser(username, password string) (string, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return "", err
	}
	u, err := s.store.createUser(context.Background(), username, "", hash)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(u.ID, 10), nil
}

// Tokens issues an access/refresh pair for an existing user without going
// through the login endpoint.
func (s *Server) Tokens(username string) (access, refresh string, err error) {
	u, err := s.store.userByUsername(context.Background(), username)
	if err != nil {
		return "", "", err
	}
	return s.issuePair(u)
}

// CreateRoom creates a room owned by ownerID. access is "public" or "private".
func (s *Server) CreateRoom(ownerID, name, access string) (string, error) {
	owner, err := strconv.ParseInt(ownerID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("owner id: %w", err)
	}
	r, err := s.store.createRoom(context.Background(), name, access, 10, owner)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(r.ID, 10), nil
}

// PostMessage stores a message without broadcasting it.
func (s *Server) PostMessage(roomID, userID, content string) error {
	rid, err := strconv.ParseInt(roomID, 10, 64)
	if err != nil {
		return fmt.Errorf("room id: %w", err)
	}
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	return s.store.saveMessage(context.Background(), &message{RoomID: rid, UserID: uid, Body: content, CreatedAt: time.Now().UTC()})
}

func (s *Server) routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.loggerMiddleware())

	api := router.Group("/api")
	api.POST("/users/register/", s.register)
	api.POST("/users/login/", s.login)
	api.POST("/users/refresh-token/", s.refresh)

	authed := api.Group("", s.authMiddleware())
	authed.POST("/users/profile/", s.profile)
	authed.POST("/users/logout/", s.logout)
	authed.GET("/chats/rooms/", s.myRooms)
	authed.POST("/chats/rooms/", s.createRoom)
	authed.GET("/chats/all-rooms/", s.allRooms)
	authed.GET("/chats/rooms/:id", s.roomDetail)
	authed.GET("/chats/rooms/:id/messages/", s.roomMessages)

	router.GET("/ws/room/:id/", s.serveWS)
	return router
}

func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}

func tokenNotValid(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": detail, "code": codeTokenNotValid})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Authentication credentials were not provided."})
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			tokenNotValid(c, "Given token not valid for any token type")
			return
		}
		cl, err := s.validateAccess(token)
		if err != nil {
			s.log.Debug().Err(err).Msg("invalid token")
			tokenNotValid(c, "Given token not valid for any token type")
			return
		}
		c.Set(contextKeyUserID, cl.UserID)
		c.Set(contextKeyUsername, cl.Username)
		c.Next()
	}
}

func (s *Server) validateAccess(token string) (*claims, error) {
	cl, err := s.tokens.validate(token, tokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if cl.Epoch != int(s.epoch.Load()) {
		return nil, errTokenRevoked
	}
	return cl, nil
}

func (s *Server) issuePair(u *user) (access, refresh string, err error) {
	access, err = s.tokens.issue(u, tokenTypeAccess, int(s.epoch.Load()), s.tokens.accessTTL)
	if err != nil {
		return "", "", err
	}
	refresh, err = s.tokens.issue(u, tokenTypeRefresh, 0, s.tokens.refreshTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"username": []string{"This field is required."}})
		return
	}
	if len(req.Password) < 8 {
		c.JSON(http.StatusBadRequest, gin.H{"password": []string{"This password is too short. It must contain at least 8 characters."}})
		return
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
		return
	}
	u, err := s.store.createUser(c.Request.Context(), req.Username, req.Email, hash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			c.JSON(http.StatusBadRequest, gin.H{"username": []string{"A user with that username already exists."}})
			return
		}
		s.log.Error().Err(err).Msg("create user")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": u.ID, "username": u.Username, "email": u.Email})
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid request body"})
		return
	}
	u, err := s.store.userByUsername(c.Request.Context(), req.Username)
	if err != nil || comparePassword(u.PasswordHash, req.Password) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "No active account found with the given credentials"})
		return
	}
	access, refresh, err := s.issuePair(u)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access":  access,
		"refresh": refresh,
		"user":    gin.H{"id": u.ID, "username": u.Username},
	})
}

func (s *Server) refresh(c *gin.Context) {
	s.refreshCalls.Add(1)
	if d := time.Duration(s.refreshDelay.Load()); d > 0 {
		time.Sleep(d)
	}

	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Refresh == "" {
		c.JSON(http.StatusBadRequest, gin.H{"refresh": []string{"This field is required."}})
		return
	}
	if s.failRefresh.Load() || s.isBlacklisted(req.Refresh) {
		tokenNotValid(c, "Token is invalid or expired")
		return
	}
	cl, err := s.tokens.validate(req.Refresh, tokenTypeRefresh)
	if err != nil {
		tokenNotValid(c, "Token is invalid or expired")
		return
	}
	u, err := s.store.userByID(c.Request.Context(), cl.UserID)
	if err != nil {
		tokenNotValid(c, "Token is invalid or expired")
		return
	}
	access, err := s.tokens.issue(u, tokenTypeAccess, int(s.epoch.Load()), s.tokens.accessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access": access})
}

func (s *Server) isBlacklisted(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blacklisted[token]
	return ok
}

func (s *Server) profile(c *gin.Context) {
	u, err := s.store.userByID(c.Request.Context(), c.GetInt64(contextKeyUserID))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": u.ID, "username": u.Username, "email": u.Email})
}

func (s *Server) logout(c *gin.Context) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Refresh == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Refresh token is required."})
		return
	}
	s.mu.Lock()
	s.blacklisted[req.Refresh] = struct{}{}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"detail": "Successfully logged out."})
}

type roomResponse struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Access           string    `json:"access"`
	Status           string    `json:"status"`
	Limit            int       `json:"limit"`
	ParticipantCount int       `json:"participant_count"`
	Owner            ownerInfo `json:"owner"`
	CreatedAt        string    `json:"created_at"`
}

type ownerInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func toRoomResponse(r *room) roomResponse {
	return roomResponse{
		ID:               r.ID,
		Name:             r.Name,
		Access:           r.Access,
		Status:           r.Status,
		Limit:            r.Limit,
		ParticipantCount: r.Members,
		Owner:            ownerInfo{ID: r.OwnerID, Username: r.OwnerName},
		CreatedAt:        r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) createRoom(c *gin.Context) {
	var req struct {
		Name   string `json:"name" binding:"required,min=1,max=255"`
		Access string `json:"access"`
		Limit  int    `json:"limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"name": []string{"This field is required."}})
		return
	}
	if req.Access == "" {
		req.Access = "public"
	}
	if req.Limit == 0 {
		req.Limit = 10
	}
	r, err := s.store.createRoom(c.Request.Context(), req.Name, req.Access, req.Limit, c.GetInt64(contextKeyUserID))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			c.JSON(http.StatusBadRequest, gin.H{"name": []string{"room with this name already exists."}})
			return
		}
		s.log.Error().Err(err).Msg("create room")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
		return
	}
	c.JSON(http.StatusCreated, toRoomResponse(r))
}

func (s *Server) myRooms(c *gin.Context) {
	s.listRooms(c, c.GetInt64(contextKeyUserID), "")
}

func (s *Server) allRooms(c *gin.Context) {
	s.listRooms(c, 0, c.Query("search"))
}

func (s *Server) listRooms(c *gin.Context, ownerID int64, search string) {
	page, size := pagination(c, 10)
	rooms, total, err := s.store.listRooms(c.Request.Context(), ownerID, search, size, (page-1)*size)
	if err != nil {
		s.log.Error().Err(err).Msg("list rooms")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
		return
	}
	results := make([]roomResponse, 0, len(rooms))
	for _, r := range rooms {
		results = append(results, toRoomResponse(r))
	}
	c.JSON(http.StatusOK, pageResponse(c, page, size, total, results))
}

func (s *Server) roomDetail(c *gin.Context) {
	r, ok := s.lookupRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toRoomResponse(r))
}

type messageResponse struct {
	ID             int64  `json:"id"`
	Room           int64  `json:"room"`
	Sender         int64  `json:"sender"`
	SenderUsername string `json:"sender_username"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
	Type           string `json:"type"`
}

func toMessageResponse(m *message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		Room:           m.RoomID,
		Sender:         m.UserID,
		SenderUsername: m.Username,
		Content:        m.Body,
		Timestamp:      m.CreatedAt.UTC().Format(time.RFC3339Nano),
		Type:           "text",
	}
}

func (s *Server) roomMessages(c *gin.Context) {
	r, ok := s.lookupRoom(c)
	if !ok {
		return
	}
	page, size := pagination(c, 9)
	msgs, total, err := s.store.listMessages(c.Request.Context(), r.ID, size, (page-1)*size)
	if err != nil {
		s.log.Error().Err(err).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
		return
	}
	results := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, toMessageResponse(m))
	}
	c.JSON(http.StatusOK, pageResponse(c, page, size, total, results))
}

func (s *Server) lookupRoom(c *gin.Context) (*room, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return nil, false
	}
	r, err := s.store.roomByID(c.Request.Context(), id)
	if err != nil {
		if !errors.Is(err, errNotFound) {
			s.log.Error().Err(err).Msg("get room")
		}
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return nil, false
	}
	return r, true
}

func pagination(c *gin.Context, defaultSize int) (page, size int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err = strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultSize)))
	if err != nil || size < 1 {
		size = defaultSize
	}
	return page, size
}

func pageResponse[T any](c *gin.Context, page, size, total int, results []T) gin.H {
	link := func(p int) any {
		u := *c.Request.URL
		u.Scheme = "http"
		u.Host = c.Request.Host
		q := u.Query()
		q.Set("page", strconv.Itoa(p))
		u.RawQuery = q.Encode()
		return u.String()
	}
	var next, previous any
	if page*size < total {
		next = link(page + 1)
	}
	if page > 1 {
		previous = link(page - 1)
	}
	return gin.H{"count": total, "next": next, "previous": previous, "results": results}
}
