package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/api"
	"github.com/vovakirdan/wirechat-client/internal/auth"
	"github.com/vovakirdan/wirechat-client/internal/config"
	"github.com/vovakirdan/wirechat-client/internal/core"
	"github.com/vovakirdan/wirechat-client/internal/proto"
	"github.com/vovakirdan/wirechat-client/internal/session"
	"github.com/vovakirdan/wirechat-client/internal/ws"
)

// tokenMargin is how long the access token must stay valid for it to be
// used on a new realtime connection.
const tokenMargin = 30 * time.Second

// App wires the session, request and realtime layers together.
type App struct {
	cfg     config.Config
	session *session.State
	client  *api.Client
	auth    *auth.Service
	refresh *auth.Coordinator
	conns   *ws.Manager
	loader  *api.RoomLoader
	ended   chan error
	log     *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg config.Config, logger *zerolog.Logger) (*App, error) {
	st := session.New()

	dispatcher, err := api.NewDispatcher(cfg.APIURL, st, &http.Client{}, cfg.RequestTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("init dispatcher: %w", err)
	}
	client := api.NewClient(dispatcher, cfg.PageSize)

	a := &App{
		cfg:     cfg,
		session: st,
		client:  client,
		auth:    auth.NewService(client, st, logger),
		conns:   ws.NewManager(cfg.WSURL, st, cfg.ReadLimit, cfg.LeaveTimeout, logger),
		loader:  api.NewRoomLoader(client),
		ended:   make(chan error, 1),
		log:     logger,
	}
	a.refresh = auth.NewCoordinator(st, client, a.sessionEnded, logger)
	dispatcher.SetRefresher(a.refresh)

	logger.Debug().Str("api_url", cfg.APIURL).Str("ws_url", cfg.WSURL).Msg("app initialized")
	return a, nil
}

// Session returns the session state.
func (a *App) Session() *session.State {
	return a.session
}

// Client returns the REST client.
func (a *App) Client() *api.Client {
	return a.client
}

// Auth returns the login/logout service.
func (a *App) Auth() *auth.Service {
	return a.auth
}

// SessionEnded receives the cause when the session is lost because the
// credential could not be renewed.
func (a *App) SessionEnded() <-chan error {
	return a.ended
}

func (a *App) sessionEnded(err error) {
	select {
	case a.ended <- err:
	default:
	}
}

// OpenRoom connects to roomID and returns a hub for it. The caller runs the
// hub; only one room is open at a time.
func (a *App) OpenRoom(ctx context.Context, roomID string) (*core.Hub, error) {
	self := a.session.Identity()
	if self.UserID == "" {
		return nil, ws.ErrNoCredential
	}

	// The connection keeps the token it was opened with.
	if err := a.renewIfExpiring(ctx); err != nil {
		return nil, err
	}

	conn, err := a.conns.Open(ctx, roomEndpoint(roomID))
	if err != nil {
		return nil, err
	}
	a.log.Debug().Str("endpoint", conn.Endpoint()).Str("room_id", roomID).Msg("room connection opened")

	if a.log.GetLevel() <= zerolog.DebugLevel {
		conn.OnMessage(func(env proto.Envelope) {
			a.log.Debug().Str("type", env.Type).Str("room_id", env.RoomID.String()).Str("sub_type", env.SubType).Msg("ws frame")
		})
	}

	hub := core.NewHub(conn, roomID, self, a.loader, core.Options{
		EventBuffer:  a.cfg.EventBuffer,
		LeaveTimeout: a.cfg.LeaveTimeout,
		SendTimeout:  a.cfg.SendTimeout,
		ErrorText:    api.UserMessage,
	}, a.log)
	return hub, nil
}

func (a *App) renewIfExpiring(ctx context.Context) error {
	token := a.session.AccessToken()
	claims, err := auth.ParseClaims(token)
	if err != nil || !claims.ExpiresWithin(time.Now(), tokenMargin) {
		return nil
	}
	a.log.Debug().Msg("access token about to expire, refreshing before connect")
	_, err = a.refresh.Refresh(ctx, token)
	return err
}

// CloseRoom closes the realtime connection, leaving the room first.
func (a *App) CloseRoom() {
	a.conns.Close()
}

// Close releases the realtime connection. The session is left as is.
func (a *App) Close() {
	a.conns.Shutdown()
}

func roomEndpoint(roomID string) string {
	return "/ws/room/" + roomID + "/"
}
