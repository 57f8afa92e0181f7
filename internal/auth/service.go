package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/api"
	"github.com/vovakirdan/wirechat-client/internal/session"
)

// ErrInvalidCredentials is returned when username/password don't match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service signs the user in and out.
type Service struct {
	client  *api.Client
	session *session.State
	log     *zerolog.Logger
}

// NewService creates a new authentication service.
func NewService(client *api.Client, st *session.State, logger *zerolog.Logger) *Service {
	return &Service{
		client:  client,
		session: st,
		log:     logger,
	}
}

// Login exchanges credentials for a token pair and stores it together with
// the user identity.
func (s *Service) Login(ctx context.Context, username, password string) (session.Identity, error) {
	username = strings.TrimSpace(username)

	resp, err := s.client.Login(ctx, username, password)
	if err != nil {
		var httpErr *api.HTTPError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusUnauthorized {
			return session.Identity{}, fmt.Errorf("%w: %s", ErrInvalidCredentials, httpErr.Message())
		}
		return session.Identity{}, fmt.Errorf("login: %w", err)
	}

	id := identityFor(resp, username)
	if id.UserID == "" {
		return session.Identity{}, fmt.Errorf("login: no user id in response or token")
	}

	s.session.Login(id, session.Credential{AccessToken: resp.Access, RefreshToken: resp.Refresh})
	s.log.Info().Str("user_id", id.UserID).Str("username", id.Username).Msg("logged in")
	return id, nil
}

// Register creates an account. It does not sign in.
func (s *Service) Register(ctx context.Context, req api.RegisterRequest) error {
	req.Username = strings.TrimSpace(req.Username)
	if err := s.client.Register(ctx, req); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// Logout revokes the refresh token on the server and clears the session.
// The session is cleared even when the server call fails.
func (s *Service) Logout(ctx context.Context) error {
	refresh := s.session.RefreshToken()
	var err error
	if refresh != "" {
		if err = s.client.Logout(ctx, refresh); err != nil {
			s.log.Warn().Err(err).Msg("server logout failed")
			err = fmt.Errorf("logout: %w", err)
		}
	}
	s.session.Logout()
	return err
}

func identityFor(resp api.LoginResponse, typedUsername string) session.Identity {
	if resp.User != nil && resp.User.ID != "" {
		return session.Identity{UserID: resp.User.ID.String(), Username: resp.User.Username}
	}

	var id session.Identity
	if claims, err := ParseClaims(resp.Access); err == nil {
		id = claims.Identity()
	}
	if id.Username == "" {
		id.Username = typedUsername
	}
	return id
}
