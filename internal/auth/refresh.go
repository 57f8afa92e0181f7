package auth

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vovakirdan/wirechat-client/internal/session"
)

// ErrNoRefreshToken is wrapped in a RefreshError when there is nothing to exchange.
var ErrNoRefreshToken = errors.New("no refresh token")

// RefreshError means the session could not be renewed. The session is
// cleared whenever one is returned.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return "refresh session: " + e.Err.Error()
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// RefreshState is the coordinator state.
type RefreshState int

const (
	// StateIdle means no refresh call is in flight.
	StateIdle RefreshState = iota
	// StateRefreshing means one refresh call is in flight and callers queue.
	StateRefreshing
)

func (s RefreshState) String() string {
	if s == StateRefreshing {
		return "refreshing"
	}
	return "idle"
}

// Exchanger performs the refresh network call.
type Exchanger interface {
	RefreshAccess(ctx context.Context, refreshToken string) (string, error)
}

const refreshKey = "refresh"

// Coordinator guarantees at most one refresh call in flight. Callers arriving
// while one runs wait for its outcome instead of starting another.
type Coordinator struct {
	group      singleflight.Group
	refreshing atomic.Bool
	waiting    atomic.Int32

	session   *session.State
	exchanger Exchanger
	onEnded   func(error)
	log       *zerolog.Logger
}

// NewCoordinator builds a coordinator. onEnded, if not nil, is called once
// per failed refresh after the session has been cleared.
func NewCoordinator(st *session.State, exchanger Exchanger, onEnded func(error), logger *zerolog.Logger) *Coordinator {
	return &Coordinator{
		session:   st,
		exchanger: exchanger,
		onEnded:   onEnded,
		log:       logger,
	}
}

// State returns the current state.
func (c *Coordinator) State() RefreshState {
	if c.refreshing.Load() {
		return StateRefreshing
	}
	return StateIdle
}

// Refresh returns a fresh access token. staleToken is the token the caller's
// failed request carried; if the session already holds a different one, it
// is returned without a network call.
//
// Cancelling ctx only stops this caller from waiting. The refresh call itself
// always runs to completion.
func (c *Coordinator) Refresh(ctx context.Context, staleToken string) (string, error) {
	if current := c.session.AccessToken(); staleToken != "" && current != "" && current != staleToken {
		return current, nil
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.run()
	})
	c.waiting.Add(1)
	defer c.waiting.Add(-1)

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) run() (string, error) {
	c.refreshing.Store(true)
	defer c.refreshing.Store(false)

	refreshToken := c.session.RefreshToken()
	if refreshToken == "" {
		err := &RefreshError{Err: ErrNoRefreshToken}
		c.session.Logout()
		c.endSession(err)
		return "", err
	}

	c.log.Debug().Msg("refreshing access token")
	token, err := c.exchanger.RefreshAccess(context.Background(), refreshToken)
	if err != nil {
		err = &RefreshError{Err: err}
		c.log.Warn().Err(err).Msg("token refresh failed")
		c.session.Logout()
		c.endSession(err)
		return "", err
	}
	c.session.SetAccess(token)
	return token, nil
}

func (c *Coordinator) endSession(err error) {
	c.log.Info().Err(err).Msg("session ended")
	if c.onEnded != nil {
		c.onEnded(err)
	}
}
