package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/session"
)

// ErrNoCredential is returned by Open when the session holds no access token.
var ErrNoCredential = errors.New("no access token")

// Manager owns at most one connection at a time. Opening a connection closes
// the previous one, whether it was for the same endpoint or another. The
// connection is torn down when the session loses its access token.
type Manager struct {
	baseURL      string
	session      *session.State
	readLimit    int64
	leaveTimeout time.Duration
	log          *zerolog.Logger

	openMu  sync.Mutex
	mu      sync.Mutex
	current *Conn
	unwatch func()
}

// NewManager creates a manager dialing endpoints relative to baseURL
// (for example "ws://localhost:8000").
func NewManager(baseURL string, st *session.State, readLimit int64, leaveTimeout time.Duration, logger *zerolog.Logger) *Manager {
	m := &Manager{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		session:      st,
		readLimit:    readLimit,
		leaveTimeout: leaveTimeout,
		log:          logger,
	}
	m.unwatch = st.Watch(func(snap session.Snapshot) {
		if !snap.Authenticated() {
			m.Close()
		}
	})
	return m
}

// Open dials endpoint with the current access token. The token is fixed for
// the life of the connection; a later refresh does not affect it.
func (m *Manager) Open(ctx context.Context, endpoint string) (*Conn, error) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	token := m.session.AccessToken()
	if token == "" {
		return nil, ErrNoCredential
	}

	dialURL, err := m.dialURL(endpoint, token)
	if err != nil {
		return nil, err
	}

	m.Close()

	conn := newConn(endpoint, m.leaveTimeout, m.log, m.forget)
	m.mu.Lock()
	m.current = conn
	m.mu.Unlock()

	wsConn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		conn.shutdown(false)
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	if m.readLimit > 0 {
		wsConn.SetReadLimit(m.readLimit)
	}
	if err := conn.attach(wsConn); err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	m.log.Info().Str("endpoint", endpoint).Msg("ws connected")
	return conn, nil
}

// Current returns the live connection, or nil.
func (m *Manager) Current() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Close closes the current connection, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	conn := m.current
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Shutdown stops watching the session and closes the current connection.
func (m *Manager) Shutdown() {
	m.unwatch()
	m.Close()
}

func (m *Manager) forget(c *Conn) {
	m.mu.Lock()
	if m.current == c {
		m.current = nil
	}
	m.mu.Unlock()
}

func (m *Manager) dialURL(endpoint, token string) (string, error) {
	u, err := url.Parse(m.baseURL + endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
