// Package ws owns the realtime connection to the chat server.
package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/proto"
)

// State is the connection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Handler receives inbound frames in receipt order.
type Handler = func(proto.Envelope)

type subscription struct {
	id uint64
	h  Handler
}

// Conn is one realtime connection. Any number of handlers may subscribe;
// each frame is delivered to all of them, on the read goroutine, in order.
type Conn struct {
	endpoint     string
	leaveTimeout time.Duration
	log          *zerolog.Logger

	state atomic.Int32

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   []subscription
	hooks  []subscription
	nextID uint64

	done      chan struct{}
	closeOnce sync.Once
	onClosed  func(*Conn)
}

func newConn(endpoint string, leaveTimeout time.Duration, logger *zerolog.Logger, onClosed func(*Conn)) *Conn {
	c := &Conn{
		endpoint:     endpoint,
		leaveTimeout: leaveTimeout,
		log:          logger,
		done:         make(chan struct{}),
		onClosed:     onClosed,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

var errClosedWhileConnecting = errors.New("connection closed while connecting")

// attach installs the dialed transport and starts reading.
func (c *Conn) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
		return errClosedWhileConnecting
	}
	c.conn = conn
	c.state.Store(int32(StateOpen))
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// Endpoint returns the endpoint this connection was opened for.
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Done is closed once the connection is closed, locally or by the server.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send writes one frame. On a connection that is not open it logs a warning
// and does nothing; the return value reports whether the frame was written.
func (c *Conn) Send(ctx context.Context, env proto.Envelope) bool {
	if st := c.State(); st != StateOpen {
		c.log.Warn().Str("type", env.Type).Str("state", st.String()).Msg("send on non-open connection dropped")
		return false
	}
	if err := wsjson.Write(ctx, c.conn, env); err != nil {
		c.log.Warn().Err(err).Str("type", env.Type).Msg("ws write failed")
		return false
	}
	return true
}

// OnMessage subscribes h to inbound frames.
func (c *Conn) OnMessage(h Handler) (unsubscribe func()) {
	return c.add(&c.subs, h)
}

// BeforeClose registers fn to run on a local close while the connection is
// still open, so it can emit final frames. fn gets a context bounded by the
// leave timeout.
func (c *Conn) BeforeClose(fn func(ctx context.Context)) (remove func()) {
	return c.add(&c.hooks, func(proto.Envelope) {
		ctx, cancel := context.WithTimeout(context.Background(), c.leaveTimeout)
		defer cancel()
		fn(ctx)
	})
}

func (c *Conn) add(list *[]subscription, h Handler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	next := make([]subscription, len(*list), len(*list)+1)
	copy(next, *list)
	*list = append(next, subscription{id: id, h: h})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range *list {
			if s.id == id {
				*list = append((*list)[:i:i], (*list)[i+1:]...)
				return
			}
		}
	}
}

// current returns the list as of now. Lists are copy-on-write, so the
// result stays valid after the lock is released.
func (c *Conn) current(list *[]subscription) []subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *list
}

// Close runs the before-close hooks, then closes the transport.
func (c *Conn) Close() {
	c.shutdown(true)
}

func (c *Conn) shutdown(local bool) {
	c.closeOnce.Do(func() {
		if local && c.State() == StateOpen {
			for _, s := range c.current(&c.hooks) {
				s.h(proto.Envelope{})
			}
		}

		c.mu.Lock()
		c.state.Store(int32(StateClosed))
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil && local {
				c.log.Debug().Err(err).Str("endpoint", c.endpoint).Msg("ws close")
			}
		}
		close(c.done)
		c.log.Debug().Str("endpoint", c.endpoint).Bool("local", local).Msg("ws closed")

		if c.onClosed != nil {
			c.onClosed(c)
		}
	})
}

func (c *Conn) readLoop() {
	defer c.shutdown(false)

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			if c.State() == StateClosed {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.log.Info().Str("endpoint", c.endpoint).Msg("ws closed by server")
			default:
				c.log.Warn().Err(err).Str("endpoint", c.endpoint).Msg("ws read error")
			}
			return
		}

		env, err := proto.ParseEnvelope(data)
		if err != nil {
			c.log.Warn().Err(err).Str("endpoint", c.endpoint).Msg("dropping frame")
			continue
		}

		for _, s := range c.current(&c.subs) {
			s.h(env)
		}
	}
}
