package core

import "errors"

var (
	// ErrConnectionClosed is returned by Hub.Run when the connection drops.
	// Nothing reconnects; a new hub needs a new connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotJoined is returned by Hub.Run when the join frame could not be sent.
	ErrNotJoined = errors.New("room not joined")
)

// JoinDeniedError is returned by Hub.Run when the server refuses the join.
type JoinDeniedError struct {
	Reason string
}

func (e *JoinDeniedError) Error() string {
	return "join denied: " + e.Reason
}
