package client

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Close status codes used by the client (RFC 6455 section 7.4.1).
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseAbnormalClosure = 1006
)

// Dialer opens connections to a gateway endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Conn is one open streaming connection. ReadMessage is only ever called from
// a single goroutine; WriteMessage and Close may be called concurrently with
// it and with each other.
type Conn interface {
	// ReadMessage blocks until a frame arrives. When the peer completes a
	// close handshake it returns a *CloseError.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one text frame.
	WriteMessage(data []byte) error
	// Close starts a graceful close handshake with the given code and reason.
	// ReadMessage returns once the handshake finishes or times out.
	Close(code int, reason string) error
	// Abort drops the connection without a handshake.
	Abort() error
}

// CloseError reports the close status received from the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed (%d)", e.Code)
	}
	return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Reason)
}

// closeStatus extracts the close code and reason carried by err, if any.
func closeStatus(err error) (int, string, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason, true
	}
	return CloseAbnormalClosure, "", false
}
