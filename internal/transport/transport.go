package transport

import (
	"context"
	"errors"

	"tripchat/internal/models"
)

// Close codes shared with the chat server. Anything other than
// CloseNormal is an unplanned close.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseUnauthorized    = 4001
)

var (
	ErrNotOpen = errors.New("transport not open")
	ErrClosed  = errors.New("transport closed")
)

// IsAuthClose reports whether the server closed the channel because the
// token was rejected.
func IsAuthClose(code int) bool {
	return code == ClosePolicyViolation || code == CloseUnauthorized
}

// Params are the connection parameters of one channel.
type Params struct {
	Token  string
	RoomID string
	Role   models.Role
}

// Handlers receive the asynchronous events of one channel. OnClose is
// called at most once and never after a local Close.
type Handlers struct {
	OnOpen    func()
	OnMessage func(models.Frame)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// Transport is a single bidirectional channel to the chat endpoint.
// Open starts connecting and returns immediately; the outcome arrives
// through Handlers.
type Transport interface {
	Open(ctx context.Context, p Params) error
	Send(f models.Frame) error
	Close(code int, reason string) error
}

// Factory creates a fresh, unopened channel bound to handlers.
type Factory func(h Handlers) Transport

func (h Handlers) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h Handlers) message(f models.Frame) {
	if h.OnMessage != nil {
		h.OnMessage(f)
	}
}

func (h Handlers) close(code int, reason string) {
	if h.OnClose != nil {
		h.OnClose(code, reason)
	}
}

func (h Handlers) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}
