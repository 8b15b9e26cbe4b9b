// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"tripchat/internal/models"
	"tripchat/internal/transport"
)

// Dialer hands out Fake channels and remembers every one of them.
type Dialer struct {
	mu    sync.Mutex
	conns []*Fake
}

func NewDialer() *Dialer {
	return &Dialer{}
}

// Factory is a transport.Factory producing Fakes.
func (d *Dialer) Factory(h transport.Handlers) transport.Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := &Fake{handlers: h}
	d.conns = append(d.conns, f)
	return f
}

// Opened is the number of channels Open was called on.
func (d *Dialer) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		if c.opened() {
			n++
		}
	}
	return n
}

// Last returns the most recently created channel.
func (d *Dialer) Last() *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Fake is a Transport whose lifecycle is driven by the test. Events are
// delivered synchronously on the calling goroutine.
type Fake struct {
	handlers transport.Handlers

	mu          sync.Mutex
	params      *transport.Params
	open        bool
	closed      bool
	closeCode   int
	sent        []models.Frame
	failWrites  error
	openFailure error
}

func (f *Fake) Open(_ context.Context, p transport.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openFailure != nil {
		return f.openFailure
	}
	if f.closed {
		return transport.ErrClosed
	}
	f.params = &p
	return nil
}

func (f *Fake) Send(frame models.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	if !f.open {
		return transport.ErrNotOpen
	}
	if f.failWrites != nil {
		return f.failWrites
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *Fake) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.open = false
	f.closeCode = code
	return nil
}

func (f *Fake) opened() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params != nil
}

// Params returns the parameters Open was called with.
func (f *Fake) Params() transport.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.params == nil {
		return transport.Params{}
	}
	return *f.params
}

// Accept completes the handshake.
func (f *Fake) Accept() {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	if f.handlers.OnOpen != nil {
		f.handlers.OnOpen()
	}
}

// Drop simulates a remote close with code.
func (f *Fake) Drop(code int, reason string) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.open = false
	f.closeCode = code
	f.mu.Unlock()
	if f.handlers.OnClose != nil {
		f.handlers.OnClose(code, reason)
	}
}

// Fail reports a channel error without closing.
func (f *Fake) Fail(err error) {
	if f.handlers.OnError != nil {
		f.handlers.OnError(err)
	}
}

// Deliver injects an inbound frame.
func (f *Fake) Deliver(frame models.Frame) {
	if f.handlers.OnMessage != nil {
		f.handlers.OnMessage(frame)
	}
}

// DeliverJSON injects an inbound frame with payload marshaled from v.
func (f *Fake) DeliverJSON(t models.FrameType, localID string, v any) {
	frame := models.Frame{Type: t, LocalID: localID}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		frame.Payload = data
	}
	f.Deliver(frame)
}

// FailWrites makes every following Send return err; nil restores writes.
func (f *Fake) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = err
}

// FailOpen makes Open return err.
func (f *Fake) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openFailure = err
}

// Sent returns a copy of the frames written so far.
func (f *Fake) Sent() []models.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Frame(nil), f.sent...)
}

// SentOfType returns written frames of type t, in write order.
func (f *Fake) SentOfType(t models.FrameType) []models.Frame {
	var out []models.Frame
	for _, frame := range f.Sent() {
		if frame.Type == t {
			out = append(out, frame)
		}
	}
	return out
}

// Closed reports whether the channel is closed and with which code.
func (f *Fake) Closed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

var ErrWrite = errors.New("fake write failure")
