package chat

import (
	"tripchat/internal/models"
)

// Mode is the path messages currently travel on.
type Mode string

const (
	ModeLive     Mode = "live"
	ModeFallback Mode = "fallback"
)

// Status is what connection-status observers receive.
type Status struct {
	State    models.ConnectionState
	Mode     Mode
	Attempts int
	// Err is the cause of an error state, if any.
	Err error
	// PollError is set while fallback polling is failing. Polling keeps
	// retrying until the failure limit is reached; Paused reports that.
	PollError error
	Paused    bool
}

// Observer receives every event of a Client. Embed NopObserver to pick
// only the events of interest.
type Observer interface {
	NewMessage(msg models.InboundMessage)
	MessageStatusUpdate(u models.StatusUpdate)
	TypingChange(ind models.TypingIndicator, typing []string)
	ConnectionStatusChange(s Status)
}

type NopObserver struct{}

func (NopObserver) NewMessage(models.InboundMessage)              {}
func (NopObserver) MessageStatusUpdate(models.StatusUpdate)       {}
func (NopObserver) TypingChange(models.TypingIndicator, []string) {}
func (NopObserver) ConnectionStatusChange(Status)                 {}

type observers struct {
	messages []func(models.InboundMessage)
	statuses []func(models.StatusUpdate)
	typing   []func(models.TypingIndicator, []string)
	conn     []func(Status)
}

// OnNewMessage registers fn for messages from any path, live or polled.
// Each message id is reported once.
func (c *Client) OnNewMessage(fn func(models.InboundMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs.messages = append(c.obs.messages, fn)
}

// OnMessageStatusUpdate registers fn for status changes of own messages
// and read receipts.
func (c *Client) OnMessageStatusUpdate(fn func(models.StatusUpdate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs.statuses = append(c.obs.statuses, fn)
}

// OnTypingChange registers fn; it receives the indicator and the full set
// of users typing in the room.
func (c *Client) OnTypingChange(fn func(models.TypingIndicator, []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs.typing = append(c.obs.typing, fn)
}

func (c *Client) OnConnectionStatusChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs.conn = append(c.obs.conn, fn)
}

// Observe registers every method of o.
func (c *Client) Observe(o Observer) {
	c.OnNewMessage(o.NewMessage)
	c.OnMessageStatusUpdate(o.MessageStatusUpdate)
	c.OnTypingChange(o.TypingChange)
	c.OnConnectionStatusChange(o.ConnectionStatusChange)
}

func (c *Client) emitMessageLocked(msg models.InboundMessage) {
	fns := c.obs.messages
	c.outbox = append(c.outbox, func() {
		for _, fn := range fns {
			fn(msg)
		}
	})
}

func (c *Client) emitStatusLocked(u models.StatusUpdate) {
	fns := c.obs.statuses
	c.outbox = append(c.outbox, func() {
		for _, fn := range fns {
			fn(u)
		}
	})
}

func (c *Client) emitTypingLocked(ind models.TypingIndicator, typing []string) {
	fns := c.obs.typing
	c.outbox = append(c.outbox, func() {
		for _, fn := range fns {
			fn(ind, typing)
		}
	})
}

func (c *Client) emitConnLocked() {
	s := c.statusLocked()
	fns := c.obs.conn
	c.outbox = append(c.outbox, func() {
		for _, fn := range fns {
			fn(s)
		}
	})
}

// unlock releases the mutex and runs queued observer calls in order.
// Calls made from inside an observer leave their events to the outer
// drain loop.
func (c *Client) unlock() {
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.outbox) > 0 {
		fn := c.outbox[0]
		c.outbox = c.outbox[1:]
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}
