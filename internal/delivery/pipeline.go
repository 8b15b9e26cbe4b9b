package delivery

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tripchat/internal/clock"
	"tripchat/internal/connection"
	"tripchat/internal/models"

	"github.com/google/uuid"
)

const DefaultAckTimeout = 10 * time.Second

var (
	ErrAckTimeout = errors.New("acknowledgment timed out")
	ErrCancelled  = errors.New("send cancelled")
	ErrInFlight   = errors.New("message with this local id is already in flight")
	ErrRejected   = errors.New("message rejected by server")
)

// Channel is the write side of the live connection.
type Channel interface {
	Send(f models.Frame) error
}

// Result settles one send. OK is true only when the server acknowledged
// the local id before the timeout.
type Result struct {
	LocalID   string
	ServerID  string
	CreatedAt int64
	OK        bool
	Err       error
}

type Config struct {
	AckTimeout time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
	// NewID generates local ids; uuid v4 by default.
	NewID func() string
}

type entry struct {
	msg   models.OutboundMessage
	frame models.Frame
	timer clock.Timer
	done  chan Result
	// settled guards against a second resolution.
	settled bool
}

func (e *entry) resolve(r Result) bool {
	if e.settled {
		return false
	}
	e.settled = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	r.LocalID = e.msg.LocalID
	e.done <- r
	close(e.done)
	return true
}

// Pipeline turns outbound messages into message.send frames and tracks
// each one until it is acknowledged, times out or fails to write.
type Pipeline struct {
	cfg    Config
	ch     Channel
	logger *slog.Logger

	mu        sync.Mutex
	pending   map[string]*entry
	queue     []*entry
	listeners []func(models.StatusUpdate)
}

func New(ch Channel, cfg Config) *Pipeline {
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Pipeline{
		cfg:     cfg,
		ch:      ch,
		logger:  cfg.Logger.With("component", "delivery"),
		pending: make(map[string]*entry),
	}
}

// OnStatus registers fn for delivery status changes.
func (p *Pipeline) OnStatus(fn func(models.StatusUpdate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Send writes msg now if the channel is connected, or queues it for the
// next flush. The returned channel yields exactly one Result.
func (p *Pipeline) Send(msg models.OutboundMessage) (string, <-chan Result) {
	if msg.LocalID == "" {
		msg.LocalID = p.cfg.NewID()
	}
	if msg.Type == "" {
		msg.Type = models.ContentTypeText
	}
	if msg.SubmittedAt == 0 {
		msg.SubmittedAt = p.cfg.Clock.Now().UnixMilli()
	}

	e := &entry{msg: msg, done: make(chan Result, 1)}
	frame, err := models.NewFrame(models.FrameMessageSend, msg.RoomID, models.SendPayload{
		Body:       msg.Body,
		Type:       msg.Type,
		Attachment: msg.Attachment,
	})
	frame.LocalID = msg.LocalID
	e.frame = frame

	var updates []models.StatusUpdate
	p.mu.Lock()
	switch {
	case err != nil:
		e.resolve(Result{Err: fmt.Errorf("encode frame: %w", err)})
		updates = append(updates, failed(msg.LocalID, err))
	case p.inFlightLocked(msg.LocalID):
		e.resolve(Result{Err: ErrInFlight})
	default:
		updates = append(updates, models.StatusUpdate{LocalID: msg.LocalID, Status: models.StatusSending})
		if len(p.queue) > 0 {
			// Earlier messages are still waiting; msg goes out behind them.
			p.queue = append(p.queue, e)
			p.flushLocked(&updates)
		} else if !p.writeLocked(e, &updates) {
			p.queue = append(p.queue, e)
		}
		if len(p.queue) > 0 {
			p.logger.Debug("message queued", "local_id", msg.LocalID, "queued", len(p.queue))
		}
	}
	listeners := p.listeners
	p.mu.Unlock()

	notify(listeners, updates)
	return msg.LocalID, e.done
}

func (p *Pipeline) inFlightLocked(localID string) bool {
	if _, ok := p.pending[localID]; ok {
		return true
	}
	for _, q := range p.queue {
		if q.msg.LocalID == localID {
			return true
		}
	}
	return false
}

// writeLocked returns false when the channel is not connected and the
// entry should wait in the queue.
func (p *Pipeline) writeLocked(e *entry, updates *[]models.StatusUpdate) bool {
	err := p.ch.Send(e.frame)
	switch {
	case errors.Is(err, connection.ErrNotConnected):
		return false
	case err != nil:
		p.logger.Warn("message write failed", "local_id", e.msg.LocalID, "error", err)
		e.resolve(Result{Err: err})
		*updates = append(*updates, failed(e.msg.LocalID, err))
		return true
	}

	id := e.msg.LocalID
	p.pending[id] = e
	e.timer = p.cfg.Clock.AfterFunc(p.cfg.AckTimeout, func() {
		p.expire(id, e)
	})
	return true
}

func (p *Pipeline) expire(localID string, e *entry) {
	p.mu.Lock()
	if p.pending[localID] != e {
		p.mu.Unlock()
		return
	}
	delete(p.pending, localID)
	e.timer = nil
	e.resolve(Result{Err: ErrAckTimeout})
	p.logger.Warn("message not acknowledged", "local_id", localID, "timeout", p.cfg.AckTimeout)
	listeners := p.listeners
	p.mu.Unlock()

	notify(listeners, []models.StatusUpdate{failed(localID, ErrAckTimeout)})
}

// Flush writes queued messages in FIFO order. A failing write settles
// only that message; losing the connection mid-flush keeps the rest
// queued.
func (p *Pipeline) Flush() {
	var updates []models.StatusUpdate
	p.mu.Lock()
	p.flushLocked(&updates)
	listeners := p.listeners
	p.mu.Unlock()

	notify(listeners, updates)
}

func (p *Pipeline) flushLocked(updates *[]models.StatusUpdate) {
	queue := p.queue
	p.queue = nil
	for i, e := range queue {
		if !p.writeLocked(e, updates) {
			p.queue = queue[i:]
			break
		}
	}
	if len(queue) > len(p.queue) {
		p.logger.Debug("queue flushed", "messages", len(queue)-len(p.queue), "left", len(p.queue))
	}
}

// HandleState flushes the queue whenever the channel becomes connected.
func (p *Pipeline) HandleState(s models.ConnectionState) {
	if s == models.StateConnected {
		p.Flush()
	}
}

// HandleFrame consumes acknowledgments and per-message errors. It
// reports whether the frame was meant for the pipeline.
func (p *Pipeline) HandleFrame(f models.Frame) bool {
	switch f.Type {
	case models.FrameMessageAck:
		p.ack(f)
		return true
	case models.FrameError:
		if f.LocalID == "" {
			return false
		}
		p.reject(f)
		return true
	}
	return false
}

func (p *Pipeline) ack(f models.Frame) {
	var payload models.AckPayload
	if len(f.Payload) > 0 {
		if err := f.Decode(&payload); err != nil {
			p.logger.Warn("malformed ack payload", "local_id", f.LocalID, "error", err)
		}
	}

	p.mu.Lock()
	e, ok := p.pending[f.LocalID]
	if !ok {
		p.mu.Unlock()
		p.logger.Debug("ack for unknown or settled message", "local_id", f.LocalID)
		return
	}
	delete(p.pending, f.LocalID)
	e.resolve(Result{OK: true, ServerID: payload.MessageID, CreatedAt: payload.CreatedAt})
	listeners := p.listeners
	p.mu.Unlock()

	notify(listeners, []models.StatusUpdate{{
		LocalID:  f.LocalID,
		ServerID: payload.MessageID,
		Status:   models.StatusSent,
	}})
}

func (p *Pipeline) reject(f models.Frame) {
	var payload models.ErrorPayload
	if len(f.Payload) > 0 {
		_ = f.Decode(&payload)
	}
	err := ErrRejected
	if payload.Message != "" {
		err = fmt.Errorf("%w: %s", ErrRejected, payload.Message)
	}

	p.mu.Lock()
	e, ok := p.pending[f.LocalID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, f.LocalID)
	e.resolve(Result{Err: err})
	listeners := p.listeners
	p.mu.Unlock()

	notify(listeners, []models.StatusUpdate{failed(f.LocalID, err)})
}

// Cancel settles every pending and queued send with ErrCancelled and
// clears all ack timers.
func (p *Pipeline) Cancel() {
	var updates []models.StatusUpdate
	p.mu.Lock()
	for id, e := range p.pending {
		e.resolve(Result{Err: ErrCancelled})
		updates = append(updates, failed(id, ErrCancelled))
	}
	for _, e := range p.queue {
		e.resolve(Result{Err: ErrCancelled})
		updates = append(updates, failed(e.msg.LocalID, ErrCancelled))
	}
	p.pending = make(map[string]*entry)
	p.queue = nil
	listeners := p.listeners
	p.mu.Unlock()

	notify(listeners, updates)
}

// Handoff is a queued message taken out of the pipeline to be delivered
// some other way. Settle must be called exactly once.
type Handoff struct {
	Msg    models.OutboundMessage
	Settle func(Result)
}

// TakeQueued removes every queued message and hands it to the caller.
// Settling a handoff resolves the original Send and reports sent or failed
// to the status listeners.
func (p *Pipeline) TakeQueued() []Handoff {
	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()

	out := make([]Handoff, 0, len(queue))
	for _, e := range queue {
		out = append(out, Handoff{Msg: e.msg, Settle: func(r Result) { p.settle(e, r) }})
	}
	return out
}

func (p *Pipeline) settle(e *entry, r Result) {
	p.mu.Lock()
	if !e.resolve(r) {
		p.mu.Unlock()
		return
	}
	listeners := p.listeners
	p.mu.Unlock()

	u := models.StatusUpdate{LocalID: e.msg.LocalID, ServerID: r.ServerID, Status: models.StatusSent}
	if !r.OK {
		err := r.Err
		if err == nil {
			err = ErrRejected
		}
		u = failed(e.msg.LocalID, err)
	}
	notify(listeners, []models.StatusUpdate{u})
}

// Pending is the number of written, unacknowledged messages.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Queued is the number of messages waiting for a connection.
func (p *Pipeline) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func failed(localID string, err error) models.StatusUpdate {
	return models.StatusUpdate{LocalID: localID, Status: models.StatusFailed, Reason: err.Error()}
}

func notify(listeners []func(models.StatusUpdate), updates []models.StatusUpdate) {
	for _, u := range updates {
		for _, l := range listeners {
			l(u)
		}
	}
}
