// Package presence handles typing indicators: the local debounced
// broadcast and the set of remote users currently typing.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"tripchat/internal/clock"
	"tripchat/internal/models"
)

const (
	DefaultTypingIdle      = 3 * time.Second
	DefaultTypingFreshness = 5 * time.Second
)

// Sender writes frames to the live channel. It fails while the channel is
// not connected.
type Sender interface {
	Send(f models.Frame) error
}

// Typer announces local typing bursts: one typing.start per burst and one
// typing.stop once input has been idle for the configured window.
type Typer struct {
	ch     Sender
	roomID func() string
	idle   time.Duration
	clk    clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	active bool
	timer  clock.Timer
	gen    int
}

func NewTyper(ch Sender, roomID func() string, idle time.Duration, clk clock.Clock, logger *slog.Logger) *Typer {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Typer{
		ch:     ch,
		roomID: roomID,
		idle:   idle,
		clk:    clk,
		logger: logger.With("component", "typer"),
	}
}

// Input records a local keystroke.
func (t *Typer) Input() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		if err := t.sendLocked(models.FrameTypingStart); err != nil {
			return
		}
		t.active = true
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.clk.AfterFunc(t.idle, func() { t.idleFor(gen) })
}

func (t *Typer) idleFor(gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	t.stopLocked()
}

// Stop ends the current burst right away.
func (t *Typer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Typer) stopLocked() {
	if !t.active {
		return
	}
	t.clearLocked()
	if err := t.sendLocked(models.FrameTypingStop); err != nil {
		t.logger.Debug("typing stop not sent", "error", err)
	}
}

// Cancel forgets the burst without telling the server.
func (t *Typer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

// Active reports whether a burst is in progress.
func (t *Typer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Typer) clearLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.active = false
}

func (t *Typer) sendLocked(ft models.FrameType) error {
	f, err := models.NewFrame(ft, t.roomID(), nil)
	if err != nil {
		return err
	}
	return t.ch.Send(f)
}
