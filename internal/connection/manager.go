package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tripchat/internal/auth"
	"tripchat/internal/clock"
	"tripchat/internal/models"
	"tripchat/internal/transport"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPongTimeout       = 10 * time.Second
	DefaultBaseDelay         = 5 * time.Second
	DefaultBackoffCap        = 4
	DefaultMaxAttempts       = 5
	DefaultReconnectDelay    = time.Second

	// NoBackoff as BackoffCap keeps every reconnect delay at BaseDelay.
	NoBackoff = -1

	maxBackoffExponent = 20
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrNoToken          = errors.New("no auth token available")
	ErrUnauthorized     = errors.New("token rejected by server")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrDisposed         = errors.New("connection manager disposed")
)

type Config struct {
	RoomID  string
	Role    models.Role
	Token   auth.TokenProvider
	Factory transport.Factory
	Clock   clock.Clock
	Logger  *slog.Logger

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	// Reconnect delay is BaseDelay * 2^min(attempt-1, BackoffCap). Zero
	// BackoffCap means the default, NoBackoff a constant delay.
	BaseDelay      time.Duration
	BackoffCap     int
	MaxAttempts    int
	ReconnectDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Token == nil {
		c.Token = auth.Static("")
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
}

// BackoffDelay returns base * 2^min(attempt-1, cap).
func BackoffDelay(base time.Duration, attempt, cap int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cap > maxBackoffExponent {
		cap = maxBackoffExponent
	}
	if cap < 0 {
		cap = 0
	}
	exp := attempt - 1
	if exp > cap {
		exp = cap
	}
	return base * time.Duration(1<<exp)
}

// Manager owns the lifecycle of the transport channel for one room:
// connect, heartbeat, reconnect with backoff and clean disconnect.
//
// Observers are called outside the internal lock, in the order events
// happened, and may call back into the Manager.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    models.ConnectionState
	roomID   string
	conn     transport.Transport
	gen      int
	attempts int
	lastErr  error
	wanted   bool
	offline  bool
	disposed bool

	heartbeat  clock.Timer
	pongTimer  clock.Timer
	retryTimer clock.Timer

	stateListeners []func(models.ConnectionState)
	frameListeners []func(models.Frame)

	outbox   []func()
	draining bool
}

func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "connection", "room_id", cfg.RoomID, "role", cfg.Role),
		ctx:    ctx,
		cancel: cancel,
		state:  models.StateDisconnected,
		roomID: cfg.RoomID,
	}
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(models.ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateListeners = append(m.stateListeners, fn)
}

// OnFrame registers fn for inbound frames. Heartbeat frames are consumed
// by the Manager and never forwarded.
func (m *Manager) OnFrame(fn func(models.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameListeners = append(m.frameListeners, fn)
}

func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts is the current reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastError is the cause of the latest error or unplanned close.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.unlock()
	m.wanted = true
	m.connectLocked()
}

func (m *Manager) connectLocked() {
	if m.disposed {
		return
	}
	if m.state == models.StateConnected || m.state == models.StateConnecting {
		return
	}
	if m.offline {
		m.logger.Debug("connect suppressed while offline")
		return
	}
	m.stopTimer(&m.retryTimer)
	m.dropConnLocked(transport.CloseNormal, "stale channel")

	token, ok := m.cfg.Token()
	if !ok {
		m.lastErr = ErrNoToken
		m.logger.Error("cannot connect", "error", ErrNoToken)
		m.setStateLocked(models.StateError)
		return
	}

	m.setStateLocked(models.StateConnecting)
	m.gen++
	gen := m.gen
	conn := m.cfg.Factory(transport.Handlers{
		OnOpen:    func() { m.handleOpen(gen) },
		OnMessage: func(f models.Frame) { m.handleFrame(gen, f) },
		OnClose:   func(code int, reason string) { m.handleClose(gen, code, reason) },
		OnError:   func(err error) { m.handleError(gen, err) },
	})
	m.conn = conn

	params := transport.Params{Token: token, RoomID: m.roomID, Role: m.cfg.Role}
	if err := conn.Open(m.ctx, params); err != nil {
		m.lastErr = err
		m.logger.Warn("open failed", "error", err)
		m.closedLocked(transport.CloseAbnormal, err.Error())
	}
}

func (m *Manager) handleOpen(gen int) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || m.disposed {
		return
	}

	m.attempts = 0
	m.lastErr = nil
	if m.roomID != "" {
		m.sendControlLocked(models.FrameRoomJoin, m.roomID)
	}
	m.setStateLocked(models.StateConnected)
	m.armHeartbeatLocked(gen)
}

func (m *Manager) handleFrame(gen int, f models.Frame) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || m.disposed {
		return
	}

	switch f.Type {
	case models.FramePong:
		m.stopTimer(&m.pongTimer)
		return
	case models.FramePing:
		m.sendControlLocked(models.FramePong, "")
		return
	}

	listeners := append([]func(models.Frame){}, m.frameListeners...)
	m.outbox = append(m.outbox, func() {
		for _, l := range listeners {
			l(f)
		}
	})
}

func (m *Manager) handleClose(gen int, code int, reason string) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || m.disposed {
		return
	}
	m.conn = nil
	m.closedLocked(code, reason)
}

func (m *Manager) handleError(gen int, err error) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || m.disposed {
		return
	}
	m.lastErr = err
	m.logger.Warn("transport error", "error", err)
}

// closedLocked reacts to the end of the current channel.
func (m *Manager) closedLocked(code int, reason string) {
	m.dropConnLocked(transport.CloseNormal, "")
	m.stopTimer(&m.heartbeat)
	m.stopTimer(&m.pongTimer)

	switch {
	case code == transport.CloseNormal:
		m.logger.Info("channel closed by server")
		m.setStateLocked(models.StateDisconnected)
		return
	case transport.IsAuthClose(code):
		m.lastErr = ErrUnauthorized
		m.logger.Error("channel rejected", "code", code, "reason", reason)
		m.setStateLocked(models.StateError)
		return
	}

	m.logger.Warn("channel closed unexpectedly", "code", code, "reason", reason)
	m.setStateLocked(models.StateDisconnected)
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.offline || !m.wanted {
		return
	}
	if m.attempts >= m.cfg.MaxAttempts {
		m.lastErr = ErrRetriesExhausted
		m.logger.Error("giving up reconnecting", "attempts", m.attempts)
		m.setStateLocked(models.StateError)
		return
	}

	m.attempts++
	delay := BackoffDelay(m.cfg.BaseDelay, m.attempts, m.cfg.BackoffCap)
	m.logger.Info("reconnect scheduled", "attempt", m.attempts, "delay", delay)
	m.setStateLocked(models.StateReconnecting)

	m.stopTimer(&m.retryTimer)
	m.retryTimer = m.cfg.Clock.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.unlock()
		m.retryTimer = nil
		if m.state != models.StateReconnecting {
			return
		}
		m.connectLocked()
	})
}

func (m *Manager) armHeartbeatLocked(gen int) {
	m.stopTimer(&m.heartbeat)
	m.heartbeat = m.cfg.Clock.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.beat(gen)
	})
}

func (m *Manager) beat(gen int) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || m.disposed || m.state != models.StateConnected {
		return
	}
	m.heartbeat = nil

	if err := m.sendControlLocked(models.FramePing, ""); err != nil {
		m.forceReconnectLocked("ping write failed")
		return
	}
	if m.pongTimer == nil {
		m.pongTimer = m.cfg.Clock.AfterFunc(m.cfg.PongTimeout, func() {
			m.pongMissed(gen)
		})
	}
	m.armHeartbeatLocked(gen)
}

func (m *Manager) pongMissed(gen int) {
	m.mu.Lock()
	defer m.unlock()
	if gen != m.gen || m.disposed {
		return
	}
	m.pongTimer = nil
	m.forceReconnectLocked("heartbeat timeout")
}

// forceReconnectLocked abandons a channel that looks open but is dead.
func (m *Manager) forceReconnectLocked(reason string) {
	m.logger.Warn("forcing reconnect", "reason", reason)
	m.dropConnLocked(transport.CloseGoingAway, reason)
	m.closedLocked(transport.CloseAbnormal, reason)
}

// Disconnect closes the channel on purpose; no reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.unlock()
	m.wanted = false
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	m.stopTimer(&m.retryTimer)
	m.stopTimer(&m.heartbeat)
	m.stopTimer(&m.pongTimer)
	if m.state == models.StateConnected && m.roomID != "" {
		m.sendControlLocked(models.FrameRoomLeave, m.roomID)
	}
	m.dropConnLocked(transport.CloseNormal, "client disconnect")
	m.setStateLocked(models.StateDisconnected)
}

// Reconnect is the user-initiated retry: it drops the channel, resets
// backoff and connects again after a short fixed delay.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	defer m.unlock()
	if m.disposed {
		return
	}
	m.wanted = true
	m.disconnectLocked()
	m.attempts = 0
	m.lastErr = nil
	m.retryTimer = m.cfg.Clock.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		defer m.unlock()
		m.retryTimer = nil
		m.connectLocked()
	})
}

// SetOnline relays host network status. Going offline drops the channel
// and suppresses reconnects until the host is back online.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	defer m.unlock()
	if m.disposed || m.offline == !online {
		return
	}
	m.offline = !online

	if !online {
		m.logger.Info("host offline")
		m.stopTimer(&m.retryTimer)
		m.stopTimer(&m.heartbeat)
		m.stopTimer(&m.pongTimer)
		m.dropConnLocked(transport.CloseGoingAway, "offline")
		m.setStateLocked(models.StateDisconnected)
		return
	}

	m.logger.Info("host online")
	if m.wanted {
		m.attempts = 0
		m.setStateLocked(models.StateDisconnected)
		m.connectLocked()
	}
}

// SetRoom rebinds the manager to roomID, leaving the previous room.
func (m *Manager) SetRoom(roomID string) {
	m.mu.Lock()
	defer m.unlock()
	if m.disposed || roomID == m.roomID {
		return
	}
	if m.state == models.StateConnected {
		if m.roomID != "" {
			m.sendControlLocked(models.FrameRoomLeave, m.roomID)
		}
		if roomID != "" {
			m.sendControlLocked(models.FrameRoomJoin, roomID)
		}
	}
	m.roomID = roomID
	m.logger = m.cfg.Logger.With("component", "connection", "room_id", roomID, "role", m.cfg.Role)
}

// Send writes f if the channel is connected.
func (m *Manager) Send(f models.Frame) error {
	m.mu.Lock()
	defer m.unlock()
	if m.disposed {
		return ErrDisposed
	}
	if m.state != models.StateConnected || m.conn == nil {
		return ErrNotConnected
	}
	return m.conn.Send(f)
}

// Dispose disconnects and releases every timer. The Manager is unusable
// afterwards.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.unlock()
	if m.disposed {
		return
	}
	m.wanted = false
	m.disconnectLocked()
	m.disposed = true
	m.cancel()
	m.stateListeners = nil
	m.frameListeners = nil
}

func (m *Manager) sendControlLocked(t models.FrameType, roomID string) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	if err := m.conn.Send(models.Frame{Type: t, RoomID: roomID}); err != nil {
		m.logger.Warn("control frame write failed", "type", t, "error", err)
		return err
	}
	return nil
}

// dropConnLocked closes the current channel, if any, and makes its late
// events stale.
func (m *Manager) dropConnLocked(code int, reason string) {
	m.gen++
	if m.conn == nil {
		return
	}
	conn := m.conn
	m.conn = nil
	if err := conn.Close(code, reason); err != nil {
		m.logger.Debug("close failed", "error", err)
	}
}

func (m *Manager) setStateLocked(s models.ConnectionState) {
	if m.state == s {
		return
	}
	m.logger.Info("connection state changed", "from", m.state, "to", s)
	m.state = s
	listeners := append([]func(models.ConnectionState){}, m.stateListeners...)
	m.outbox = append(m.outbox, func() {
		for _, l := range listeners {
			l(s)
		}
	})
}

func (m *Manager) stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// unlock releases the mutex and runs queued observer calls. A call made
// from inside an observer leaves its events to the outer drain loop so
// order is preserved.
func (m *Manager) unlock() {
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.outbox) > 0 {
		fn := m.outbox[0]
		m.outbox = m.outbox[1:]
		m.mu.Unlock()
		fn()
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}
