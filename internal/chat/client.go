// Package chat is the room-scoped chat core: it keeps one live channel per
// room, delivers messages over it with acknowledgments, and falls back to
// REST polling when the channel is unavailable.
package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"

	"tripchat/internal/auth"
	"tripchat/internal/clock"
	"tripchat/internal/connection"
	"tripchat/internal/delivery"
	"tripchat/internal/models"
	"tripchat/internal/normalize"
	"tripchat/internal/presence"
	"tripchat/internal/transport"
)

const (
	DefaultFallbackGrace  = 15 * time.Second
	DefaultPollInterval   = 10 * time.Second
	DefaultPollRetryDelay = 5 * time.Second
	DefaultPollMaxRetries = 5
	DefaultDedupSize      = 1024
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotFailed      = errors.New("message has not failed")
	ErrDisposed       = errors.New("chat client disposed")
)

// REST is the HTTP collaborator.
type REST interface {
	Messages(ctx context.Context, roomID string, page int) ([]models.InboundMessage, error)
	SendMessage(ctx context.Context, out models.OutboundMessage) (models.InboundMessage, error)
	MarkRead(ctx context.Context, roomID, lastMessageID string) error
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
	UnreadCount(ctx context.Context) int
}

type Config struct {
	RoomID  string
	UserID  string
	Role    models.Role
	Token   auth.TokenProvider
	Factory transport.Factory
	REST    REST
	Clock   clock.Clock
	Logger  *slog.Logger
	NewID   func() string

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	BaseDelay         time.Duration
	BackoffCap        int
	MaxAttempts       int
	ReconnectDelay    time.Duration
	AckTimeout        time.Duration
	TypingIdle        time.Duration
	TypingFreshness   time.Duration

	// FallbackGrace is how long the channel may stay down before the
	// client switches to polling.
	FallbackGrace  time.Duration
	PollInterval   time.Duration
	PollRetryDelay time.Duration
	// PollMaxRetries consecutive poll failures pause polling until the
	// next mode change or Reconnect.
	PollMaxRetries int
	// DedupSize bounds the set of remembered message ids.
	DedupSize int
}

func (c *Config) setDefaults() {
	if c.Token == nil {
		c.Token = auth.Static("")
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.FallbackGrace == 0 {
		c.FallbackGrace = DefaultFallbackGrace
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollRetryDelay == 0 {
		c.PollRetryDelay = DefaultPollRetryDelay
	}
	if c.PollMaxRetries == 0 {
		c.PollMaxRetries = DefaultPollMaxRetries
	}
	if c.DedupSize == 0 {
		c.DedupSize = DefaultDedupSize
	}
}

// Client is the chat core for one room at a time. Observers are called
// outside the internal lock, in event order, and may call back into the
// Client.
type Client struct {
	cfg    Config
	rest   REST
	conn   *connection.Manager
	pipe   *delivery.Pipeline
	typer  *presence.Typer
	roster *presence.Roster
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	logger   *slog.Logger
	roomID   string
	state    models.ConnectionState
	mode     Mode
	active   bool
	offline  bool
	disposed bool

	arena   *arena
	seen    *geche.RingBuffer[string, struct{}]
	cursor  int64
	waiters map[string]chan bool

	graceTimer   clock.Timer
	pollTimer    clock.Timer
	pollGen      int
	pollFailures int
	pollErr      error
	paused       bool

	obs      observers
	outbox   []func()
	draining bool
}

func New(cfg Config) (*Client, error) {
	if cfg.Factory == nil {
		return nil, errors.New("transport factory is required")
	}
	if cfg.REST == nil {
		return nil, errors.New("rest client is required")
	}
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		rest:    cfg.REST,
		ctx:     ctx,
		cancel:  cancel,
		logger:  cfg.Logger.With("component", "chat", "room_id", cfg.RoomID),
		roomID:  cfg.RoomID,
		state:   models.StateDisconnected,
		mode:    ModeLive,
		arena:   newArena(),
		seen:    geche.NewRingBuffer[string, struct{}](cfg.DedupSize),
		waiters: make(map[string]chan bool),
	}

	c.conn = connection.NewManager(connection.Config{
		RoomID:            cfg.RoomID,
		Role:              cfg.Role,
		Token:             cfg.Token,
		Factory:           cfg.Factory,
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PongTimeout:       cfg.PongTimeout,
		BaseDelay:         cfg.BaseDelay,
		BackoffCap:        cfg.BackoffCap,
		MaxAttempts:       cfg.MaxAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
	})
	c.pipe = delivery.New(c.conn, delivery.Config{
		AckTimeout: cfg.AckTimeout,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
		NewID:      cfg.NewID,
	})
	c.typer = presence.NewTyper(c.conn, c.conn.RoomID, cfg.TypingIdle, cfg.Clock, cfg.Logger)
	c.roster = presence.NewRoster(cfg.RoomID, cfg.UserID, cfg.TypingFreshness, cfg.Clock, cfg.Logger)

	c.conn.OnStateChange(c.handleState)
	c.conn.OnFrame(c.handleFrame)
	c.pipe.OnStatus(c.handleStatus)
	c.roster.OnChange(c.handleTyping)
	return c, nil
}

// Connect opens the live channel. While it is down for longer than the
// fallback grace period the client polls over REST instead.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.active = true
	if c.mode == ModeFallback && c.pollTimer == nil && !c.paused && !c.offline {
		c.schedulePollLocked(0)
	}
	c.unlock()
	c.conn.Connect()
}

// Disconnect closes the live channel and stops polling. Sends still
// waiting for the channel or for an ack fail and can be retried later.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.active = false
	c.stopTimer(&c.graceTimer)
	c.stopPollLocked()
	c.unlock()

	c.typer.Cancel()
	c.conn.Disconnect()
	c.pipe.Cancel()
}

// Reconnect is the manual retry after an error: backoff and poll failure
// counters start over.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.pollFailures = 0
	c.pollErr = nil
	if c.mode == ModeFallback && (c.paused || c.pollTimer == nil) && !c.offline {
		c.paused = false
		c.schedulePollLocked(0)
	}
	c.emitConnLocked()
	c.unlock()

	c.conn.Reconnect()
}

// SetOnline relays the host's network status. While offline neither the
// live channel nor polling is attempted and sends wait in the queue.
func (c *Client) SetOnline(online bool) {
	c.mu.Lock()
	if c.disposed || c.offline == !online {
		c.mu.Unlock()
		return
	}
	c.offline = !online
	if !online {
		c.stopTimer(&c.graceTimer)
		c.stopPollLocked()
	} else if c.mode == ModeFallback && c.active && !c.paused {
		c.schedulePollLocked(0)
	}
	c.logger.Info("host network changed", "online", online)
	c.unlock()

	c.conn.SetOnline(online)
}

// SendMessage sends text through the active mode. The channel yields true
// once the server confirmed the message and false on failure.
func (c *Client) SendMessage(ctx context.Context, text string) (string, <-chan bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", settledChan(false)
	}
	return c.send(ctx, models.OutboundMessage{Body: text, Type: models.ContentTypeText})
}

// SendAttachment uploads r and sends a message referencing it. The message
// type is image or file depending on the content.
func (c *Client) SendAttachment(ctx context.Context, name string, r io.Reader, caption string) (string, <-chan bool, error) {
	head := make([]byte, delivery.SniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", nil, fmt.Errorf("read attachment: %w", err)
	}
	head = head[:n]

	url, err := c.rest.Upload(ctx, name, io.MultiReader(bytes.NewReader(head), r))
	if err != nil {
		return "", nil, fmt.Errorf("upload %s: %w", name, err)
	}

	body := strings.TrimSpace(caption)
	if body == "" {
		body = name
	}
	id, done := c.send(ctx, models.OutboundMessage{
		Body:       body,
		Type:       delivery.DetectContentType(head),
		Attachment: url,
	})
	return id, done, nil
}

func (c *Client) send(ctx context.Context, out models.OutboundMessage) (string, <-chan bool) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return "", settledChan(false)
	}
	out.LocalID = c.cfg.NewID()
	out.RoomID = c.roomID
	out.SubmittedAt = c.cfg.Clock.Now().UnixMilli()

	c.arena.addOutbound(out, c.cfg.UserID)
	done := make(chan bool, 1)
	c.waiters[out.LocalID] = done
	c.emitStatusLocked(models.StatusUpdate{LocalID: out.LocalID, Status: models.StatusSending})
	mode := c.mode
	c.unlock()

	c.dispatch(ctx, mode, out)
	return out.LocalID, done
}

// Retry sends a failed message again under the same local id, through
// whichever mode is active now.
func (c *Client) Retry(ctx context.Context, localID string) (<-chan bool, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrDisposed
	}
	key, ok := c.arena.key(localID)
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, localID)
	}
	msg := c.arena.entries[key]
	if msg.LocalID == "" || msg.Status != models.StatusFailed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, localID, msg.Status)
	}
	c.arena.advance(key, models.StatusSending)
	done := make(chan bool, 1)
	c.waiters[key] = done
	c.emitStatusLocked(models.StatusUpdate{LocalID: key, ServerID: serverID(msg), Status: models.StatusSending})

	out := models.OutboundMessage{
		LocalID:     key,
		RoomID:      msg.RoomID,
		Body:        msg.Body,
		Type:        msg.Type,
		Attachment:  msg.Attachment,
		SubmittedAt: c.cfg.Clock.Now().UnixMilli(),
	}
	mode := c.mode
	c.logger.Info("retrying message", "local_id", key, "mode", mode)
	c.unlock()

	c.dispatch(ctx, mode, out)
	return done, nil
}

func (c *Client) dispatch(ctx context.Context, mode Mode, out models.OutboundMessage) {
	if mode == ModeLive {
		c.pipe.Send(out)
		return
	}
	c.async(func() {
		c.deliverREST(ctx, out, func(r delivery.Result) {
			c.handleStatus(resultStatus(out.LocalID, r))
		})
	})
}

func (c *Client) deliverREST(ctx context.Context, out models.OutboundMessage, settle func(delivery.Result)) {
	msg, err := c.rest.SendMessage(ctx, out)
	if err != nil {
		c.logger.Warn("rest send failed", "local_id", out.LocalID, "error", err)
		settle(delivery.Result{LocalID: out.LocalID, Err: err})
		return
	}
	settle(delivery.Result{LocalID: out.LocalID, ServerID: msg.ID, CreatedAt: msg.CreatedAt, OK: true})
}

// rerouteQueued moves messages still waiting for the live channel onto
// REST.
func (c *Client) rerouteQueued() {
	for _, h := range c.pipe.TakeQueued() {
		c.logger.Info("rerouting queued message", "local_id", h.Msg.LocalID)
		c.async(func() { c.deliverREST(c.ctx, h.Msg, h.Settle) })
	}
}

// SendTyping reports local typing. Typing is live-only and dropped in
// fallback mode.
func (c *Client) SendTyping(isTyping bool) {
	c.mu.Lock()
	live := c.mode == ModeLive && !c.disposed
	c.mu.Unlock()
	if !live {
		return
	}
	if isTyping {
		c.typer.Input()
		return
	}
	c.typer.Stop()
}

// Input is called on every local keystroke.
func (c *Client) Input() {
	c.SendTyping(true)
}

// MarkAsRead marks messageID, or the newest message from someone else if
// empty, as read.
func (c *Client) MarkAsRead(ctx context.Context, messageID string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if messageID == "" {
		messageID = c.arena.latestInbound(c.cfg.UserID)
	}
	room, mode := c.roomID, c.mode
	c.mu.Unlock()

	if messageID == "" {
		return nil
	}
	if mode == ModeLive {
		f, err := models.NewFrame(models.FrameMessageRead, room, models.StatusPayload{MessageID: messageID, Status: models.StatusRead})
		if err != nil {
			return err
		}
		err = c.conn.Send(f)
		if !errors.Is(err, connection.ErrNotConnected) {
			return err
		}
	}
	return c.rest.MarkRead(ctx, room, messageID)
}

// SwitchRoom leaves the current room and joins roomID. Pending sends of
// the old room settle false and its history is dropped.
func (c *Client) SwitchRoom(roomID string) {
	c.mu.Lock()
	if c.disposed || roomID == c.roomID {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.typer.Cancel()
	c.pipe.Cancel()
	c.conn.SetRoom(roomID)
	c.roster.Reset(roomID)

	c.mu.Lock()
	defer c.unlock()
	c.settleAllLocked()
	c.roomID = roomID
	c.logger = c.cfg.Logger.With("component", "chat", "room_id", roomID)
	c.arena = newArena()
	c.seen = geche.NewRingBuffer[string, struct{}](c.cfg.DedupSize)
	c.cursor = 0
	if c.mode == ModeFallback && c.active && !c.offline {
		c.pollFailures = 0
		c.pollErr = nil
		c.paused = false
		c.schedulePollLocked(0)
	}
	c.logger.Info("switched room")
	c.emitConnLocked()
}

// UnreadCount never fails; it degrades to the last known count.
func (c *Client) UnreadCount(ctx context.Context) int {
	return c.rest.UnreadCount(ctx)
}

// Dispose tears the client down: leave frame, normal close, every timer
// cleared and every pending send settled false. No observer fires
// afterwards.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.active = false
	c.stopTimer(&c.graceTimer)
	c.stopPollLocked()
	c.settleAllLocked()
	c.obs = observers{}
	c.outbox = nil
	c.mu.Unlock()

	c.typer.Cancel()
	c.pipe.Cancel()
	c.roster.Reset("")
	c.conn.Dispose()
	c.cancel()
}

// Preload seeds the room with history, e.g. from a local cache, without
// notifying observers. Seeded ids count as seen. cursor is the newest
// creation time known for the room; it matters when msgs is only the tail
// of the history.
func (c *Client) Preload(msgs []models.InboundMessage, cursor int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cursor > c.cursor {
		c.cursor = cursor
	}
	for _, m := range msgs {
		if m.RoomID != c.roomID {
			continue
		}
		c.seen.Set(m.ID, struct{}{})
		c.arena.add(m)
		if m.CreatedAt > c.cursor {
			c.cursor = m.CreatedAt
		}
	}
}

func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Client) State() models.ConnectionState {
	return c.conn.State()
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Cursor is the creation time, in unix millis, of the newest message seen.
func (c *Client) Cursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Messages returns the room's messages ordered by creation time.
func (c *Client) Messages() []models.InboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arena.snapshot()
}

// TypingUsers returns who else is typing right now.
func (c *Client) TypingUsers() []string {
	return c.roster.Users()
}

func (c *Client) statusLocked() Status {
	return Status{
		State:     c.state,
		Mode:      c.mode,
		Attempts:  c.conn.Attempts(),
		Err:       c.conn.LastError(),
		PollError: c.pollErr,
		Paused:    c.paused,
	}
}

func (c *Client) handleState(s models.ConnectionState) {
	c.pipe.HandleState(s)

	c.mu.Lock()
	defer c.unlock()
	if c.disposed {
		return
	}
	c.state = s

	switch s {
	case models.StateConnected:
		c.stopTimer(&c.graceTimer)
		if c.mode == ModeFallback {
			c.logger.Info("live channel restored")
			c.mode = ModeLive
			c.stopPollLocked()
			c.reconcileLocked()
		}
	case models.StateError:
		c.stopTimer(&c.graceTimer)
		c.enterFallbackLocked("connection error")
	default:
		if c.mode == ModeLive && c.active && !c.offline && c.graceTimer == nil {
			c.graceTimer = c.cfg.Clock.AfterFunc(c.cfg.FallbackGrace, c.graceExpired)
		}
	}
	c.emitConnLocked()
}

func (c *Client) graceExpired() {
	c.mu.Lock()
	defer c.unlock()
	c.graceTimer = nil
	if c.disposed || !c.active || c.offline || c.state == models.StateConnected {
		return
	}
	c.enterFallbackLocked("live channel unavailable")
	c.emitConnLocked()
}

func (c *Client) enterFallbackLocked(reason string) {
	if c.mode == ModeFallback {
		return
	}
	c.logger.Warn("switching to fallback", "reason", reason)
	c.mode = ModeFallback
	c.pollFailures = 0
	c.pollErr = nil
	c.paused = false
	c.schedulePollLocked(0)
	c.outbox = append(c.outbox, c.typer.Cancel, c.rerouteQueued)
}

func (c *Client) schedulePollLocked(d time.Duration) {
	c.stopTimer(&c.pollTimer)
	c.pollGen++
	gen := c.pollGen
	c.pollTimer = c.cfg.Clock.AfterFunc(d, func() { c.poll(gen) })
}

func (c *Client) stopPollLocked() {
	c.stopTimer(&c.pollTimer)
	c.pollGen++
}

func (c *Client) poll(gen int) {
	c.mu.Lock()
	if gen != c.pollGen || c.disposed || c.offline || c.mode != ModeFallback {
		c.mu.Unlock()
		return
	}
	c.pollTimer = nil
	room := c.roomID
	c.mu.Unlock()

	msgs, err := c.rest.Messages(c.ctx, room, 0)

	c.mu.Lock()
	defer c.unlock()
	if gen != c.pollGen || c.disposed || c.mode != ModeFallback || room != c.roomID {
		return
	}
	if err != nil {
		c.pollFailures++
		c.pollErr = err
		if c.pollFailures >= c.cfg.PollMaxRetries {
			c.paused = true
			c.logger.Error("polling paused", "failures", c.pollFailures, "error", err)
		} else {
			c.logger.Warn("poll failed", "failures", c.pollFailures, "error", err)
			c.schedulePollLocked(c.cfg.PollRetryDelay)
		}
		c.emitConnLocked()
		return
	}

	if c.pollErr != nil {
		c.pollFailures = 0
		c.pollErr = nil
		c.emitConnLocked()
	}
	c.ingestAllLocked(msgs, c.cursor)
	c.schedulePollLocked(c.cfg.PollInterval)
}

// reconcileLocked fetches once after the live channel returns, to pick up
// anything sent while switching over. Unlike polling it is not bounded by
// the cursor, so it also closes gaps left behind it.
func (c *Client) reconcileLocked() {
	room := c.roomID
	c.async(func() {
		msgs, err := c.rest.Messages(c.ctx, room, 0)

		c.mu.Lock()
		defer c.unlock()
		if c.disposed || room != c.roomID {
			return
		}
		if err != nil {
			c.logger.Warn("reconciliation fetch failed", "error", err)
			return
		}
		c.ingestAllLocked(msgs, 0)
	})
}

// ingestAllLocked feeds msgs in creation order, skipping those created
// before since. Messages created at since itself are still deduplicated
// by id.
func (c *Client) ingestAllLocked(msgs []models.InboundMessage, since int64) {
	slices.SortStableFunc(msgs, func(a, b models.InboundMessage) int {
		switch {
		case a.CreatedAt < b.CreatedAt:
			return -1
		case a.CreatedAt > b.CreatedAt:
			return 1
		}
		return 0
	})
	skipped := 0
	for _, m := range msgs {
		if m.CreatedAt < since {
			skipped++
			continue
		}
		c.ingestLocked(m)
	}
	if skipped > 0 {
		c.logger.Debug("messages older than the cursor skipped", "count", skipped, "cursor", since)
	}
}

// ingestLocked is the single entry for inbound messages from every path.
// Duplicates are recognized by id only.
func (c *Client) ingestLocked(msg models.InboundMessage) bool {
	if msg.RoomID == "" {
		msg.RoomID = c.roomID
	}
	if msg.RoomID != c.roomID {
		c.logger.Debug("message for another room dropped", "id", msg.ID, "message_room", msg.RoomID)
		return false
	}
	if _, err := c.seen.Get(msg.ID); err == nil {
		return false
	}
	c.seen.Set(msg.ID, struct{}{})
	if msg.CreatedAt > c.cursor {
		c.cursor = msg.CreatedAt
	}
	if !c.arena.add(msg) {
		return false
	}
	c.emitMessageLocked(msg)
	return true
}

func (c *Client) handleFrame(f models.Frame) {
	if c.pipe.HandleFrame(f) || c.roster.Handle(f) {
		return
	}

	switch f.Type {
	case models.FrameMessageNew:
		msg, defaulted := normalize.FromFrame(f)
		c.mu.Lock()
		defer c.unlock()
		if c.disposed {
			return
		}
		if len(defaulted) > 0 {
			c.logger.Debug("message fields defaulted", "id", msg.ID, "fields", defaulted)
		}
		c.ingestLocked(msg)

	case models.FrameMessageStatus, models.FrameMessageRead:
		var p models.StatusPayload
		if err := f.Decode(&p); err != nil || p.MessageID == "" {
			c.logger.Warn("malformed status frame", "type", f.Type, "error", err)
			return
		}
		if p.Status == "" && f.Type == models.FrameMessageRead {
			p.Status = models.StatusRead
		}
		c.mu.Lock()
		defer c.unlock()
		if c.disposed {
			return
		}
		key, ok := c.arena.key(p.MessageID)
		if !ok {
			return
		}
		if c.arena.advance(key, p.Status) {
			c.emitStatusLocked(models.StatusUpdate{LocalID: key, ServerID: p.MessageID, Status: p.Status})
		}

	case models.FrameError:
		var p models.ErrorPayload
		_ = f.Decode(&p)
		c.logger.Warn("server error", "code", p.Code, "message", p.Message)

	default:
		c.logger.Debug("unhandled frame", "type", f.Type)
	}
}

// handleStatus applies a delivery outcome to the arena and settles the
// caller waiting on it.
func (c *Client) handleStatus(u models.StatusUpdate) {
	c.mu.Lock()
	defer c.unlock()
	if c.disposed {
		return
	}
	key, ok := c.arena.key(u.LocalID)
	if !ok {
		return
	}
	if u.ServerID != "" {
		c.arena.bind(key, u.ServerID)
		c.seen.Set(u.ServerID, struct{}{})
	}
	if c.arena.advance(key, u.Status) {
		u.LocalID = key
		c.emitStatusLocked(u)
	}
	switch u.Status {
	case models.StatusSent:
		c.settleLocked(key, true)
	case models.StatusFailed:
		c.settleLocked(key, false)
	}
}

func (c *Client) handleTyping(ind models.TypingIndicator, typing []string) {
	c.mu.Lock()
	defer c.unlock()
	if c.disposed {
		return
	}
	c.emitTypingLocked(ind, typing)
}

func (c *Client) settleLocked(localID string, ok bool) {
	w, found := c.waiters[localID]
	if !found {
		return
	}
	delete(c.waiters, localID)
	w <- ok
	close(w)
}

func (c *Client) settleAllLocked() {
	for id := range c.waiters {
		c.settleLocked(id, false)
	}
}

// async runs fn off the caller's stack through the clock, so tests drive
// it with virtual time.
func (c *Client) async(fn func()) {
	c.cfg.Clock.AfterFunc(0, fn)
}

func (c *Client) stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func resultStatus(localID string, r delivery.Result) models.StatusUpdate {
	if r.OK {
		return models.StatusUpdate{LocalID: localID, ServerID: r.ServerID, Status: models.StatusSent}
	}
	reason := "failed"
	if r.Err != nil {
		reason = r.Err.Error()
	}
	return models.StatusUpdate{LocalID: localID, Status: models.StatusFailed, Reason: reason}
}

func serverID(msg *models.InboundMessage) string {
	if msg.ID == msg.LocalID {
		return ""
	}
	return msg.ID
}

func settledChan(v bool) <-chan bool {
	ch := make(chan bool, 1)
	ch <- v
	close(ch)
	return ch
}
