package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"tripchat/internal/models"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type WebSocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           *slog.Logger
}

// WebSocket is a Transport over gorilla/websocket.
type WebSocket struct {
	cfg      WebSocketConfig
	handlers Handlers
	logger   *slog.Logger

	mu     sync.Mutex
	conn   wsConnection
	cancel context.CancelFunc
	closed bool
}

// NewWebSocketFactory returns a Factory dialing cfg.URL.
func NewWebSocketFactory(cfg WebSocketConfig) Factory {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return func(h Handlers) Transport {
		return &WebSocket{
			cfg:      cfg,
			handlers: h,
			logger:   cfg.Logger.With("component", "transport"),
		}
	}
}

// DialURL adds the connection parameters to the endpoint query string.
func DialURL(endpoint string, p Params) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", p.Token)
	if p.RoomID != "" {
		q.Set("room_id", p.RoomID)
	}
	if p.Role != "" {
		q.Set("role", string(p.Role))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (w *WebSocket) Open(ctx context.Context, p Params) error {
	target, err := DialURL(w.cfg.URL, p)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.cancel != nil {
		w.mu.Unlock()
		return errors.New("transport already opened")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.Token)

	go w.dial(ctx, target, header)
	return nil
}

func (w *WebSocket) dial(ctx context.Context, target string, header http.Header) {
	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if !w.active() {
			return
		}
		w.handlers.error(fmt.Errorf("dial: %w", err))
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			w.finish(CloseUnauthorized, "unauthorized")
			return
		}
		w.finish(CloseAbnormal, err.Error())
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return
	}
	w.conn = conn
	w.mu.Unlock()

	w.logger.Debug("websocket open")
	w.handlers.open()
	w.readPump(ctx, conn)
}

func (w *WebSocket) readPump(ctx context.Context, conn wsConnection) {
	for {
		var frame models.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			code, reason := CloseAbnormal, err.Error()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code, reason = closeErr.Code, closeErr.Text
			}
			if ctx.Err() == nil {
				w.logger.Debug("websocket read ended", "code", code, "error", err)
			}
			w.finish(code, reason)
			return
		}
		if !w.active() {
			return
		}
		w.handlers.message(frame)
	}
}

// finish reports a remote close once, unless Close was called locally.
func (w *WebSocket) finish(code int, reason string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	conn := w.conn
	cancel := w.cancel
	w.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	w.handlers.close(code, reason)
}

func (w *WebSocket) active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed
}

func (w *WebSocket) Send(f models.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.conn == nil {
		return ErrNotOpen
	}
	if err := w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := w.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

func (w *WebSocket) Close(code int, reason string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.cfg.WriteTimeout)); err != nil {
		w.logger.Debug("write close frame failed", "error", err)
	}
	return conn.Close()
}
