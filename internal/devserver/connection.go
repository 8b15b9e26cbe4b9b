package devserver

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"tripchat/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Attach(connID string) chan models.Frame
	Detach(connID string)
	JoinRoom(connID, userID, roomID string)
	LeaveRoom(connID, roomID string)
	Post(roomID string, sender Sender, localID string, p models.SendPayload) (models.InboundMessage, error)
	MarkRead(roomID, userID, messageID string) error
	Typing(connID, roomID, userID string, typing bool)
}

// Connection serves one client channel: frames read from the socket are
// handled on the main loop, which is also the only writer.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	id         string
	user       Sender
	room       string
	logger     *slog.Logger
	fromClient chan models.Frame
	fromServer chan models.Frame
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	id string,
	user Sender,
	roomID string,
	logger *slog.Logger,
) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		ws:         ws,
		hub:        hub,
		id:         id,
		user:       user,
		logger:     logger.With("component", "connection", "conn_id", id, "user_id", user.ID),
		fromClient: make(chan models.Frame),
		fromServer: hub.Attach(id),
		errorCh:    make(chan error, 2),
	}
	if roomID != "" {
		c.join(roomID)
	}
	return c
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Detach(c.id)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var f models.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return err
		}
		select {
		case c.fromClient <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case f := <-c.fromClient:
			if err := c.processClientFrame(f); err != nil {
				return err
			}
		case f, ok := <-c.fromServer:
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(f); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientFrame(f models.Frame) error {
	roomID := f.RoomID
	if roomID == "" {
		roomID = c.room
	}

	switch f.Type {
	case models.FramePing:
		return c.ws.WriteJSON(models.Frame{Type: models.FramePong})
	case models.FramePong:
	case models.FrameRoomJoin:
		c.join(roomID)
	case models.FrameRoomLeave:
		c.hub.LeaveRoom(c.id, roomID)
		if roomID == c.room {
			c.room = ""
		}
	case models.FrameMessageSend:
		var p models.SendPayload
		if err := f.Decode(&p); err != nil {
			return c.reject(f.LocalID, "bad_payload", err)
		}
		msg, err := c.hub.Post(roomID, c.user, f.LocalID, p)
		if err != nil {
			return c.reject(f.LocalID, "rejected", err)
		}
		ack, err := models.NewFrame(models.FrameMessageAck, roomID, models.AckPayload{MessageID: msg.ID, CreatedAt: msg.CreatedAt})
		if err != nil {
			return err
		}
		ack.LocalID = f.LocalID
		return c.ws.WriteJSON(ack)
	case models.FrameMessageRead:
		var p models.StatusPayload
		if err := f.Decode(&p); err != nil {
			return c.reject("", "bad_payload", err)
		}
		if err := c.hub.MarkRead(roomID, c.user.ID, p.MessageID); err != nil {
			c.logger.Debug("read receipt ignored", "message_id", p.MessageID, "error", err)
		}
	case models.FrameTypingStart, models.FrameTypingStop:
		c.hub.Typing(c.id, roomID, c.user.ID, f.Type == models.FrameTypingStart)
	default:
		c.logger.Debug("unsupported frame", "type", f.Type)
		return c.reject(f.LocalID, "unsupported", errors.New("unsupported frame type "+string(f.Type)))
	}

	return nil
}

func (c *Connection) join(roomID string) {
	if roomID == "" {
		return
	}
	c.hub.JoinRoom(c.id, c.user.ID, roomID)
	c.room = roomID
}

func (c *Connection) reject(localID, code string, cause error) error {
	f, err := models.NewFrame(models.FrameError, c.room, models.ErrorPayload{Code: code, Message: cause.Error()})
	if err != nil {
		return err
	}
	f.LocalID = localID
	return c.ws.WriteJSON(f)
}
