package devserver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tripchat/internal/models"
	"tripchat/internal/storage"
)

const (
	DefaultMaxRecords = 500
	PageSize          = 50
	clientBuffer      = 100
)

var (
	ErrEmptyMessage = errors.New("message has no body or attachment")
	ErrUnknownRoom  = errors.New("unknown room")
)

// Sender is the authenticated author of a message.
type Sender struct {
	ID   string
	Name string
	Role models.Role
}

type HubConfig struct {
	Store      *storage.BboltStorage
	MaxRecords int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Hub routes frames between the connections of every room and keeps room
// history, persisted to Store.
type Hub struct {
	store      *storage.BboltStorage
	maxRecords int
	logger     *slog.Logger
	now        func() time.Time

	// Map of roomID -> Room
	rooms map[string]*Room

	// Map of connection id -> outbound frames
	clients map[string]chan models.Frame

	mu sync.RWMutex
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultMaxRecords
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &Hub{
		store:      cfg.Store,
		maxRecords: cfg.MaxRecords,
		logger:     cfg.Logger.With("component", "hub"),
		now:        cfg.Now,
		rooms:      make(map[string]*Room),
		clients:    make(map[string]chan models.Frame),
	}
	if err := h.restore(); err != nil {
		return nil, err
	}
	return h, nil
}

// restore refills the ring buffers from the store.
func (h *Hub) restore() error {
	if h.store == nil {
		return nil
	}
	ids, err := h.store.Rooms()
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	for _, id := range ids {
		msgs, err := h.store.ListMessages(id, h.maxRecords)
		if err != nil {
			return fmt.Errorf("load room %s: %w", id, err)
		}
		room := h.room(id)
		for _, m := range msgs {
			room.AddRecord(m)
		}
		h.logger.Info("room restored", "room_id", id, "messages", len(msgs))
	}
	return nil
}

func (h *Hub) room(id string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := NewRoom(RoomConfig{
		ID:             id,
		MaxRecords:     h.maxRecords,
		RecordCallback: h.handleRecordCallback,
	})
	h.rooms[id] = r
	return r
}

func (h *Hub) existing(id string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

// Attach registers a connection and returns its outbound frames.
func (h *Hub) Attach(connID string) chan models.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan models.Frame, clientBuffer)
	h.clients[connID] = ch
	return ch
}

// Detach removes the connection from every room and closes its channel.
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.rooms {
		r.Leave(connID)
	}
	if ch, ok := h.clients[connID]; ok {
		close(ch)
		delete(h.clients, connID)
	}
}

func (h *Hub) JoinRoom(connID, userID, roomID string) {
	h.room(roomID).Join(connID, userID)
}

// Members counts the connections in roomID.
func (h *Hub) Members(roomID string) int {
	r, ok := h.existing(roomID)
	if !ok {
		return 0
	}
	return len(r.MemberIDs())
}

func (h *Hub) LeaveRoom(connID, roomID string) {
	if r, ok := h.existing(roomID); ok {
		r.Leave(connID)
	}
}

// Post stores a new message and broadcasts it to the room, the sender's
// own connections included. It is marked delivered when someone else is
// in the room.
func (h *Hub) Post(roomID string, sender Sender, localID string, p models.SendPayload) (models.InboundMessage, error) {
	body := strings.TrimSpace(p.Body)
	if body == "" && p.Attachment == "" {
		return models.InboundMessage{}, ErrEmptyMessage
	}
	if roomID == "" {
		return models.InboundMessage{}, ErrUnknownRoom
	}
	typ := p.Type
	if !typ.Valid() {
		typ = models.ContentTypeText
	}

	msg := models.InboundMessage{
		ID:         uuid.NewString(),
		LocalID:    localID,
		RoomID:     roomID,
		SenderID:   sender.ID,
		SenderName: sender.Name,
		SenderRole: sender.Role,
		Body:       body,
		Type:       typ,
		Attachment: p.Attachment,
		Status:     models.StatusSent,
		CreatedAt:  h.now().UnixMilli(),
	}
	h.persist(msg)

	room := h.room(roomID)
	room.AddRecord(msg)
	h.logger.Debug("message posted", "room_id", roomID, "id", msg.ID, "sender", sender.ID)

	if room.Others(sender.ID) {
		if delivered, ok := room.SetStatus(msg.ID, models.StatusDelivered); ok {
			h.persistStatus(roomID, msg.ID, models.StatusDelivered)
			h.broadcast(roomID, "", models.FrameMessageStatus, models.StatusPayload{MessageID: msg.ID, Status: models.StatusDelivered})
			msg = delivered
		}
	}
	return msg, nil
}

// MarkRead marks messageID and everything before it from other senders as
// read by userID.
func (h *Hub) MarkRead(roomID, userID, messageID string) error {
	room, ok := h.existing(roomID)
	if !ok {
		return ErrUnknownRoom
	}
	rec, ok := room.Find(messageID)
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	room.MarkRead(userID, rec.Seq)

	for _, r := range room.GetRecords(0, rec.Seq+1) {
		if r.Message.SenderID == userID {
			continue
		}
		if _, changed := room.SetStatus(r.Message.ID, models.StatusRead); changed {
			h.persistStatus(roomID, r.Message.ID, models.StatusRead)
			h.broadcast(roomID, "", models.FrameMessageRead, models.StatusPayload{MessageID: r.Message.ID, Status: models.StatusRead})
		}
	}
	return nil
}

// Typing relays a typing indicator to everyone else in the room.
func (h *Hub) Typing(connID, roomID, userID string, typing bool) {
	t := models.FrameTypingStop
	if typing {
		t = models.FrameTypingStart
	}
	h.broadcast(roomID, connID, t, models.TypingPayload{UserID: userID})
}

// Messages returns one page of room history, oldest first. Page 0 is the
// newest.
func (h *Hub) Messages(roomID string, page int) []models.InboundMessage {
	room, ok := h.existing(roomID)
	if !ok {
		return []models.InboundMessage{}
	}
	var records []Record
	if page <= 0 {
		records = room.GetLastRecords(PageSize)
	} else {
		room.mux.RLock()
		last := room.LastSeq
		room.mux.RUnlock()
		to := last - Seq(page*PageSize) + 1
		records = room.GetRecords(to-PageSize, to)
	}
	out := make([]models.InboundMessage, 0, len(records))
	for _, r := range records {
		out = append(out, r.Message)
	}
	return out
}

// Unread counts messages from others that userID has not read, across
// all rooms.
func (h *Hub) Unread(userID string) int {
	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	n := 0
	for _, r := range rooms {
		n += r.Unread(userID)
	}
	return n
}

func (h *Hub) broadcast(roomID, exceptConn string, t models.FrameType, payload any) {
	room, ok := h.existing(roomID)
	if !ok {
		return
	}
	f, err := models.NewFrame(t, roomID, payload)
	if err != nil {
		h.logger.Error("failed to encode frame", "type", t, "error", err)
		return
	}
	for _, connID := range room.MemberIDs() {
		if connID != exceptConn {
			h.deliver(connID, f)
		}
	}
}

func (h *Hub) handleRecordCallback(receiverID string, roomID string, record Record) {
	f, err := models.NewFrame(models.FrameMessageNew, roomID, record.Message)
	if err != nil {
		h.logger.Error("failed to encode message", "id", record.Message.ID, "error", err)
		return
	}
	h.deliver(receiverID, f)
}

func (h *Hub) deliver(connID string, f models.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, online := h.clients[connID]
	if !online {
		return
	}
	select {
	case ch <- f:
	default:
		h.logger.Warn("client buffer full, frame dropped", "conn_id", connID, "type", f.Type)
	}
}

func (h *Hub) persist(msg models.InboundMessage) {
	if h.store == nil {
		return
	}
	if err := h.store.UpsertMessage(msg); err != nil {
		h.logger.Error("failed to store message", "id", msg.ID, "error", err)
	}
}

func (h *Hub) persistStatus(roomID, id string, status models.MessageStatus) {
	if h.store == nil {
		return
	}
	if _, err := h.store.UpdateStatus(roomID, id, status); err != nil {
		h.logger.Error("failed to store status", "id", id, "error", err)
	}
}
