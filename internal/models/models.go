package models

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
)

// ConnectionState is the health of the live channel. Exactly one value
// at a time, owned by the connection manager.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
)

// Role of the caller, sent as a connection parameter.
type Role string

const (
	RolePilgrim Role = "pilgrim"
	RoleOffice  Role = "office"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePilgrim, RoleOffice, RoleAdmin:
		return true
	}
	return false
}

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeFile  ContentType = "file"
)

func (t ContentType) Valid() bool {
	switch t {
	case ContentTypeText, ContentTypeImage, ContentTypeFile:
		return true
	}
	return false
}

// MessageStatus is the delivery lifecycle of a single message:
// sending -> sent -> delivered -> read, with failed reachable from
// sending or sent. Failed only leaves through an explicit retry.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

func (s MessageStatus) Valid() bool {
	return s == StatusFailed || s.rank() > 0
}

// CanTransition reports whether a message in status s may move to next.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	switch {
	case s == next:
		return false
	case s == StatusFailed:
		return next == StatusSending
	case next == StatusFailed:
		return s == StatusSending || s == StatusSent
	case next == StatusSending:
		return false
	}
	return next.rank() > s.rank()
}

// OutboundMessage is what a caller asks to send. LocalID is assigned by
// the delivery pipeline when empty.
type OutboundMessage struct {
	LocalID     string      `json:"localId"`
	RoomID      string      `json:"roomId"`
	Body        string      `json:"body"`
	Type        ContentType `json:"type"`
	Attachment  string      `json:"attachment,omitempty"`
	SubmittedAt int64       `json:"submittedAt"` // Unix millis
}

// InboundMessage is the normalized form of every message the core hands
// to observers, whatever path it arrived on.
type InboundMessage struct {
	ID           string        `json:"id"`
	LocalID      string        `json:"localId,omitempty"`
	RoomID       string        `json:"roomId"`
	SenderID     string        `json:"senderId"`
	SenderName   string        `json:"senderName"`
	SenderRole   Role          `json:"senderRole,omitempty"`
	SenderAvatar string        `json:"senderAvatar,omitempty"`
	Body         string        `json:"body"`
	Type         ContentType   `json:"type"`
	Attachment   string        `json:"attachment,omitempty"`
	Status       MessageStatus `json:"status"`
	CreatedAt    int64         `json:"createdAt"` // Unix millis
}

// TypingIndicator is never persisted; the next indicator from the same
// user supersedes it.
type TypingIndicator struct {
	UserID    string `json:"userId"`
	RoomID    string `json:"roomId"`
	IsTyping  bool   `json:"isTyping"`
	Timestamp int64  `json:"timestamp"`
}

// StatusUpdate is reported for every delivery status change of a message.
type StatusUpdate struct {
	LocalID  string        `json:"localId"`
	ServerID string        `json:"serverId,omitempty"`
	Status   MessageStatus `json:"status"`
	Reason   string        `json:"reason,omitempty"`
}

type FrameType string

const (
	FramePing          FrameType = "ping"
	FramePong          FrameType = "pong"
	FrameMessageSend   FrameType = "message.send"
	FrameMessageAck    FrameType = "message.ack"
	FrameMessageNew    FrameType = "message.new"
	FrameMessageStatus FrameType = "message.status"
	FrameMessageRead   FrameType = "message.read"
	FrameTypingStart   FrameType = "typing.start"
	FrameTypingStop    FrameType = "typing.stop"
	FrameRoomJoin      FrameType = "room.join"
	FrameRoomLeave     FrameType = "room.leave"
	FrameError         FrameType = "error"
)

// Frame is the JSON envelope exchanged over the transport channel.
type Frame struct {
	Type    FrameType       `json:"type"`
	LocalID string          `json:"localId,omitempty"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendPayload is the payload of a message.send frame.
type SendPayload struct {
	Body       string      `json:"body"`
	Type       ContentType `json:"type"`
	Attachment string      `json:"attachment,omitempty"`
}

// AckPayload is the payload of a message.ack frame.
type AckPayload struct {
	MessageID string `json:"messageId"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// StatusPayload is the payload of message.status and message.read frames.
type StatusPayload struct {
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status,omitempty"`
}

// TypingPayload is the payload of typing.start and typing.stop frames.
type TypingPayload struct {
	UserID string `json:"userId,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// NewFrame builds a frame with payload marshaled to JSON.
func NewFrame(t FrameType, roomID string, payload any) (Frame, error) {
	f := Frame{Type: t, RoomID: roomID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = data
	}
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(f.Payload, v)
}
