package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"

	"tripchat/internal/models"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBRoom holds per-room bookkeeping: the creation time of the newest
// stored message and the last message marked read.
type DBRoom struct {
	ID       string `msgpack:"id"`
	Cursor   int64  `msgpack:"cursor"`
	LastRead string `msgpack:"lastRead"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBMessage struct {
	ID           string `msgpack:"id"`
	LocalID      string `msgpack:"localId"`
	RoomID       string `msgpack:"roomId"`
	SenderID     string `msgpack:"senderId"`
	SenderName   string `msgpack:"senderName"`
	SenderRole   string `msgpack:"senderRole"`
	SenderAvatar string `msgpack:"senderAvatar"`
	Body         string `msgpack:"body"`
	Type         string `msgpack:"type"`
	Attachment   string `msgpack:"attachment"`
	Status       string `msgpack:"status"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func newDBMessage(m models.InboundMessage) *DBMessage {
	return &DBMessage{
		ID:           m.ID,
		LocalID:      m.LocalID,
		RoomID:       m.RoomID,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		SenderRole:   string(m.SenderRole),
		SenderAvatar: m.SenderAvatar,
		Body:         m.Body,
		Type:         string(m.Type),
		Attachment:   m.Attachment,
		Status:       string(m.Status),
		CreatedAt:    m.CreatedAt,
	}
}

func (m *DBMessage) model() models.InboundMessage {
	return models.InboundMessage{
		ID:           m.ID,
		LocalID:      m.LocalID,
		RoomID:       m.RoomID,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		SenderRole:   models.Role(m.SenderRole),
		SenderAvatar: m.SenderAvatar,
		Body:         m.Body,
		Type:         models.ContentType(m.Type),
		Attachment:   m.Attachment,
		Status:       models.MessageStatus(m.Status),
		CreatedAt:    m.CreatedAt,
	}
}

// Key orders messages by creation time; the id suffix keeps keys unique
// for messages created in the same millisecond.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
