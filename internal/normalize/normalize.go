// Package normalize turns loosely shaped server messages into
// models.InboundMessage values.
package normalize

import (
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"tripchat/internal/models"
)

var ErrMalformed = errors.New("malformed message payload")

// Field aliases, tried in order. Dotted paths reach into nested objects.
var (
	idPaths         = []string{"id", "_id", "message_id", "messageId"}
	localIDPaths    = []string{"local_id", "localId", "client_message_id"}
	roomPaths       = []string{"room_id", "roomId", "chat_id", "chatId", "conversation_id"}
	senderPaths     = []string{"sender_id", "user_id", "senderId", "userId", "sender.id", "user.id"}
	senderNamePaths = []string{"sender_name", "senderName", "sender.name", "user.name", "user.full_name"}
	rolePaths       = []string{"sender_role", "senderRole", "sender.role", "user.role", "role"}
	avatarPaths     = []string{"sender_avatar", "senderAvatar", "sender.avatar", "user.avatar", "avatar"}
	bodyPaths       = []string{"body", "content", "message", "text"}
	typePaths       = []string{"type", "message_type", "messageType"}
	attachmentPaths = []string{"attachment", "file_url", "image_url", "attachment_url"}
	statusPaths     = []string{"status"}
	createdPaths    = []string{"created_at", "createdAt", "timestamp", "sent_at"}

	listPaths = []string{"data", "messages", "results", "data.messages", "data.results"}
)

// Message normalizes a single JSON object. It never fails: missing or
// unusable fields are defaulted and their names returned.
func Message(raw []byte) (models.InboundMessage, []string) {
	return message(gjson.ParseBytes(raw), time.Now())
}

// FromFrame normalizes the payload of a message.new frame, taking the room
// and local id from the frame when the payload lacks them.
func FromFrame(f models.Frame) (models.InboundMessage, []string) {
	msg, defaulted := message(gjson.ParseBytes(f.Payload), time.Now())
	if msg.LocalID == "" && f.LocalID != "" {
		msg.LocalID = f.LocalID
		if strings.HasPrefix(msg.ID, tmpPrefix) {
			msg.ID = f.LocalID
		}
	}
	if msg.RoomID == "" {
		msg.RoomID = f.RoomID
	}
	return msg, defaulted
}

// Messages normalizes a list response. Bare arrays and the usual
// envelopes ({data: [...]}, {messages: [...]}, {data: {results: [...]}})
// are accepted.
func Messages(raw []byte) ([]models.InboundMessage, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(raw)
	list := root
	if !root.IsArray() {
		list = gjson.Result{}
		for _, p := range listPaths {
			if r := root.Get(p); r.IsArray() {
				list = r
				break
			}
		}
		if !list.IsArray() {
			return nil, ErrMalformed
		}
	}

	now := time.Now()
	out := make([]models.InboundMessage, 0, len(list.Array()))
	for _, item := range list.Array() {
		if !item.IsObject() {
			continue
		}
		msg, defaulted := message(item, now)
		if len(defaulted) > 0 {
			slog.Debug("message fields defaulted", "id", msg.ID, "fields", defaulted)
		}
		out = append(out, msg)
	}
	return out, nil
}

const tmpPrefix = "tmp-"

func message(r gjson.Result, now time.Time) (models.InboundMessage, []string) {
	var defaulted []string
	msg := models.InboundMessage{
		ID:           first(r, idPaths),
		LocalID:      first(r, localIDPaths),
		RoomID:       first(r, roomPaths),
		SenderID:     first(r, senderPaths),
		SenderName:   PlainText(first(r, senderNamePaths)),
		SenderRole:   models.Role(first(r, rolePaths)),
		SenderAvatar: first(r, avatarPaths),
		Body:         PlainText(first(r, bodyPaths)),
		Attachment:   first(r, attachmentPaths),
	}

	if msg.ID == "" {
		defaulted = append(defaulted, "id")
		msg.ID = msg.LocalID
		if msg.ID == "" {
			msg.ID = tmpPrefix + uuid.NewString()
		}
	}
	if msg.SenderRole != "" && !msg.SenderRole.Valid() {
		defaulted = append(defaulted, "sender_role")
		msg.SenderRole = ""
	}

	msg.Type = models.ContentType(strings.ToLower(first(r, typePaths)))
	if !msg.Type.Valid() {
		defaulted = append(defaulted, "type")
		msg.Type = models.ContentTypeText
		switch {
		case r.Get("image_url").Exists():
			msg.Type = models.ContentTypeImage
		case msg.Attachment != "":
			msg.Type = models.ContentTypeFile
		}
	}

	msg.Status = models.MessageStatus(strings.ToLower(first(r, statusPaths)))
	if !msg.Status.Valid() {
		defaulted = append(defaulted, "status")
		msg.Status = models.StatusSent
	}

	created, ok := timestamp(firstResult(r, createdPaths))
	if !ok {
		defaulted = append(defaulted, "created_at")
		created = now.UnixMilli()
	}
	msg.CreatedAt = created

	return msg, defaulted
}

func firstResult(r gjson.Result, paths []string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func first(r gjson.Result, paths []string) string {
	v := firstResult(r, paths)
	if !v.Exists() || v.IsObject() || v.IsArray() {
		return ""
	}
	return strings.TrimSpace(v.String())
}

// millisThreshold separates unix seconds from unix milliseconds.
const millisThreshold = 1e11

// timestamp accepts RFC 3339 strings and unix seconds or milliseconds,
// as numbers or numeric strings. The result is in milliseconds.
func timestamp(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		return unixMillis(v.Int()), v.Int() > 0
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixMillis(n), n > 0
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UnixMilli(), true
			}
		}
	}
	return 0, false
}

func unixMillis(n int64) int64 {
	if n < millisThreshold {
		return n * 1000
	}
	return n
}
