package chat

import (
	"slices"

	"tripchat/internal/models"
)

// arena owns every message of the active room. Entries are keyed by local
// id when the message originated here and by server id otherwise; server
// ids of own messages resolve to their local id once known.
type arena struct {
	entries  map[string]*models.InboundMessage
	byServer map[string]string
}

func newArena() *arena {
	return &arena{
		entries:  make(map[string]*models.InboundMessage),
		byServer: make(map[string]string),
	}
}

// addOutbound records an own message in status sending.
func (a *arena) addOutbound(out models.OutboundMessage, senderID string) *models.InboundMessage {
	msg := &models.InboundMessage{
		ID:         out.LocalID,
		LocalID:    out.LocalID,
		RoomID:     out.RoomID,
		SenderID:   senderID,
		Body:       out.Body,
		Type:       out.Type,
		Attachment: out.Attachment,
		Status:     models.StatusSending,
		CreatedAt:  out.SubmittedAt,
	}
	a.entries[out.LocalID] = msg
	return msg
}

// add stores a message received from the server. It reports false when
// the message is already known under its server or local id.
func (a *arena) add(msg models.InboundMessage) bool {
	if a.lookup(msg.ID) != nil {
		return false
	}
	if msg.LocalID != "" {
		if own := a.entries[msg.LocalID]; own != nil {
			a.bind(msg.LocalID, msg.ID)
			return false
		}
	}
	key := msg.ID
	a.entries[key] = &msg
	return true
}

// bind maps serverID onto the own message localID.
func (a *arena) bind(localID, serverID string) {
	msg := a.entries[localID]
	if msg == nil || serverID == "" || serverID == localID {
		return
	}
	msg.ID = serverID
	a.byServer[serverID] = localID
}

// key returns the arena key for a local or server id.
func (a *arena) key(id string) (string, bool) {
	if local, ok := a.byServer[id]; ok {
		return local, true
	}
	if _, ok := a.entries[id]; ok {
		return id, true
	}
	return "", false
}

func (a *arena) lookup(id string) *models.InboundMessage {
	k, ok := a.key(id)
	if !ok {
		return nil
	}
	return a.entries[k]
}

// advance moves the message to status if the lifecycle allows it.
func (a *arena) advance(id string, status models.MessageStatus) bool {
	msg := a.lookup(id)
	if msg == nil || !msg.Status.CanTransition(status) {
		return false
	}
	msg.Status = status
	return true
}

// latestInbound returns the server id of the newest message from someone
// else.
func (a *arena) latestInbound(selfID string) string {
	var best *models.InboundMessage
	for _, m := range a.entries {
		if m.LocalID != "" && m.ID == m.LocalID {
			continue
		}
		if selfID != "" && m.SenderID == selfID {
			continue
		}
		if best == nil || m.CreatedAt > best.CreatedAt {
			best = m
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

// snapshot returns copies of all messages ordered by creation time.
func (a *arena) snapshot() []models.InboundMessage {
	out := make([]models.InboundMessage, 0, len(a.entries))
	for _, m := range a.entries {
		out = append(out, *m)
	}
	slices.SortStableFunc(out, func(x, y models.InboundMessage) int {
		switch {
		case x.CreatedAt < y.CreatedAt:
			return -1
		case x.CreatedAt > y.CreatedAt:
			return 1
		}
		return 0
	})
	return out
}

func (a *arena) len() int {
	return len(a.entries)
}
