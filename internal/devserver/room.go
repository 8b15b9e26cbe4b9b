package devserver

import (
	"sync"

	"tripchat/internal/models"
)

type Seq int64

type Record struct {
	Seq     Seq
	Message models.InboundMessage
}

// Room keeps the most recent messages of one room in a ring buffer and
// tracks which connections are in it.
type Room struct {
	ID         string
	Records    []Record
	Members    map[string]string // connection id -> user id
	LastRead   map[string]Seq    // user id -> last read seq
	FirstSeq   Seq
	LastSeq    Seq
	LastIndex  int
	MaxRecords int

	RecordCallback func(receiverID string, roomID string, record Record)

	mux sync.RWMutex
}

type RoomConfig struct {
	ID             string
	MaxRecords     int
	RecordCallback func(receiverID string, roomID string, record Record)
}

func NewRoom(config RoomConfig) *Room {
	return &Room{
		ID:             config.ID,
		MaxRecords:     config.MaxRecords,
		LastIndex:      -1,
		FirstSeq:       -1,
		LastSeq:        -1,
		Members:        make(map[string]string),
		LastRead:       make(map[string]Seq),
		RecordCallback: config.RecordCallback,
	}
}

// AddRecord appends msg to the ring buffer, evicting the oldest record
// when full, and hands the record to every member.
func (r *Room) AddRecord(msg models.InboundMessage) Record {
	r.mux.Lock()
	r.LastSeq++
	record := Record{Seq: r.LastSeq, Message: msg}

	switch {
	case len(r.Records) < r.MaxRecords:
		if r.FirstSeq == -1 {
			r.FirstSeq = r.LastSeq
		}
		r.Records = append(r.Records, record)
		r.LastIndex++
	default:
		r.FirstSeq++
		i := (r.LastIndex + 1) % r.MaxRecords
		r.Records[i] = record
		r.LastIndex = i
	}

	receivers := make([]string, 0, len(r.Members))
	for connID := range r.Members {
		receivers = append(receivers, connID)
	}
	r.mux.Unlock()

	if r.RecordCallback != nil {
		for _, connID := range receivers {
			r.RecordCallback(connID, r.ID, record)
		}
	}
	return record
}

// GetRecords returns records with from <= seq < to still in the buffer.
func (r *Room) GetRecords(from, to Seq) []Record {
	r.mux.RLock()
	defer r.mux.RUnlock()

	if r.FirstSeq == -1 {
		return []Record{}
	}

	if from < r.FirstSeq {
		from = r.FirstSeq
	}
	if to > r.LastSeq+1 {
		to = r.LastSeq + 1
	}
	if from >= to {
		return []Record{}
	}
	return r.copyLocked(from, int(to-from))
}

// GetLastRecords returns up to count of the newest records, oldest first.
func (r *Room) GetLastRecords(count int) []Record {
	r.mux.RLock()
	defer r.mux.RUnlock()

	if r.LastSeq == -1 || count <= 0 {
		return []Record{}
	}

	total := int(r.LastSeq - r.FirstSeq + 1)
	if count > total {
		count = total
	}
	return r.copyLocked(r.LastSeq-Seq(count)+1, count)
}

func (r *Room) copyLocked(from Seq, count int) []Record {
	result := make([]Record, count)

	// Index of the oldest record.
	head := 0
	if len(r.Records) == r.MaxRecords {
		head = (r.LastIndex + 1) % r.MaxRecords
	}
	startIdx := (head + int(from-r.FirstSeq)) % len(r.Records)

	if startIdx+count <= len(r.Records) {
		copy(result, r.Records[startIdx:startIdx+count])
	} else {
		n1 := len(r.Records) - startIdx
		copy(result, r.Records[startIdx:])
		copy(result[n1:], r.Records[:count-n1])
	}
	return result
}

// Find returns the buffered record with message id.
func (r *Room) Find(id string) (Record, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	for _, rec := range r.Records {
		if rec.Message.ID == id {
			return rec, true
		}
	}
	return Record{}, false
}

// SetStatus updates the status of a buffered message if its lifecycle
// allows it.
func (r *Room) SetStatus(id string, status models.MessageStatus) (models.InboundMessage, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	for i := range r.Records {
		msg := &r.Records[i].Message
		if msg.ID != id {
			continue
		}
		if !msg.Status.CanTransition(status) {
			return *msg, false
		}
		msg.Status = status
		return *msg, true
	}
	return models.InboundMessage{}, false
}

// MarkRead moves userID's read marker forward to seq.
func (r *Room) MarkRead(userID string, seq Seq) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if cur, ok := r.LastRead[userID]; !ok || seq > cur {
		r.LastRead[userID] = seq
	}
}

// Unread counts buffered messages from others newer than userID's read
// marker.
func (r *Room) Unread(userID string) int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	last, ok := r.LastRead[userID]
	if !ok {
		last = -1
	}
	n := 0
	for _, rec := range r.Records {
		if rec.Seq > last && rec.Message.SenderID != userID {
			n++
		}
	}
	return n
}

// Others reports whether a connection of someone other than userID is
// in the room.
func (r *Room) Others(userID string) bool {
	r.mux.RLock()
	defer r.mux.RUnlock()
	for _, uid := range r.Members {
		if uid != userID {
			return true
		}
	}
	return false
}

func (r *Room) MemberIDs() []string {
	r.mux.RLock()
	defer r.mux.RUnlock()
	ids := make([]string, 0, len(r.Members))
	for connID := range r.Members {
		ids = append(ids, connID)
	}
	return ids
}

func (r *Room) Join(connID, userID string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.Members[connID] = userID
}

func (r *Room) Leave(connID string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	delete(r.Members, connID)
}
