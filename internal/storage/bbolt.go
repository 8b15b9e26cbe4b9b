package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"tripchat/internal/models"
)

var (
	bucketRooms      = []byte("rooms")
	bucketMessages   = []byte("messages")
	bucketMessageIDs = []byte("message_ids")
	bucketFiles      = []byte("files")
)

// BboltStorage keeps room history on disk. Messages of a room live in a
// nested bucket ordered by creation time; a second nested bucket maps
// server and local ids to those keys.
type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRooms, bucketMessages, bucketMessageIDs, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertMessage stores message, replacing an earlier copy known under its
// server or local id. A stored status is never moved backwards, and the
// room cursor advances to the newest creation time.
func (s *BboltStorage) UpsertMessage(message models.InboundMessage) error {
	if message.RoomID == "" {
		return errors.New("message missing roomID")
	}
	if message.ID == "" {
		return errors.New("message missing id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		roomKey := []byte(message.RoomID)
		msgs, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(roomKey)
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}
		ids, err := tx.Bucket(bucketMessageIDs).CreateBucketIfNotExists(roomKey)
		if err != nil {
			return fmt.Errorf("failed to create id bucket: %w", err)
		}

		for _, id := range []string{message.ID, message.LocalID} {
			if id == "" {
				continue
			}
			old, err := removeByID(msgs, ids, id)
			if err != nil {
				return err
			}
			if old != nil {
				message.Status = laterStatus(models.MessageStatus(old.Status), message.Status)
				if message.LocalID == "" {
					message.LocalID = old.LocalID
				}
			}
		}

		dbMessage := newDBMessage(message)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		key := dbMessage.Key()
		if err := msgs.Put(key, data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		if err := ids.Put([]byte(message.ID), key); err != nil {
			return err
		}
		if message.LocalID != "" {
			if err := ids.Put([]byte(message.LocalID), key); err != nil {
				return err
			}
		}

		return updateRoom(tx, message.RoomID, func(r *DBRoom) bool {
			if message.CreatedAt <= r.Cursor {
				return false
			}
			r.Cursor = message.CreatedAt
			return true
		})
	})
}

// UpdateStatus moves the stored message id, server or local, to status
// when its lifecycle allows it. It reports whether anything changed.
func (s *BboltStorage) UpdateStatus(roomID, id string, status models.MessageStatus) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		msgs, ids := roomBuckets(tx, roomID)
		if msgs == nil {
			return fmt.Errorf("message %s: %w", id, models.ErrNotFound)
		}
		key := ids.Get([]byte(id))
		if key == nil {
			return fmt.Errorf("message %s: %w", id, models.ErrNotFound)
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(msgs.Get(key)); err != nil {
			return err
		}
		if !models.MessageStatus(dbMsg.Status).CanTransition(status) {
			return nil
		}
		dbMsg.Status = string(status)
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return err
		}
		changed = true
		return msgs.Put(bytes.Clone(key), data)
	})
	return changed, err
}

// ListMessages returns up to limit of the newest messages of the room in
// creation order. A limit of zero or less returns everything.
func (s *BboltStorage) ListMessages(roomID string, limit int) ([]models.InboundMessage, error) {
	var messages []models.InboundMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		msgs, _ := roomBuckets(tx, roomID)
		if msgs == nil {
			return nil // No messages for this room
		}

		c := msgs.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(messages) == limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.model())
		}
		return nil
	})
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, err
}

// LastSeen returns the creation time of the newest stored message of the
// room, or zero.
func (s *BboltStorage) LastSeen(roomID string) (int64, error) {
	room, err := s.room(roomID)
	return room.Cursor, err
}

// LastRead returns the id of the last message marked read in the room.
func (s *BboltStorage) LastRead(roomID string) (string, error) {
	room, err := s.room(roomID)
	return room.LastRead, err
}

func (s *BboltStorage) SetLastRead(roomID, messageID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return updateRoom(tx, roomID, func(r *DBRoom) bool {
			if r.LastRead == messageID {
				return false
			}
			r.LastRead = messageID
			return true
		})
	})
}

// Rooms lists every room with stored state.
func (s *BboltStorage) Rooms() ([]string, error) {
	var rooms []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, _ []byte) error {
			rooms = append(rooms, string(k))
			return nil
		})
	})
	return rooms, err
}

// DeleteRoom drops the room's history and bookkeeping.
func (s *BboltStorage) DeleteRoom(roomID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := []byte(roomID)
		for _, name := range [][]byte{bucketMessages, bucketMessageIDs} {
			parent := tx.Bucket(name)
			if parent.Bucket(key) == nil {
				continue
			}
			if err := parent.DeleteBucket(key); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketRooms).Delete(key)
	})
}

func (s *BboltStorage) room(roomID string) (DBRoom, error) {
	room := DBRoom{ID: roomID}
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRooms).Get([]byte(roomID))
		if data == nil {
			return nil
		}
		return room.UnmarshalBinary(data)
	})
	return room, err
}

func roomBuckets(tx *bbolt.Tx, roomID string) (*bbolt.Bucket, *bbolt.Bucket) {
	key := []byte(roomID)
	msgs := tx.Bucket(bucketMessages).Bucket(key)
	ids := tx.Bucket(bucketMessageIDs).Bucket(key)
	if msgs == nil || ids == nil {
		return nil, nil
	}
	return msgs, ids
}

// removeByID deletes the message indexed under id together with all of
// its index entries and returns it.
func removeByID(msgs, ids *bbolt.Bucket, id string) (*DBMessage, error) {
	key := ids.Get([]byte(id))
	if key == nil {
		return nil, nil
	}
	key = bytes.Clone(key)
	data := msgs.Get(key)
	if data == nil {
		return nil, ids.Delete([]byte(id))
	}
	var old DBMessage
	if err := old.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("corrupt message %s: %w", id, err)
	}
	if err := msgs.Delete(key); err != nil {
		return nil, err
	}
	for _, k := range []string{old.ID, old.LocalID, id} {
		if k == "" {
			continue
		}
		if err := ids.Delete([]byte(k)); err != nil {
			return nil, err
		}
	}
	return &old, nil
}

func updateRoom(tx *bbolt.Tx, roomID string, fn func(*DBRoom) bool) error {
	b := tx.Bucket(bucketRooms)
	room := DBRoom{ID: roomID}
	data := b.Get(room.Key())
	if data != nil {
		if err := room.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal room: %w", err)
		}
	}
	if !fn(&room) && data != nil {
		return nil
	}
	data, err := room.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(room.Key(), data)
}

// laterStatus keeps a stored status when an incoming copy would move it
// backwards, e.g. a polled "sent" for a message already read.
func laterStatus(stored, incoming models.MessageStatus) models.MessageStatus {
	switch {
	case incoming == "":
		return stored
	case stored == incoming, stored == models.StatusFailed, stored.CanTransition(incoming):
		return incoming
	}
	return stored
}
