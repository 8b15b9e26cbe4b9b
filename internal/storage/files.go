package storage

import (
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"tripchat/internal/models"
)

// FileMetadata describes an uploaded attachment. ID is the content hash,
// so identical uploads share one record.
type FileMetadata struct {
	ID        string   `msgpack:"id"`
	Name      string   `msgpack:"name"`
	MimeType  string   `msgpack:"mime"`
	Size      int64    `msgpack:"size"`
	CreatedAt int64    `msgpack:"created"`
	Uploaders []string `msgpack:"uploaders"`
}

func (f *FileMetadata) MarshalBinary() ([]byte, error) {
	type alias FileMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *FileMetadata) UnmarshalBinary(data []byte) error {
	type alias FileMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

// PutFile records an upload of meta.ID by userID. The first upload of a
// given content wins name, type and timestamp; later ones only add their
// uploader. The stored record is returned.
func (s *BboltStorage) PutFile(meta FileMetadata, userID string) (FileMetadata, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		if data := b.Get([]byte(meta.ID)); data != nil {
			var stored FileMetadata
			if err := stored.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal file %s: %w", meta.ID, err)
			}
			meta = stored
		}
		if !slices.Contains(meta.Uploaders, userID) {
			meta.Uploaders = append(meta.Uploaders, userID)
		}
		data, err := meta.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal file %s: %w", meta.ID, err)
		}
		return b.Put([]byte(meta.ID), data)
	})
	return meta, err
}

func (s *BboltStorage) File(id string) (FileMetadata, error) {
	var meta FileMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("file %s: %w", id, models.ErrNotFound)
		}
		return meta.UnmarshalBinary(data)
	})
	return meta, err
}
