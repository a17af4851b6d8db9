package storage

import (
	"fmt"

	"whisp/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// ImageMeta describes one stored image. Images are content addressed, so the
// ID is the hex sha256 of the bytes and the first uploader owns the record.
type ImageMeta struct {
	ID         string `msgpack:"id"`
	MimeType   string `msgpack:"mime"`
	Size       int64  `msgpack:"size"`
	UploadedAt int64  `msgpack:"uploadedAt"`
	UploaderID string `msgpack:"uploaderId"`
}

func (m *ImageMeta) MarshalBinary() ([]byte, error) {
	type alias ImageMeta
	return msgpack.Marshal((*alias)(m))
}

func (m *ImageMeta) UnmarshalBinary(data []byte) error {
	type alias ImageMeta
	return msgpack.Unmarshal(data, (*alias)(m))
}

// PutImage records meta unless an image with the same ID is already known,
// and returns whichever record is stored afterwards.
func (s *BboltStorage) PutImage(meta ImageMeta) (ImageMeta, error) {
	if meta.ID == "" {
		return ImageMeta{}, fmt.Errorf("%w: image id is required", models.ErrValidation)
	}

	stored := meta
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketImages)
		if existing := b.Get([]byte(meta.ID)); existing != nil {
			return stored.UnmarshalBinary(existing)
		}
		data, err := meta.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal image %s: %w", meta.ID, err)
		}
		return b.Put([]byte(meta.ID), data)
	})
	if err != nil {
		return ImageMeta{}, err
	}
	return stored, nil
}

func (s *BboltStorage) GetImage(id string) (ImageMeta, error) {
	var meta ImageMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketImages).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("image %s: %w", id, models.ErrNotFound)
		}
		return meta.UnmarshalBinary(data)
	})
	return meta, err
}
