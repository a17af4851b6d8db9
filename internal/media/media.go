package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"whisp/internal/models"
	"whisp/internal/storage"

	"github.com/h2non/filetype"
)

const DefaultMaxSize = 5 << 20

// MetadataStore keeps a record per stored image.
type MetadataStore interface {
	PutImage(meta storage.ImageMeta) (storage.ImageMeta, error)
	GetImage(id string) (storage.ImageMeta, error)
}

// LocalStore keeps uploaded images on the local filesystem, addressed by
// the sha256 of their content.
type LocalStore struct {
	root    string
	baseURL string
	meta    MetadataStore
	maxSize int
	now     func() time.Time
}

func NewLocalStore(root, baseURL string, meta MetadataStore) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		meta:    meta,
		maxSize: DefaultMaxSize,
		now:     time.Now,
	}, nil
}

// Upload stores a base64 encoded image, optionally wrapped in a data URL,
// and returns the public URL it is served from.
func (s *LocalStore) Upload(ctx context.Context, uploaderID, raw string) (string, error) {
	data, err := decode(raw)
	if err != nil {
		return "", err
	}
	if len(data) > s.maxSize {
		return "", fmt.Errorf("%w: image exceeds %d bytes", models.ErrValidation, s.maxSize)
	}
	if !filetype.IsImage(data) {
		return "", fmt.Errorf("%w: unsupported image type", models.ErrValidation)
	}
	kind, err := filetype.Match(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	if err := s.save(bytes.NewReader(data), id); err != nil {
		return "", err
	}

	if _, err := s.meta.PutImage(storage.ImageMeta{
		ID:         id,
		MimeType:   kind.MIME.Value,
		Size:       int64(len(data)),
		UploadedAt: s.now().Unix(),
		UploaderID: uploaderID,
	}); err != nil {
		return "", fmt.Errorf("failed to save image metadata: %w", err)
	}

	return s.URL(id), nil
}

func (s *LocalStore) URL(id string) string {
	return fmt.Sprintf("%s/api/images/%s", s.baseURL, id)
}

// Open returns the stored content for id with its metadata.
func (s *LocalStore) Open(id string) (io.ReadCloser, storage.ImageMeta, error) {
	if !validID(id) {
		return nil, storage.ImageMeta{}, fmt.Errorf("image %s: %w", id, models.ErrNotFound)
	}
	meta, err := s.meta.GetImage(id)
	if err != nil {
		return nil, storage.ImageMeta{}, err
	}
	f, err := os.Open(s.getPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ImageMeta{}, fmt.Errorf("image %s: %w", id, models.ErrNotFound)
		}
		return nil, storage.ImageMeta{}, fmt.Errorf("failed to open image %s: %w", id, err)
	}
	return f, meta, nil
}

func (s *LocalStore) getPath(id string) string {
	return filepath.Join(s.root, id[:2], id)
}

// save writes through a temp file and renames it into place. Existing
// content with the same hash is left untouched.
func (s *LocalStore) save(r io.Reader, id string) error {
	path := s.getPath(id)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func decode(raw string) ([]byte, error) {
	payload := strings.TrimSpace(raw)
	if strings.HasPrefix(payload, "data:") {
		header, body, ok := strings.Cut(payload, ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return nil, fmt.Errorf("%w: malformed data URL", models.ErrValidation)
		}
		payload = body
	}
	if payload == "" {
		return nil, fmt.Errorf("%w: empty image", models.ErrValidation)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: image is not valid base64", models.ErrValidation)
	}
	return data, nil
}

func validID(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
