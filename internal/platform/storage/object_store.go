package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// ErrObjectNotFound is returned when a requested object does not exist.
var ErrObjectNotFound = errors.New("storage: object not found")

// ObjectStore reads and writes payload objects in a single Cloud Storage bucket.
type ObjectStore struct {
	client *gcs.Client
	bucket string
}

// NewObjectStore constructs an ObjectStore bound to the provided bucket.
func NewObjectStore(client *gcs.Client, bucket string) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.New("storage object store: client is required")
	}
	name := strings.TrimSpace(bucket)
	if name == "" {
		return nil, errors.New("storage object store: bucket is required")
	}
	return &ObjectStore{client: client, bucket: name}, nil
}

// Download fetches the full contents of the object at path.
func (s *ObjectStore) Download(ctx context.Context, path string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("storage object store: client is not initialised")
	}
	object := strings.TrimSpace(strings.TrimPrefix(path, "/"))
	if object == "" {
		return nil, errors.New("storage object store: object path is required")
	}

	reader, err := s.client.Bucket(s.bucket).Object(object).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, object)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", object, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", object, err)
	}
	return data, nil
}

// Upload writes data to the object at path, replacing any existing contents.
func (s *ObjectStore) Upload(ctx context.Context, path string, contentType string, data []byte) error {
	if s == nil || s.client == nil {
		return errors.New("storage object store: client is not initialised")
	}
	object := strings.TrimSpace(strings.TrimPrefix(path, "/"))
	if object == "" {
		return errors.New("storage object store: object path is required")
	}

	writer := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	if ct := strings.TrimSpace(contentType); ct != "" {
		writer.ContentType = ct
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write object %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize object %s: %w", object, err)
	}
	return nil
}
