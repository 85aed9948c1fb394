package storage

import (
	"context"
	"errors"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// Copier moves objects between Cloud Storage locations server-side. The
// dataset service uses it to archive staged source uploads under their
// dataset's canonical prefix without pulling bytes through the API process.
type Copier struct {
	client *gcs.Client
}

// NewCopier wraps the shared storage client.
func NewCopier(client *gcs.Client) (*Copier, error) {
	if client == nil {
		return nil, errors.New("storage copier: client is required")
	}
	return &Copier{client: client}, nil
}

// CopyObject copies source to destination. Copying a location onto itself is
// a no-op so callers can pass through already-archived paths unconditionally.
func (c *Copier) CopyObject(ctx context.Context, sourceBucket, sourceObject, destBucket, destObject string) error {
	if c == nil || c.client == nil {
		return errors.New("storage copier: client is not initialised")
	}

	srcBucket, srcObject := strings.TrimSpace(sourceBucket), strings.TrimSpace(sourceObject)
	dstBucket, dstObject := strings.TrimSpace(destBucket), strings.TrimSpace(destObject)
	if srcBucket == "" || srcObject == "" || dstBucket == "" || dstObject == "" {
		return errors.New("storage copier: source and destination must be provided")
	}
	if srcBucket == dstBucket && srcObject == dstObject {
		return nil
	}

	src := c.client.Bucket(srcBucket).Object(srcObject)
	_, err := c.client.Bucket(dstBucket).Object(dstObject).CopierFrom(src).Run(ctx)
	return err
}
