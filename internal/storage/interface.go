package storage

import (
	"context"
	"io"
)

// Storage holds uploaded dependency file content between acceptance and the
// upload to Debricked. Blobs are deleted once the session settles terminally.
type Storage interface {
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Upload(ctx context.Context, key string, data io.Reader) error
	Delete(ctx context.Context, key string) error
}
