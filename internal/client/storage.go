package client

import (
	"context"
	"io"
)

// StorageClient pushes finished artifacts to durable storage and returns the
// URL they can be fetched from.
type StorageClient interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	UploadFile(ctx context.Context, localPath, key, contentType string) (string, error)
	GetPublicURL(key string) string
}
