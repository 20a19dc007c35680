package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage implements StorageClient on the local filesystem. Objects live
// under root and are served from publicURL by the HTTP server.
type LocalStorage struct {
	root      string
	publicURL string
}

func NewLocalStorage(root, publicURL string) (*LocalStorage, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStorage{root: root, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// Root is the directory objects are written to
func (l *LocalStorage) Root() string { return l.root }

func (l *LocalStorage) Upload(ctx context.Context, key string, body io.Reader, _ string) (string, error) {
	dst, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}

	// write to a temp name first so a half-copied object is never served
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}

	_, err = io.Copy(out, &ctxReader{ctx: ctx, r: body})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to store object: %w", err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to store object: %w", err)
	}

	return l.GetPublicURL(key), nil
}

func (l *LocalStorage) UploadFile(ctx context.Context, localPath, key, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	return l.Upload(ctx, key, f, contentType)
}

func (l *LocalStorage) GetPublicURL(key string) string {
	return l.publicURL + "/" + strings.TrimLeft(key, "/")
}

// path resolves key under root, refusing keys that escape it
func (l *LocalStorage) path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
