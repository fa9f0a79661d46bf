// Package objectstore defines the content-addressed blob gateway the
// core talks to. Byte transfer between clients and the store happens
// through presigned URLs; the core itself only stats, hashes, lists
// and deletes.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrObjectNotFound is returned by Stat and Get for missing keys.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo 对象元信息
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Gateway is the object store the core depends on. Implementations
// must be safe for concurrent use.
type Gateway interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	PresignedUpload(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignedDownload(ctx context.Context, key string, ttl time.Duration, filename string) (string, error)
}

// HashObject streams an object through sha256 and returns the hex
// digest. Used to verify uploads without buffering them in memory.
func HashObject(ctx context.Context, g Gateway, key string) (string, error) {
	reader, err := g.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to open object %s: %w", key, err)
	}
	defer reader.Close()

	h := sha256.New()
	if _, err := io.Copy(h, reader); err != nil {
		return "", fmt.Errorf("failed to hash object %s: %w", key, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
