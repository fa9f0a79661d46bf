// Package memory provides an in-process objectstore.Gateway used by
// tests and local development.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quietlake/bookvault/pkg/objectstore"
)

type object struct {
	data         []byte
	contentType  string
	lastModified time.Time
}

// Gateway keeps objects in a map. Safe for concurrent use.
type Gateway struct {
	mu      sync.RWMutex
	objects map[string]object
}

// New creates an empty in-memory gateway.
func New() *Gateway {
	return &Gateway{objects: make(map[string]object)}
}

func (g *Gateway) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read object body: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[key] = object{data: data, contentType: contentType, lastModified: time.Now()}
	return nil
}

// PutAt stores an object with an explicit modification time so tests
// can exercise age-based sweeps.
func (g *Gateway) PutAt(key string, data []byte, lastModified time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.objects[key] = object{data: append([]byte(nil), data...), lastModified: lastModified}
}

func (g *Gateway) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	obj, ok := g.objects[key]
	if !ok {
		return nil, objectstore.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (g *Gateway) Stat(ctx context.Context, key string) (*objectstore.ObjectInfo, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	obj, ok := g.objects[key]
	if !ok {
		return nil, objectstore.ErrObjectNotFound
	}
	sum := md5.Sum(obj.data)
	return &objectstore.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         hex.EncodeToString(sum[:]),
		ContentType:  obj.contentType,
		LastModified: obj.lastModified,
	}, nil
}

func (g *Gateway) Delete(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.objects, key)
	return nil
}

func (g *Gateway) List(ctx context.Context, prefix string) ([]objectstore.ObjectInfo, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var infos []objectstore.ObjectInfo
	for key, obj := range g.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, objectstore.ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: obj.lastModified,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (g *Gateway) PresignedUpload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("memory://upload/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

func (g *Gateway) PresignedDownload(ctx context.Context, key string, ttl time.Duration, filename string) (string, error) {
	return fmt.Sprintf("memory://download/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

// Exists reports whether a key holds an object. Test helper.
func (g *Gateway) Exists(key string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.objects[key]
	return ok
}
