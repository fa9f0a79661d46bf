package objectstore_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietlake/bookvault/pkg/objectstore"
	objmem "github.com/quietlake/bookvault/pkg/objectstore/memory"
)

func TestHashObject(t *testing.T) {
	g := objmem.New()
	ctx := context.Background()
	data := []byte("some book bytes")

	require.NoError(t, g.Put(ctx, "books/x/y.pdf", bytes.NewReader(data), int64(len(data)), ""))

	hash, err := objectstore.HashObject(ctx, g, "books/x/y.pdf")
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)

	_, err = objectstore.HashObject(ctx, g, "books/x/missing.pdf")
	assert.Error(t, err)
}

func TestUploadKeyLayout(t *testing.T) {
	userID := uuid.New()

	key := objectstore.UploadKey(userID, "My Book.PDF")
	assert.True(t, strings.HasPrefix(key, objectstore.UploadPrefix(userID)))
	assert.True(t, strings.HasSuffix(key, ".pdf"), "extension is normalized to lowercase")

	// 同名文件每次拿到不同的键
	assert.NotEqual(t, key, objectstore.UploadKey(userID, "My Book.PDF"))

	noExt := objectstore.UploadKey(userID, "README")
	assert.True(t, strings.HasPrefix(noExt, objectstore.UploadPrefix(userID)))
	assert.False(t, strings.Contains(strings.TrimPrefix(noExt, objectstore.UploadPrefix(userID)), "."))
}

func TestHashAddressedKeys(t *testing.T) {
	hash := strings.Repeat("ab", 32)

	ocr := objectstore.OCRResultKey(hash)
	assert.True(t, strings.HasPrefix(ocr, objectstore.PrefixOCR))
	assert.Contains(t, ocr, hash)
	assert.True(t, strings.HasSuffix(ocr, ".pdf"))

	conv := objectstore.ConvertedKey(hash, "epub")
	assert.True(t, strings.HasPrefix(conv, objectstore.PrefixConverted))
	assert.True(t, strings.HasSuffix(conv, ".epub"))

	// 相同内容相同操作落在同一个键上, 这是结果复用的前提
	assert.Equal(t, ocr, objectstore.OCRResultKey(hash))
}

func TestMemoryGatewayRoundTrip(t *testing.T) {
	g := objmem.New()
	ctx := context.Background()
	data := []byte("payload")

	require.NoError(t, g.Put(ctx, "books/u/a.pdf", bytes.NewReader(data), int64(len(data)), "application/pdf"))

	info, err := g.Stat(ctx, "books/u/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Equal(t, "application/pdf", info.ContentType)

	reader, err := g.Get(ctx, "books/u/a.pdf")
	require.NoError(t, err)
	got := make([]byte, len(data))
	_, err = reader.Read(got)
	require.NoError(t, err)
	reader.Close()
	assert.Equal(t, data, got)

	infos, err := g.List(ctx, "books/")
	require.NoError(t, err)
	require.Len(t, infos, 1)

	require.NoError(t, g.Delete(ctx, "books/u/a.pdf"))
	_, err = g.Stat(ctx, "books/u/a.pdf")
	assert.ErrorIs(t, err, objectstore.ErrObjectNotFound)

	// 删除不存在的键不报错, 上层的尽力删除依赖这一点
	assert.NoError(t, g.Delete(ctx, "books/u/a.pdf"))
}
