package library

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietlake/bookvault/internal/apperr"
	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/internal/registry"
	"github.com/quietlake/bookvault/pkg/logger"
	objmem "github.com/quietlake/bookvault/pkg/objectstore/memory"
	"github.com/quietlake/bookvault/pkg/queue"
)

type fixture struct {
	svc      LibraryService
	store    *registry.MemoryStore
	gateway  *objmem.Gateway
	enqueuer *queue.FakeEnqueuer
}

func newFixture(t *testing.T, cfg *ServiceConfig) *fixture {
	t.Helper()
	store := registry.NewMemory(20)
	gateway := objmem.New()
	enqueuer := queue.NewFake()
	svc := NewService(store, gateway, enqueuer, logger.NewTestLogger(), cfg)
	return &fixture{svc: svc, store: store, gateway: gateway, enqueuer: enqueuer}
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// uploadBook 走完整直传流程: 签发地址, 把字节放进网关, 提交注册
func uploadBook(t *testing.T, f *fixture, userID uuid.UUID, filename, title string, data []byte) *models.BookRecord {
	t.Helper()
	ctx := context.Background()

	init, err := f.svc.InitUpload(ctx, userID, InitUploadRequest{
		Filename: filename,
		Size:     int64(len(data)),
		Title:    title,
	})
	require.NoError(t, err)
	require.False(t, init.Instant)
	require.NotEmpty(t, init.UploadKey)
	require.NotEmpty(t, init.UploadURL)

	// 客户端本来走预签名 URL, 测试里直接写网关
	err = f.gateway.Put(ctx, init.UploadKey, bytes.NewReader(data), int64(len(data)), "application/octet-stream")
	require.NoError(t, err)

	record, err := f.svc.CompleteUpload(ctx, userID, CompleteUploadRequest{
		UploadKey: init.UploadKey,
		Title:     title,
	})
	require.NoError(t, err)
	return record
}

func TestUploadRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	userID := uuid.New()
	data := []byte("%PDF-1.7 fake book bytes")

	record := uploadBook(t, f, userID, "whale.pdf", "Moby Dick", data)
	assert.True(t, record.IsOwner)
	assert.Equal(t, models.FormatPDF, record.Format)
	require.NotNil(t, record.Asset)
	assert.Equal(t, hashOf(data), record.Asset.ContentHash)

	// 新 PDF 自动排一个文本层探测任务
	tasks := f.enqueuer.Enqueued()
	require.Len(t, tasks, 1)
	assert.Equal(t, models.OpDetectTextLayer, tasks[0].Payload.Operation)
	assert.Equal(t, hashOf(data), tasks[0].Payload.ContentHash)
}

func TestInitUploadInstantWhenHashKnown(t *testing.T) {
	f := newFixture(t, nil)
	owner := uuid.New()
	reader := uuid.New()
	data := []byte("%PDF-1.7 shared content")

	uploadBook(t, f, owner, "original.pdf", "Original", data)

	init, err := f.svc.InitUpload(context.Background(), reader, InitUploadRequest{
		Filename:    "copy.pdf",
		Size:        int64(len(data)),
		ContentHash: hashOf(data),
	})
	require.NoError(t, err)
	assert.True(t, init.Instant)
	require.NotNil(t, init.Record)
	assert.False(t, init.Record.IsOwner)
	assert.Equal(t, "Original", init.Record.Title, "reference inherits the canonical title")
	assert.Empty(t, init.UploadURL, "no byte transfer on instant upload")
}

func TestInitUploadUnknownHashFallsThrough(t *testing.T) {
	f := newFixture(t, nil)
	userID := uuid.New()

	init, err := f.svc.InitUpload(context.Background(), userID, InitUploadRequest{
		Filename:    "new.pdf",
		Size:        1024,
		ContentHash: strings.Repeat("ab", 32),
	})
	require.NoError(t, err)
	assert.False(t, init.Instant)
	assert.NotEmpty(t, init.UploadURL)
}

func TestInitUploadRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	userID := uuid.New()

	_, err := f.svc.InitUpload(context.Background(), userID, InitUploadRequest{
		Filename: "virus.exe",
		Size:     1024,
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidArgument))

	_, err = f.svc.InitUpload(context.Background(), userID, InitUploadRequest{
		Filename:    "book.pdf",
		Size:        1024,
		ContentHash: "not-a-hash",
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidArgument))
}

func TestInitUploadStorageQuota(t *testing.T) {
	f := newFixture(t, &ServiceConfig{
		UploadTTL:        15 * time.Minute,
		DownloadTTL:      15 * time.Minute,
		FreeStorageBytes: 100,
		PaidStorageBytes: 1000,
		FreeBookLimit:    10,
		PaidBookLimit:    10,
		MaxCoverBytes:    1024,
	})
	userID := uuid.New()

	_, err := f.svc.InitUpload(context.Background(), userID, InitUploadRequest{
		Filename: "big.pdf",
		Size:     500,
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeQuotaExceeded))

	// 付费档位额度更高
	init, err := f.svc.InitUpload(context.Background(), userID, InitUploadRequest{
		Filename: "big.pdf",
		Size:     500,
		Tier:     models.TierPaid,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, init.UploadURL)
}

func TestInstantUploadBypassesStorageQuota(t *testing.T) {
	data := []byte("%PDF-1.7 tiny")
	f := newFixture(t, &ServiceConfig{
		UploadTTL:        15 * time.Minute,
		DownloadTTL:      15 * time.Minute,
		FreeStorageBytes: int64(len(data)),
		PaidStorageBytes: int64(len(data)),
		FreeBookLimit:    10,
		PaidBookLimit:    10,
		MaxCoverBytes:    1024,
	})
	owner := uuid.New()
	reader := uuid.New()

	uploadBook(t, f, owner, "a.pdf", "A", data)

	// reader 的存储配额是 0 余量, 但秒传不占存储
	init, err := f.svc.InitUpload(context.Background(), reader, InitUploadRequest{
		Filename:    "a.pdf",
		Size:        int64(len(data)),
		ContentHash: hashOf(data),
	})
	require.NoError(t, err)
	assert.True(t, init.Instant)
}

func TestCompleteUploadMissingObject(t *testing.T) {
	f := newFixture(t, nil)
	userID := uuid.New()

	_, err := f.svc.CompleteUpload(context.Background(), userID, CompleteUploadRequest{
		UploadKey: "books/" + userID.String() + "/never-uploaded.pdf",
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeUploadIncomplete))
}

func TestCompleteUploadForeignKeyRejected(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CompleteUpload(context.Background(), uuid.New(), CompleteUploadRequest{
		UploadKey: "books/" + uuid.New().String() + "/theirs.pdf",
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidArgument))
}

func TestCompleteUploadDeclaredHashMismatch(t *testing.T) {
	f := newFixture(t, nil)
	userID := uuid.New()
	ctx := context.Background()
	data := []byte("%PDF-1.7 actual bytes")

	init, err := f.svc.InitUpload(ctx, userID, InitUploadRequest{Filename: "b.pdf", Size: int64(len(data))})
	require.NoError(t, err)
	require.NoError(t, f.gateway.Put(ctx, init.UploadKey, bytes.NewReader(data), int64(len(data)), ""))

	_, err = f.svc.CompleteUpload(ctx, userID, CompleteUploadRequest{
		UploadKey:   init.UploadKey,
		ContentHash: strings.Repeat("00", 32),
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeConflict))

	// 字节留在原地, 等孤儿清扫处理
	assert.True(t, f.gateway.Exists(init.UploadKey))
}

func TestCompleteUploadDeduplicates(t *testing.T) {
	f := newFixture(t, nil)
	owner := uuid.New()
	other := uuid.New()
	ctx := context.Background()
	data := []byte("%PDF-1.7 identical bytes")

	uploadBook(t, f, owner, "first.pdf", "First", data)
	f.enqueuer.Clear()

	// 第二个用户没带哈希, 字节真的传了一份
	init, err := f.svc.InitUpload(ctx, other, InitUploadRequest{Filename: "second.pdf", Size: int64(len(data))})
	require.NoError(t, err)
	require.NoError(t, f.gateway.Put(ctx, init.UploadKey, bytes.NewReader(data), int64(len(data)), ""))

	record, err := f.svc.CompleteUpload(ctx, other, CompleteUploadRequest{UploadKey: init.UploadKey})
	require.NoError(t, err)
	assert.False(t, record.IsOwner, "loser of the hash race becomes a reference")

	// 冗余副本被删, 探测任务也不重复排
	assert.False(t, f.gateway.Exists(init.UploadKey))
	assert.Empty(t, f.enqueuer.Enqueued())
}

func TestDeleteBookRemovesObjects(t *testing.T) {
	f := newFixture(t, nil)
	userID := uuid.New()
	data := []byte("%PDF-1.7 to be deleted")

	record := uploadBook(t, f, userID, "doomed.pdf", "Doomed", data)
	storageKey := record.Asset.StorageKey
	require.True(t, f.gateway.Exists(storageKey))

	outcome, err := f.svc.DeleteBook(context.Background(), userID, record.ID, false)
	require.NoError(t, err)
	assert.True(t, outcome.RecordRemoved)
	require.NotNil(t, outcome.RemovedAsset)
	assert.False(t, f.gateway.Exists(storageKey), "sole owner's bytes go with the record")
}

func TestDeleteBookKeepsSharedBytes(t *testing.T) {
	f := newFixture(t, nil)
	owner := uuid.New()
	reader := uuid.New()
	ctx := context.Background()
	data := []byte("%PDF-1.7 shared bytes")

	record := uploadBook(t, f, owner, "shared.pdf", "Shared", data)
	_, err := f.svc.InitUpload(ctx, reader, InitUploadRequest{
		Filename:    "shared.pdf",
		Size:        int64(len(data)),
		ContentHash: hashOf(data),
	})
	require.NoError(t, err)

	// 软删除前挂一张封面: 封面是私有数据, 不跟着共享字节走
	cover := []byte("jpeg bytes")
	updated, err := f.svc.UploadCover(ctx, owner, record.ID, bytes.NewReader(cover), int64(len(cover)))
	require.NoError(t, err)
	require.True(t, f.gateway.Exists(updated.CoverKey))

	outcome, err := f.svc.DeleteBook(ctx, owner, record.ID, false)
	require.NoError(t, err)
	assert.True(t, outcome.SoftDeleted)
	assert.True(t, f.gateway.Exists(record.Asset.StorageKey), "reader still needs the bytes")
	assert.False(t, f.gateway.Exists(updated.CoverKey), "private cover goes immediately")

	// 资产没有跟着软删除, 第三个人带哈希来还是秒传
	initThird, err := f.svc.InitUpload(ctx, uuid.New(), InitUploadRequest{
		Filename:    "shared.pdf",
		Size:        int64(len(data)),
		ContentHash: hashOf(data),
	})
	require.NoError(t, err)
	assert.True(t, initThird.Instant)
}

func TestContentURLPrefersPipelineArtifacts(t *testing.T) {
	f := newFixture(t, nil)
	userID := uuid.New()
	ctx := context.Background()
	data := []byte("%PDF-1.7 scanned book")

	record := uploadBook(t, f, userID, "scan.pdf", "Scan", data)

	url, err := f.svc.ContentURL(ctx, userID, record.ID)
	require.NoError(t, err)
	assert.Contains(t, url, record.Asset.StorageKey)

	// OCR 结果落库后下载优先给带文本层的版本
	job, _, err := f.store.CreateOrGetActiveJob(ctx, registry.JobParams{
		ContentHash: record.Asset.ContentHash,
		Operation:   models.OpOCR,
		Tier:        models.TierFree,
		RequestedBy: userID,
	})
	require.NoError(t, err)
	_, err = f.store.StartJob(ctx, job.ID)
	require.NoError(t, err)
	ocrKey := "ocr/" + record.Asset.ContentHash + ".pdf"
	_, err = f.store.CompleteJob(ctx, job.ID, registry.JobResult{ResultKey: ocrKey})
	require.NoError(t, err)

	url, err = f.svc.ContentURL(ctx, userID, record.ID)
	require.NoError(t, err)
	assert.Contains(t, url, ocrKey)
}

func TestCoverUploadAndURL(t *testing.T) {
	f := newFixture(t, nil)
	userID := uuid.New()
	ctx := context.Background()

	record := uploadBook(t, f, userID, "art.pdf", "Art", []byte("%PDF-1.7 art"))
	cover := []byte("jpeg bytes")

	updated, err := f.svc.UploadCover(ctx, userID, record.ID, bytes.NewReader(cover), int64(len(cover)))
	require.NoError(t, err)
	assert.NotEmpty(t, updated.CoverKey)
	assert.True(t, f.gateway.Exists(updated.CoverKey))

	url, err := f.svc.CoverURL(ctx, userID, record.ID)
	require.NoError(t, err)
	assert.Contains(t, url, updated.CoverKey)

	// 超出大小上限直接拒绝
	_, err = f.svc.UploadCover(ctx, userID, record.ID, bytes.NewReader(cover), 100<<20)
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidArgument))
}

func TestAddByHash(t *testing.T) {
	f := newFixture(t, nil)
	owner := uuid.New()
	reader := uuid.New()
	data := []byte("%PDF-1.7 hash add")

	uploadBook(t, f, owner, "src.pdf", "Source", data)

	record, err := f.svc.AddByHash(context.Background(), reader, AddByHashRequest{ContentHash: hashOf(data)})
	require.NoError(t, err)
	assert.False(t, record.IsOwner)

	_, err = f.svc.AddByHash(context.Background(), reader, AddByHashRequest{ContentHash: strings.Repeat("ff", 32)})
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
}

func TestListBooksPagination(t *testing.T) {
	f := newFixture(t, nil)
	userID := uuid.New()

	for i := 0; i < 5; i++ {
		uploadBook(t, f, userID, "v.pdf", "Vol", []byte{'%', 'P', 'D', 'F', byte(i)})
	}

	page, err := f.svc.ListBooks(context.Background(), userID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Books, 2)

	page, err = f.svc.ListBooks(context.Background(), userID, 3, 2)
	require.NoError(t, err)
	assert.Len(t, page.Books, 1)
}
