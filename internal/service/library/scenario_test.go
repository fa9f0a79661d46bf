package library

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/internal/registry"
	"github.com/quietlake/bookvault/internal/service/cleanup"
	"github.com/quietlake/bookvault/internal/service/pipeline"
	"github.com/quietlake/bookvault/pkg/logger"
	"github.com/quietlake/bookvault/pkg/objectstore"
)

// TestSharedContentLifecycle 走一遍两个用户共享同一份内容的完整生命周期:
// A 真实上传, B 秒传, A 付费 OCR, B 免费复用, 两人先后删除, 字节最终消失.
func TestSharedContentLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	pipelineSvc := pipeline.NewService(f.store, f.enqueuer, logger.NewTestLogger(), &pipeline.ServiceConfig{
		AttemptCap:   3,
		RetryBackoff: time.Second,
	})
	ctx := context.Background()
	userA := uuid.New()
	userB := uuid.New()
	data := []byte("%PDF-1.7 the shared scan")

	// A 上传真实字节
	recordA := uploadBook(t, f, userA, "atlas.pdf", "Atlas", data)
	storageKey := recordA.Asset.StorageKey
	require.True(t, f.gateway.Exists(storageKey))
	f.enqueuer.Clear()

	// B 带哈希来, 一个字节都不用传
	initB, err := f.svc.InitUpload(ctx, userB, InitUploadRequest{
		Filename:    "atlas.pdf",
		Size:        int64(len(data)),
		ContentHash: hashOf(data),
	})
	require.NoError(t, err)
	require.True(t, initB.Instant)
	recordB := initB.Record

	// A 请求 OCR, 任务入队
	decisionA, err := pipelineSvc.RequestProcessing(ctx, userA, pipeline.ProcessRequest{
		BookID:    recordA.ID,
		Operation: models.OpOCR,
		Tier:      models.TierPaid,
	})
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusQueued, decisionA.Status)

	// worker 跑完, 结果写回资产
	_, err = pipelineSvc.BeginJob(ctx, decisionA.Job.ID)
	require.NoError(t, err)
	ocrKey := objectstore.OCRResultKey(hashOf(data))
	require.NoError(t, pipelineSvc.ReportResult(ctx, decisionA.Job.ID, registry.JobResult{ResultKey: ocrKey}))

	// B 请求同样的操作, 直接复用, 但额度照扣
	decisionB, err := pipelineSvc.RequestProcessing(ctx, userB, pipeline.ProcessRequest{
		BookID:    recordB.ID,
		Operation: models.OpOCR,
		Tier:      models.TierFree,
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusReused, decisionB.Status)
	assert.Equal(t, ocrKey, decisionB.ResultKey)
	assert.Equal(t, 19, decisionB.CreditsLeft)

	// A 删除: B 的引用还在, 字节不能动, 哈希也继续命中秒传
	outcomeA, err := f.svc.DeleteBook(ctx, userA, recordA.ID, false)
	require.NoError(t, err)
	assert.True(t, outcomeA.SoftDeleted)
	assert.True(t, f.gateway.Exists(storageKey))
	_, err = f.store.FindLiveAssetByHash(ctx, hashOf(data))
	require.NoError(t, err)

	// B 也删除: 最后一个活读者没了, 资产转入软删除, 字节先留着
	outcomeB, err := f.svc.DeleteBook(ctx, userB, recordB.ID, false)
	require.NoError(t, err)
	assert.Nil(t, outcomeB.RemovedAsset)
	assert.True(t, f.gateway.Exists(storageKey))

	// 宽限期过后清扫把字节和 OCR 产物一起回收
	sweeper := cleanup.NewService(f.store, f.gateway, logger.NewTestLogger(), &cleanup.ServiceConfig{
		RetentionGrace: -time.Hour,
		OrphanMinAge:   time.Hour,
		BatchSize:      100,
	})
	report, err := sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AssetsReaped)
	assert.False(t, f.gateway.Exists(storageKey))
	assert.False(t, f.gateway.Exists(ocrKey))
}
