package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietlake/bookvault/internal/apperr"
	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/internal/registry"
	"github.com/quietlake/bookvault/pkg/logger"
	"github.com/quietlake/bookvault/pkg/queue"
)

const testHash = "1f8b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"

type fixture struct {
	svc      PipelineService
	store    *registry.MemoryStore
	enqueuer *queue.FakeEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := registry.NewMemory(20)
	enqueuer := queue.NewFake()
	svc := NewService(store, enqueuer, logger.NewTestLogger(), &ServiceConfig{
		AttemptCap:   3,
		RetryBackoff: 30 * time.Second,
	})
	return &fixture{svc: svc, store: store, enqueuer: enqueuer}
}

func (f *fixture) upload(t *testing.T, userID uuid.UUID) *models.BookRecord {
	t.Helper()
	result, err := f.store.CommitUpload(context.Background(), registry.CommitUploadParams{
		UserID:      userID,
		ContentHash: testHash,
		StorageKey:  "books/" + userID.String() + "/" + uuid.New().String() + ".pdf",
		Size:        4096,
		Title:       "Scanned Atlas",
		Format:      models.FormatPDF,
	})
	require.NoError(t, err)
	return result.Record
}

func (f *fixture) reference(t *testing.T, userID uuid.UUID) *models.BookRecord {
	t.Helper()
	record, err := f.store.CreateReference(context.Background(), registry.CreateReferenceParams{
		UserID:      userID,
		ContentHash: testHash,
	})
	require.NoError(t, err)
	return record
}

// runJob 模拟 worker 把一个任务跑完
func (f *fixture) runJob(t *testing.T, jobID uuid.UUID, result registry.JobResult) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.BeginJob(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, f.svc.ReportResult(ctx, jobID, result))
}

func TestRequestProcessingQueuesAndCharges(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	record := f.upload(t, userID)

	decision, err := f.svc.RequestProcessing(context.Background(), userID, ProcessRequest{
		BookID:    record.ID,
		Operation: models.OpOCR,
		Tier:      models.TierPaid,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, decision.Status)
	require.NotNil(t, decision.Job)
	assert.Equal(t, 19, decision.CreditsLeft)

	tasks := f.enqueuer.Enqueued()
	require.Len(t, tasks, 1)
	assert.Equal(t, decision.Job.ID, tasks[0].Payload.JobID)
	assert.Equal(t, models.TierPaid, tasks[0].Payload.Tier)
}

func TestRequestProcessingCollapsesOnActiveJob(t *testing.T) {
	f := newFixture(t)
	userA := uuid.New()
	userB := uuid.New()
	recordA := f.upload(t, userA)
	recordB := f.reference(t, userB)

	first, err := f.svc.RequestProcessing(context.Background(), userA, ProcessRequest{
		BookID:    recordA.ID,
		Operation: models.OpOCR,
	})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, first.Status)

	second, err := f.svc.RequestProcessing(context.Background(), userB, ProcessRequest{
		BookID:    recordB.ID,
		Operation: models.OpOCR,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyRunning, second.Status)
	assert.Equal(t, first.Job.ID, second.Job.ID, "same hash and operation share one job")
	assert.Equal(t, -1, second.CreditsLeft, "riding an existing job costs nothing")

	// B 没有触发第二次投递
	assert.Len(t, f.enqueuer.Enqueued(), 1)

	stats, err := f.store.GetUserStats(context.Background(), userB)
	require.NoError(t, err)
	assert.Equal(t, 20, stats.ProcessingCredits)
}

func TestRequestProcessingReusesResult(t *testing.T) {
	f := newFixture(t)
	userA := uuid.New()
	userB := uuid.New()
	recordA := f.upload(t, userA)
	recordB := f.reference(t, userB)

	queued, err := f.svc.RequestProcessing(context.Background(), userA, ProcessRequest{
		BookID:    recordA.ID,
		Operation: models.OpOCR,
	})
	require.NoError(t, err)
	f.runJob(t, queued.Job.ID, registry.JobResult{ResultKey: "ocr/1f/8b/" + testHash + ".pdf"})

	// B 不需要任何 worker 参与, 直接拿 A 付费算出的结果
	decision, err := f.svc.RequestProcessing(context.Background(), userB, ProcessRequest{
		BookID:    recordB.ID,
		Operation: models.OpOCR,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusReused, decision.Status)
	assert.Equal(t, "ocr/1f/8b/"+testHash+".pdf", decision.ResultKey)
	assert.Equal(t, 19, decision.CreditsLeft, "reuse still burns one credit")
	assert.Len(t, f.enqueuer.Enqueued(), 1, "no new work enqueued for the reuse")
}

func TestRequestProcessingOCRNotNeeded(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	record := f.upload(t, userID)

	// 探测结论: 文本层完好
	detect, err := f.svc.RequestProcessing(context.Background(), userID, ProcessRequest{
		BookID:    record.ID,
		Operation: models.OpDetectTextLayer,
	})
	require.NoError(t, err)
	hasText := true
	confidence := 0.95
	f.runJob(t, detect.Job.ID, registry.JobResult{HasTextLayer: &hasText, TextLayerConfidence: &confidence})

	_, err = f.svc.RequestProcessing(context.Background(), userID, ProcessRequest{
		BookID:    record.ID,
		Operation: models.OpOCR,
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeConflict), "OCR refused when a good text layer exists")

	// Force 绕过判定
	forced, err := f.svc.RequestProcessing(context.Background(), userID, ProcessRequest{
		BookID:    record.ID,
		Operation: models.OpOCR,
		Force:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, forced.Status)
}

func TestRequestProcessingDetectReuseByFlag(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	record := f.upload(t, userID)

	queued, err := f.svc.RequestProcessing(context.Background(), userID, ProcessRequest{
		BookID:    record.ID,
		Operation: models.OpDetectTextLayer,
	})
	require.NoError(t, err)
	hasText := false
	confidence := 0.1
	f.runJob(t, queued.Job.ID, registry.JobResult{HasTextLayer: &hasText, TextLayerConfidence: &confidence})

	// 探测结果没有产物 key, 复用的依据是标志位本身
	decision, err := f.svc.RequestProcessing(context.Background(), userID, ProcessRequest{
		BookID:    record.ID,
		Operation: models.OpDetectTextLayer,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusReused, decision.Status)
	assert.Empty(t, decision.ResultKey)
}

func TestRequestProcessingConvertCarriesTarget(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	record := f.upload(t, userID)

	decision, err := f.svc.RequestProcessing(context.Background(), userID, ProcessRequest{
		BookID:       record.ID,
		Operation:    models.OpConvert,
		TargetFormat: "epub",
	})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, decision.Status)

	tasks := f.enqueuer.Enqueued()
	require.Len(t, tasks, 1)
	assert.Contains(t, tasks[0].Payload.TargetKey, testHash)
	assert.Contains(t, tasks[0].Payload.TargetKey, ".epub")
}

func TestRequestProcessingQuotaExhausted(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	record := f.upload(t, userID)
	f.store.SetProcessingCredits(userID, 0)

	_, err := f.svc.RequestProcessing(context.Background(), userID, ProcessRequest{
		BookID:    record.ID,
		Operation: models.OpOCR,
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeQuotaExceeded))

	// 额度不足时不应该留下任务
	_, err = f.store.FindActiveJob(context.Background(), testHash, models.OpOCR)
	assert.True(t, apperr.HasCode(err, apperr.CodeNotFound))
}

func TestReportFailureRequeuesWithBackoff(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	record := f.upload(t, userID)
	ctx := context.Background()

	queued, err := f.svc.RequestProcessing(ctx, userID, ProcessRequest{
		BookID:    record.ID,
		Operation: models.OpOCR,
	})
	require.NoError(t, err)
	f.enqueuer.Clear()

	_, err = f.svc.BeginJob(ctx, queued.Job.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.ReportFailure(ctx, queued.Job.ID, "ocrmypdf exited 1"))

	tasks := f.enqueuer.Enqueued()
	require.Len(t, tasks, 1)
	assert.Equal(t, 30*time.Second, tasks[0].Delay, "first retry waits one backoff unit")

	// 第二次失败, 退避线性加长
	_, err = f.svc.BeginJob(ctx, queued.Job.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.ReportFailure(ctx, queued.Job.ID, "ocrmypdf exited 1"))
	tasks = f.enqueuer.Enqueued()
	require.Len(t, tasks, 2)
	assert.Equal(t, 60*time.Second, tasks[1].Delay)

	// 第三次用完尝试上限, 终态失败, 不再投递
	_, err = f.svc.BeginJob(ctx, queued.Job.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.ReportFailure(ctx, queued.Job.ID, "ocrmypdf exited 1"))
	assert.Len(t, f.enqueuer.Enqueued(), 2)

	job, err := f.svc.GetJob(ctx, queued.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.State)
	assert.Equal(t, 3, job.Attempts)

	// 失败浮到内容状态上, 任何引用者都看得到
	report, err := f.svc.GetStatus(ctx, userID, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, report.ProcessingStatus)
	assert.Equal(t, "ocrmypdf exited 1", report.ProcessingError)
}

func TestGetStatusListsActiveJobs(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	record := f.upload(t, userID)
	ctx := context.Background()

	report, err := f.svc.GetStatus(ctx, userID, record.ID)
	require.NoError(t, err)
	assert.Empty(t, report.ActiveJobs)
	assert.False(t, report.OCRReady)

	_, err = f.svc.RequestProcessing(ctx, userID, ProcessRequest{BookID: record.ID, Operation: models.OpOCR})
	require.NoError(t, err)
	_, err = f.svc.RequestProcessing(ctx, userID, ProcessRequest{BookID: record.ID, Operation: models.OpConvert})
	require.NoError(t, err)

	report, err = f.svc.GetStatus(ctx, userID, record.ID)
	require.NoError(t, err)
	assert.Len(t, report.ActiveJobs, 2)
}

func TestRequestProcessingSurvivesOwnerSoftDelete(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	reader := uuid.New()
	recordA := f.upload(t, owner)
	recordB := f.reference(t, reader)
	ctx := context.Background()

	// owner 软删除后读者照常能发起处理, 资产没有跟着消失
	outcome, err := f.store.ReleaseBook(ctx, recordA.ID, owner, false)
	require.NoError(t, err)
	require.True(t, outcome.SoftDeleted)

	decision, err := f.svc.RequestProcessing(ctx, reader, ProcessRequest{
		BookID:    recordB.ID,
		Operation: models.OpOCR,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, decision.Status)

	// worker 的第一步还找得到内容
	asset, err := f.store.FindLiveAssetByHash(ctx, testHash)
	require.NoError(t, err)
	assert.Nil(t, asset.SoftDeletedAt)

	f.runJob(t, decision.Job.ID, registry.JobResult{ResultKey: "ocr/" + testHash + ".pdf"})
	job, err := f.svc.GetJob(ctx, decision.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.State)
}

// blindStore 在活跃任务预检里装瞎, 复现两个请求同时建任务的窗口
type blindStore struct {
	registry.Store
}

func (b *blindStore) FindActiveJob(ctx context.Context, contentHash string, op models.OperationType) (*models.ProcessingJob, error) {
	return nil, apperr.NotFound("no active job for hash %s", contentHash)
}

func TestRequestProcessingLostRaceRefundsCredit(t *testing.T) {
	store := registry.NewMemory(20)
	enqueuer := queue.NewFake()
	svc := NewService(&blindStore{Store: store}, enqueuer, logger.NewTestLogger(), nil)
	ctx := context.Background()
	userA := uuid.New()
	userB := uuid.New()

	_, err := store.CommitUpload(ctx, registry.CommitUploadParams{
		UserID:      userA,
		ContentHash: testHash,
		StorageKey:  "books/" + userA.String() + "/" + uuid.New().String() + ".pdf",
		Size:        4096,
		Title:       "Scanned Atlas",
		Format:      models.FormatPDF,
	})
	require.NoError(t, err)
	recordB, err := store.CreateReference(ctx, registry.CreateReferenceParams{UserID: userB, ContentHash: testHash})
	require.NoError(t, err)

	// A 的任务已经建好, 但预检没看到它
	_, created, err := store.CreateOrGetActiveJob(ctx, registry.JobParams{
		ContentHash: testHash,
		Operation:   models.OpOCR,
		Tier:        models.TierPaid,
		RequestedBy: userA,
	})
	require.NoError(t, err)
	require.True(t, created)

	decision, err := svc.RequestProcessing(ctx, userB, ProcessRequest{
		BookID:    recordB.ID,
		Operation: models.OpOCR,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyRunning, decision.Status)
	assert.Equal(t, -1, decision.CreditsLeft)
	assert.Empty(t, enqueuer.Enqueued(), "the loser must not enqueue a second job")

	// 挂车不收费: 撞车时扣掉的额度退了回来
	stats, err := store.GetUserStats(ctx, userB)
	require.NoError(t, err)
	assert.Equal(t, 20, stats.ProcessingCredits)
}
