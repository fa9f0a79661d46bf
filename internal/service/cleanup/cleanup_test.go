package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/internal/registry"
	"github.com/quietlake/bookvault/pkg/logger"
	objmem "github.com/quietlake/bookvault/pkg/objectstore/memory"
)

const testHash = "9c4e7a1b2d3f40516273849a5b6c7d8e9f0a1b2c3d4e5f60718293a4b5c6d7e8"

type fixture struct {
	svc     CleanupService
	store   *registry.MemoryStore
	gateway *objmem.Gateway
}

// newFixture 的宽限期可以为负, 让刚软删除的行立即过期
func newFixture(t *testing.T, grace, orphanMinAge time.Duration) *fixture {
	t.Helper()
	store := registry.NewMemory(20)
	gateway := objmem.New()
	svc := NewService(store, gateway, logger.NewTestLogger(), &ServiceConfig{
		RetentionGrace: grace,
		OrphanMinAge:   orphanMinAge,
		BatchSize:      100,
	})
	return &fixture{svc: svc, store: store, gateway: gateway}
}

func (f *fixture) upload(t *testing.T, userID uuid.UUID) *registry.CommitUploadResult {
	t.Helper()
	ctx := context.Background()
	data := []byte("%PDF-1.7 condemned")
	key := "books/" + userID.String() + "/" + uuid.New().String() + ".pdf"
	f.gateway.PutAt(key, data, time.Now().Add(-48*time.Hour))
	result, err := f.store.CommitUpload(ctx, registry.CommitUploadParams{
		UserID:      userID,
		ContentHash: testHash,
		StorageKey:  key,
		Size:        1024,
		Title:       "Condemned",
		Format:      models.FormatPDF,
	})
	require.NoError(t, err)
	return result
}

func TestSweepExpiredRespectsGrace(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	owner := uuid.New()
	reader := uuid.New()
	ctx := context.Background()

	result := f.upload(t, owner)
	_, err := f.store.CreateReference(ctx, registry.CreateReferenceParams{UserID: reader, ContentHash: testHash})
	require.NoError(t, err)
	_, err = f.store.ReleaseBook(ctx, result.Record.ID, owner, false)
	require.NoError(t, err)

	report, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.RecordsReleased, "grace window still running")
	assert.True(t, f.gateway.Exists(result.Asset.StorageKey))
}

func TestSweepExpiredPromotesSurvivor(t *testing.T) {
	f := newFixture(t, -time.Hour, time.Hour)
	owner := uuid.New()
	reader := uuid.New()
	ctx := context.Background()

	result := f.upload(t, owner)
	ref, err := f.store.CreateReference(ctx, registry.CreateReferenceParams{UserID: reader, ContentHash: testHash})
	require.NoError(t, err)
	_, err = f.store.ReleaseBook(ctx, result.Record.ID, owner, false)
	require.NoError(t, err)

	report, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RecordsReleased)
	assert.Equal(t, 0, report.AssetsReaped, "reader's reference keeps the bytes")
	assert.True(t, f.gateway.Exists(result.Asset.StorageKey))

	// 幸存的引用接手 owner 身份
	promoted, err := f.store.GetBook(ctx, ref.ID, reader)
	require.NoError(t, err)
	assert.True(t, promoted.IsOwner)
}

func TestSweepExpiredReapsDrainedAsset(t *testing.T) {
	f := newFixture(t, -time.Hour, time.Hour)
	owner := uuid.New()
	reader := uuid.New()
	ctx := context.Background()

	result := f.upload(t, owner)
	ref, err := f.store.CreateReference(ctx, registry.CreateReferenceParams{UserID: reader, ContentHash: testHash})
	require.NoError(t, err)

	// owner 软删除, 然后 reader 也放弃引用: 没有活读者了,
	// 资产转入软删除等宽限期, 字节先不动
	_, err = f.store.ReleaseBook(ctx, result.Record.ID, owner, false)
	require.NoError(t, err)
	outcome, err := f.store.ReleaseBook(ctx, ref.ID, reader, false)
	require.NoError(t, err)
	assert.Nil(t, outcome.RemovedAsset)
	require.True(t, f.gateway.Exists(result.Asset.StorageKey))

	// 宽限期过后清扫把过期记录和被抽干的资产一起回收
	report, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RecordsReleased)
	assert.Equal(t, 1, report.AssetsReaped)
	assert.False(t, f.gateway.Exists(result.Asset.StorageKey))
}

func TestSweepOrphansMinAge(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	ctx := context.Background()

	// 刚直传完还没 CommitUpload 的对象不能当孤儿删
	young := "books/" + uuid.New().String() + "/pending.pdf"
	f.gateway.PutAt(young, []byte("fresh"), time.Now())

	// 老对象没有任何注册表行指着, 可以删
	stale := "books/" + uuid.New().String() + "/abandoned.pdf"
	f.gateway.PutAt(stale, []byte("stale"), time.Now().Add(-48*time.Hour))

	report, err := f.svc.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ObjectsDeleted)
	assert.Equal(t, 1, report.ObjectsSkipped)
	assert.True(t, f.gateway.Exists(young))
	assert.False(t, f.gateway.Exists(stale))
}

func TestSweepOrphansKeepsReferencedKeys(t *testing.T) {
	f := newFixture(t, time.Hour, -time.Hour)
	userID := uuid.New()
	ctx := context.Background()

	result := f.upload(t, userID)

	// 在 minAge 为负的极端配置下, 刚上传的对象也会被检查;
	// 注册表里有行指着它, 必须留下
	report, err := f.svc.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ObjectsDeleted)
	assert.Equal(t, 1, report.ObjectsSkipped)
	assert.True(t, f.gateway.Exists(result.Asset.StorageKey))
}
