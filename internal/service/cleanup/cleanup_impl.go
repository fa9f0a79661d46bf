package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/quietlake/bookvault/internal/registry"
	"github.com/quietlake/bookvault/pkg/logger"
	"github.com/quietlake/bookvault/pkg/objectstore"
)

type Service struct {
	store   registry.Store
	gateway objectstore.Gateway
	logger  logger.Logger
	config  *ServiceConfig
}

type ServiceConfig struct {
	RetentionGrace time.Duration
	OrphanMinAge   time.Duration
	BatchSize      int
}

func NewService(store registry.Store, gateway objectstore.Gateway, log logger.Logger, cfg *ServiceConfig) CleanupService {
	if cfg == nil {
		cfg = &ServiceConfig{
			RetentionGrace: 30 * 24 * time.Hour,
			OrphanMinAge:   24 * time.Hour,
			BatchSize:      100,
		}
	}
	return &Service{store: store, gateway: gateway, logger: log, config: cfg}
}

// SweepExpired 物理回收宽限期已过的软删除行. 行级变更先提交,
// 对象删除失败留给下一轮.
func (s *Service) SweepExpired(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	cutoff := time.Now().Add(-s.config.RetentionGrace)

	records, err := s.store.ListExpiredRecords(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		outcome, err := s.store.ReleaseExpired(ctx, record.ID)
		if err != nil {
			s.logger.Error("Failed to release expired record",
				logger.String("recordId", record.ID.String()),
				logger.Error(err),
			)
			report.Errors++
			continue
		}
		report.RecordsReleased++
		if outcome.RemovedAsset != nil {
			report.AssetsReaped++
		}
		report.ObjectsDeleted += s.deleteKeys(ctx, outcome.OrphanedKeys, report)
	}

	// 软删除的资产可能因为残留引用活过了自己的记录, 引用清完后在这里收尾
	assets, err := s.store.ListReapableAssets(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return nil, err
	}
	for _, asset := range assets {
		keys, err := s.store.ReapAsset(ctx, asset.ID)
		if err != nil {
			s.logger.Error("Failed to reap asset",
				logger.String("assetId", asset.ID.String()),
				logger.Error(err),
			)
			report.Errors++
			continue
		}
		report.AssetsReaped++
		report.ObjectsDeleted += s.deleteKeys(ctx, keys, report)
	}

	s.logger.Info("Expired sweep finished",
		logger.Int("recordsReleased", report.RecordsReleased),
		logger.Int("assetsReaped", report.AssetsReaped),
		logger.Int("objectsDeleted", report.ObjectsDeleted),
		logger.Int("errors", report.Errors),
	)
	return report, nil
}

// SweepOrphans 找出对象存储里没有任何注册表引用的对象. 刚直传还没
// CommitUpload 的对象靠最小存活时间保护.
func (s *Service) SweepOrphans(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	cutoff := time.Now().Add(-s.config.OrphanMinAge)

	prefixes := []string{
		objectstore.PrefixBooks,
		objectstore.PrefixOCR,
		objectstore.PrefixConverted,
		objectstore.PrefixCovers,
	}
	for _, prefix := range prefixes {
		objects, err := s.gateway.List(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, obj := range objects {
			if obj.LastModified.After(cutoff) {
				report.ObjectsSkipped++
				continue
			}
			referenced, err := s.store.IsKeyReferenced(ctx, obj.Key)
			if err != nil {
				report.Errors++
				continue
			}
			if referenced {
				report.ObjectsSkipped++
				continue
			}
			if err := s.gateway.Delete(ctx, obj.Key); err != nil && !errors.Is(err, objectstore.ErrObjectNotFound) {
				s.logger.Warn("Failed to delete orphan object",
					logger.String("key", obj.Key),
					logger.Error(err),
				)
				report.Errors++
				continue
			}
			report.ObjectsDeleted++
			s.logger.Info("Deleted orphan object",
				logger.String("key", obj.Key),
				logger.Int64("size", obj.Size),
			)
		}
	}

	s.logger.Info("Orphan sweep finished",
		logger.Int("objectsDeleted", report.ObjectsDeleted),
		logger.Int("objectsSkipped", report.ObjectsSkipped),
		logger.Int("errors", report.Errors),
	)
	return report, nil
}

func (s *Service) deleteKeys(ctx context.Context, keys []string, report *SweepReport) int {
	deleted := 0
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := s.gateway.Delete(ctx, key); err != nil && !errors.Is(err, objectstore.ErrObjectNotFound) {
			s.logger.Warn("Failed to delete object",
				logger.String("key", key),
				logger.Error(err),
			)
			report.Errors++
			continue
		}
		deleted++
	}
	return deleted
}
