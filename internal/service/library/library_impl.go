package library

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quietlake/bookvault/internal/apperr"
	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/internal/registry"
	"github.com/quietlake/bookvault/internal/utils/validator"
	"github.com/quietlake/bookvault/pkg/logger"
	"github.com/quietlake/bookvault/pkg/objectstore"
	"github.com/quietlake/bookvault/pkg/queue"
)

type Service struct {
	store     registry.Store
	gateway   objectstore.Gateway
	enqueuer  queue.Enqueuer
	validator *validator.UploadValidator
	logger    logger.Logger
	config    *ServiceConfig
}

type ServiceConfig struct {
	UploadTTL        time.Duration
	DownloadTTL      time.Duration
	FreeStorageBytes int64
	PaidStorageBytes int64
	FreeBookLimit    int
	PaidBookLimit    int
	MaxCoverBytes    int64
}

func NewService(
	store registry.Store,
	gateway objectstore.Gateway,
	enqueuer queue.Enqueuer,
	log logger.Logger,
	cfg *ServiceConfig,
) LibraryService {
	if cfg == nil {
		cfg = &ServiceConfig{
			UploadTTL:        15 * time.Minute,
			DownloadTTL:      1 * time.Hour,
			FreeStorageBytes: 1 << 30,
			PaidStorageBytes: 50 << 30,
			FreeBookLimit:    100,
			PaidBookLimit:    5000,
			MaxCoverBytes:    5 << 20,
		}
	}
	return &Service{
		store:     store,
		gateway:   gateway,
		enqueuer:  enqueuer,
		validator: validator.NewUploadValidator(nil),
		logger:    log,
		config:    cfg,
	}
}

// InitUpload 检查配额并回答秒传问题: 哈希已知且内容已存在时直接建引用,
// 否则签发一次性直传地址.
func (s *Service) InitUpload(ctx context.Context, userID uuid.UUID, req InitUploadRequest) (*InitUploadResult, error) {
	result := s.validator.ValidateUpload(req.Filename, req.Size, req.Title)
	if err := result.FirstError(); err != nil {
		return nil, apperr.InvalidArgument("%v", err)
	}

	stats, err := s.store.GetUserStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.checkBookQuota(stats, req.Tier); err != nil {
		return nil, err
	}

	if req.ContentHash != "" {
		if err := s.validator.ValidateContentHash(req.ContentHash); err != nil {
			return nil, apperr.InvalidArgument("%v", err)
		}
		if _, err := s.store.FindLiveAssetByHash(ctx, req.ContentHash); err == nil {
			record, err := s.store.CreateReference(ctx, registry.CreateReferenceParams{
				UserID:      userID,
				ContentHash: req.ContentHash,
				Title:       req.Title,
				Author:      req.Author,
			})
			if err != nil {
				return nil, err
			}
			s.logger.Info("Instant upload",
				logger.String("userId", userID.String()),
				logger.String("contentHash", req.ContentHash),
				logger.String("bookId", record.ID.String()),
			)
			return &InitUploadResult{Instant: true, Record: record}, nil
		} else if !apperr.HasCode(err, apperr.CodeNotFound) {
			return nil, err
		}
	}

	// 全新内容才占用存储配额
	if err := s.checkStorageQuota(stats, req.Tier, req.Size); err != nil {
		return nil, err
	}

	key := objectstore.UploadKey(userID, req.Filename)
	url, err := s.gateway.PresignedUpload(ctx, key, s.config.UploadTTL)
	if err != nil {
		s.logger.Error("Failed to presign upload",
			logger.String("key", key),
			logger.Error(err),
		)
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to presign upload")
	}

	return &InitUploadResult{
		UploadKey: key,
		UploadURL: url,
		ExpiresAt: time.Now().Add(s.config.UploadTTL),
	}, nil
}

// CompleteUpload 以服务端重算的哈希为准注册内容. 声明哈希不一致时报
// conflict, 已上传的对象留给孤儿清扫.
func (s *Service) CompleteUpload(ctx context.Context, userID uuid.UUID, req CompleteUploadRequest) (*models.BookRecord, error) {
	if !strings.HasPrefix(req.UploadKey, objectstore.UploadPrefix(userID)) {
		return nil, apperr.InvalidArgument("upload key does not belong to user")
	}

	info, err := s.gateway.Stat(ctx, req.UploadKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, apperr.UploadIncomplete("no object at %s", req.UploadKey)
		}
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to stat upload")
	}

	hash, err := objectstore.HashObject(ctx, s.gateway, req.UploadKey)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to hash upload")
	}
	if req.ContentHash != "" && req.ContentHash != hash {
		s.logger.Warn("Declared hash mismatch",
			logger.String("key", req.UploadKey),
			logger.String("declared", req.ContentHash),
			logger.String("computed", hash),
		)
		return nil, apperr.Conflict("declared content hash does not match uploaded bytes")
	}

	commit, err := s.store.CommitUpload(ctx, registry.CommitUploadParams{
		UserID:      userID,
		ContentHash: hash,
		StorageKey:  req.UploadKey,
		Size:        info.Size,
		Title:       req.Title,
		Author:      req.Author,
		Format:      models.FormatFromKey(req.UploadKey),
	})
	if err != nil {
		return nil, err
	}

	if commit.Deduplicated {
		// 字节已经有了, 这次传的是冗余副本
		if delErr := s.gateway.Delete(ctx, commit.OrphanedKey); delErr != nil {
			s.logger.Warn("Failed to delete redundant upload, orphan sweep will catch it",
				logger.String("key", commit.OrphanedKey),
				logger.Error(delErr),
			)
		}
	} else {
		s.scheduleDetection(ctx, commit.Asset, userID, req.Tier)
	}

	s.logger.Info("Upload committed",
		logger.String("userId", userID.String()),
		logger.String("bookId", commit.Record.ID.String()),
		logger.String("contentHash", hash),
		logger.Bool("deduplicated", commit.Deduplicated),
	)
	return commit.Record, nil
}

// scheduleDetection 为新内容排一个文本层探测任务. 入队失败只记日志,
// 任务记录还在, 用户重新请求处理时会补投.
func (s *Service) scheduleDetection(ctx context.Context, asset *models.ContentAsset, userID uuid.UUID, tier models.Tier) {
	if models.FormatFromKey(asset.StorageKey) != models.FormatPDF {
		return
	}
	if tier == "" {
		tier = models.TierFree
	}

	job, created, err := s.store.CreateOrGetActiveJob(ctx, registry.JobParams{
		ContentHash: asset.ContentHash,
		Operation:   models.OpDetectTextLayer,
		Tier:        tier,
		RequestedBy: userID,
	})
	if err != nil {
		s.logger.Error("Failed to create detection job",
			logger.String("contentHash", asset.ContentHash),
			logger.Error(err),
		)
		return
	}
	if !created {
		return
	}
	err = s.enqueuer.EnqueueJob(ctx, queue.PipelinePayload{
		JobID:       job.ID,
		ContentHash: job.ContentHash,
		Operation:   job.Operation,
		Tier:        job.Tier,
	}, 0)
	if err != nil {
		s.logger.Error("Failed to enqueue detection job",
			logger.String("jobId", job.ID.String()),
			logger.Error(err),
		)
	}
}

func (s *Service) AddByHash(ctx context.Context, userID uuid.UUID, req AddByHashRequest) (*models.BookRecord, error) {
	if err := s.validator.ValidateContentHash(req.ContentHash); err != nil {
		return nil, apperr.InvalidArgument("%v", err)
	}

	stats, err := s.store.GetUserStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.checkBookQuota(stats, models.TierFree); err != nil {
		return nil, err
	}

	return s.store.CreateReference(ctx, registry.CreateReferenceParams{
		UserID:      userID,
		ContentHash: req.ContentHash,
		Title:       req.Title,
		Author:      req.Author,
	})
}

func (s *Service) GetBook(ctx context.Context, userID, bookID uuid.UUID) (*models.BookRecord, error) {
	return s.store.GetBook(ctx, bookID, userID)
}

func (s *Service) ListBooks(ctx context.Context, userID uuid.UUID, page, pageSize int) (*BookPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	books, total, err := s.store.ListBooks(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &BookPage{Books: books, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *Service) UpdateBook(ctx context.Context, userID, bookID uuid.UUID, req UpdateBookRequest) (*models.BookRecord, error) {
	return s.store.UpdateBook(ctx, bookID, userID, registry.BookUpdate{
		Title:           req.Title,
		Author:          req.Author,
		Language:        req.Language,
		ExpectedVersion: req.ExpectedVersion,
	})
}

// DeleteBook 先提交注册表里的行级变更, 再尽力删除失去引用的对象.
// 对象删不掉只记日志, 留给清扫任务.
func (s *Service) DeleteBook(ctx context.Context, userID, bookID uuid.UUID, permanent bool) (*registry.ReleaseOutcome, error) {
	outcome, err := s.store.ReleaseBook(ctx, bookID, userID, permanent)
	if err != nil {
		return nil, err
	}

	// 软删除也会把私有封面报成孤儿, 统一在这里尽力删除
	s.deleteKeys(ctx, outcome.OrphanedKeys)

	s.logger.Info("Book released",
		logger.String("userId", userID.String()),
		logger.String("bookId", bookID.String()),
		logger.Bool("softDeleted", outcome.SoftDeleted),
		logger.Bool("recordRemoved", outcome.RecordRemoved),
		logger.Bool("assetRemoved", outcome.RemovedAsset != nil),
	)
	return outcome, nil
}

func (s *Service) deleteKeys(ctx context.Context, keys []string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := s.gateway.Delete(ctx, key); err != nil && !errors.Is(err, objectstore.ErrObjectNotFound) {
			s.logger.Warn("Failed to delete orphaned object",
				logger.String("key", key),
				logger.Error(err),
			)
		}
	}
}

// ContentURL 优先给流水线产物: 转换结果 > OCR 结果 > 原始字节
func (s *Service) ContentURL(ctx context.Context, userID, bookID uuid.UUID) (string, error) {
	record, err := s.store.GetBook(ctx, bookID, userID)
	if err != nil {
		return "", err
	}
	asset := record.Asset
	if asset == nil {
		return "", apperr.New(apperr.CodeInternal, "record %s has no asset", bookID)
	}

	key := asset.StorageKey
	switch {
	case asset.ConvertedKey != "":
		key = asset.ConvertedKey
	case asset.OCRKey != "":
		key = asset.OCRKey
	}

	filename := record.Title
	if filename == "" {
		filename = bookID.String()
	}
	url, err := s.gateway.PresignedDownload(ctx, key, s.config.DownloadTTL, filename)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeInternal, "failed to presign download")
	}
	return url, nil
}

// UploadCover 封面是私有小文件, 不走预签名直传
func (s *Service) UploadCover(ctx context.Context, userID, bookID uuid.UUID, reader io.Reader, size int64) (*models.BookRecord, error) {
	if size <= 0 || size > s.config.MaxCoverBytes {
		return nil, apperr.InvalidArgument("cover must be between 1 byte and %d bytes", s.config.MaxCoverBytes)
	}
	if _, err := s.store.GetBook(ctx, bookID, userID); err != nil {
		return nil, err
	}

	key := objectstore.CoverKey(userID, bookID)
	if err := s.gateway.Put(ctx, key, reader, size, "image/jpeg"); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to store cover")
	}
	return s.store.UpdateBook(ctx, bookID, userID, registry.BookUpdate{CoverKey: &key})
}

func (s *Service) CoverURL(ctx context.Context, userID, bookID uuid.UUID) (string, error) {
	record, err := s.store.GetBook(ctx, bookID, userID)
	if err != nil {
		return "", err
	}
	if record.CoverKey == "" {
		return "", apperr.NotFound("book %s has no cover", bookID)
	}
	url, err := s.gateway.PresignedDownload(ctx, record.CoverKey, s.config.DownloadTTL, "")
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeInternal, "failed to presign cover")
	}
	return url, nil
}

func (s *Service) GetStats(ctx context.Context, userID uuid.UUID) (*models.UserStats, error) {
	return s.store.GetUserStats(ctx, userID)
}

func (s *Service) checkBookQuota(stats *models.UserStats, tier models.Tier) error {
	limit := s.config.FreeBookLimit
	if tier == models.TierPaid {
		limit = s.config.PaidBookLimit
	}
	if stats.BookCount >= limit {
		return apperr.QuotaExceeded("book limit of %d reached", limit)
	}
	return nil
}

func (s *Service) checkStorageQuota(stats *models.UserStats, tier models.Tier, size int64) error {
	limit := s.config.FreeStorageBytes
	if tier == models.TierPaid {
		limit = s.config.PaidStorageBytes
	}
	if stats.StorageUsed+size > limit {
		return apperr.QuotaExceeded("storage limit of %d bytes exceeded", limit)
	}
	return nil
}
