package library

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/internal/registry"
)

// InitUploadRequest 开始上传的声明元数据
type InitUploadRequest struct {
	Filename    string      `json:"filename"`
	Size        int64       `json:"size"`
	ContentHash string      `json:"contentHash,omitempty"` // 可选, 用于秒传探测
	Title       string      `json:"title"`
	Author      string      `json:"author,omitempty"`
	Tier        models.Tier `json:"tier"`
}

// InitUploadResult 要么给出上传地址, 要么直接秒传完成
type InitUploadResult struct {
	Instant   bool               `json:"instant"`
	Record    *models.BookRecord `json:"record,omitempty"`
	UploadKey string             `json:"uploadKey,omitempty"`
	UploadURL string             `json:"uploadUrl,omitempty"`
	ExpiresAt time.Time          `json:"expiresAt,omitempty"`
}

// CompleteUploadRequest 客户端直传完成后的回执
type CompleteUploadRequest struct {
	UploadKey   string      `json:"uploadKey"`
	ContentHash string      `json:"contentHash,omitempty"` // 客户端声明, 服务端重新计算比对
	Title       string      `json:"title"`
	Author      string      `json:"author,omitempty"`
	Tier        models.Tier `json:"tier"`
}

// AddByHashRequest 纯引用添加, 不传字节
type AddByHashRequest struct {
	ContentHash string `json:"contentHash"`
	Title       string `json:"title,omitempty"`
	Author      string `json:"author,omitempty"`
}

// UpdateBookRequest 元数据编辑
type UpdateBookRequest struct {
	Title           *string `json:"title,omitempty"`
	Author          *string `json:"author,omitempty"`
	Language        *string `json:"language,omitempty"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

// BookPage 分页结果
type BookPage struct {
	Books    []*models.BookRecord `json:"books"`
	Total    int                  `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"pageSize"`
}

// LibraryService 书库核心: 上传去重, 引用管理, 删除回收
type LibraryService interface {
	InitUpload(ctx context.Context, userID uuid.UUID, req InitUploadRequest) (*InitUploadResult, error)
	CompleteUpload(ctx context.Context, userID uuid.UUID, req CompleteUploadRequest) (*models.BookRecord, error)
	AddByHash(ctx context.Context, userID uuid.UUID, req AddByHashRequest) (*models.BookRecord, error)

	GetBook(ctx context.Context, userID, bookID uuid.UUID) (*models.BookRecord, error)
	ListBooks(ctx context.Context, userID uuid.UUID, page, pageSize int) (*BookPage, error)
	UpdateBook(ctx context.Context, userID, bookID uuid.UUID, req UpdateBookRequest) (*models.BookRecord, error)
	DeleteBook(ctx context.Context, userID, bookID uuid.UUID, permanent bool) (*registry.ReleaseOutcome, error)

	ContentURL(ctx context.Context, userID, bookID uuid.UUID) (string, error)
	UploadCover(ctx context.Context, userID, bookID uuid.UUID, reader io.Reader, size int64) (*models.BookRecord, error)
	CoverURL(ctx context.Context, userID, bookID uuid.UUID) (string, error)

	GetStats(ctx context.Context, userID uuid.UUID) (*models.UserStats, error)
}
