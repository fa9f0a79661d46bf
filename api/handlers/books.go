package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quietlake/bookvault/api/middleware"
	"github.com/quietlake/bookvault/internal/apperr"
	"github.com/quietlake/bookvault/internal/service/library"
	"github.com/quietlake/bookvault/pkg/logger"
)

type BookHandler struct {
	service library.LibraryService
	logger  logger.Logger
}

func NewBookHandler(service library.LibraryService, log logger.Logger) *BookHandler {
	return &BookHandler{service: service, logger: log}
}

// InitUpload 开始一次上传: 可能直接秒传, 否则拿到直传地址
func (h *BookHandler) InitUpload(c *gin.Context) {
	var req library.InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperr.InvalidArgument("invalid request body: %v", err))
		return
	}

	result, err := h.service.InitUpload(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if result.Instant {
		c.JSON(http.StatusCreated, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CompleteUpload 直传完成后的回执
func (h *BookHandler) CompleteUpload(c *gin.Context) {
	var req library.CompleteUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperr.InvalidArgument("invalid request body: %v", err))
		return
	}

	record, err := h.service.CompleteUpload(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

// AddByHash 纯引用添加
func (h *BookHandler) AddByHash(c *gin.Context) {
	var req library.AddByHashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperr.InvalidArgument("invalid request body: %v", err))
		return
	}

	record, err := h.service.AddByHash(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (h *BookHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))

	result, err := h.service.ListBooks(c.Request.Context(), middleware.UserID(c), page, pageSize)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *BookHandler) Get(c *gin.Context) {
	bookID, err := h.bookID(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	record, err := h.service.GetBook(c.Request.Context(), middleware.UserID(c), bookID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *BookHandler) Update(c *gin.Context) {
	bookID, err := h.bookID(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var req library.UpdateBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, apperr.InvalidArgument("invalid request body: %v", err))
		return
	}

	record, err := h.service.UpdateBook(c.Request.Context(), middleware.UserID(c), bookID, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// Delete 默认软删除, permanent=true 跳过宽限期
func (h *BookHandler) Delete(c *gin.Context) {
	bookID, err := h.bookID(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	permanent := c.Query("permanent") == "true"

	outcome, err := h.service.DeleteBook(c.Request.Context(), middleware.UserID(c), bookID, permanent)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"softDeleted":   outcome.SoftDeleted,
		"recordRemoved": outcome.RecordRemoved,
		"assetRemoved":  outcome.RemovedAsset != nil,
	})
}

// Content 返回阅读用的预签名下载地址
func (h *BookHandler) Content(c *gin.Context) {
	bookID, err := h.bookID(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	url, err := h.service.ContentURL(c.Request.Context(), middleware.UserID(c), bookID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// UploadCover 封面直接走请求体, 小文件不需要预签名
func (h *BookHandler) UploadCover(c *gin.Context) {
	bookID, err := h.bookID(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	record, err := h.service.UploadCover(c.Request.Context(), middleware.UserID(c), bookID,
		c.Request.Body, c.Request.ContentLength)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *BookHandler) Cover(c *gin.Context) {
	bookID, err := h.bookID(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	url, err := h.service.CoverURL(c.Request.Context(), middleware.UserID(c), bookID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *BookHandler) Stats(c *gin.Context) {
	stats, err := h.service.GetStats(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *BookHandler) bookID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("bookId"))
	if err != nil {
		return uuid.Nil, apperr.InvalidArgument("bookId must be a UUID")
	}
	return id, nil
}
